// Copyright 2025 Digbi Health
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"digbigpt/platform/orchestrator/llm"
	"digbigpt/platform/orchestrator/llm/anthropic"
	"digbigpt/platform/orchestrator/llm/bedrock"
	"digbigpt/platform/shared/logger"
)

// ServiceConfig is the environment-driven service configuration
type ServiceConfig struct {
	Port           string
	AgentConfigDir string
	ClaimsDBDSN    string
	RedisAddr      string
	RedisPassword  string
	CacheTTL       time.Duration
	JWTSecret      string
	AnthropicKey   string
	BedrockRegion  string
	DefaultLLM     string
	AuditEnabled   bool
}

// LoadServiceConfig reads the configuration from environment variables
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Port:           getEnv("PORT", "8080"),
		AgentConfigDir: getEnv("AGENT_CONFIG_DIR", "config/agents"),
		ClaimsDBDSN:    getEnv("CLAIMS_DB_DSN", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		CacheTTL:       getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AnthropicKey:   getEnv("ANTHROPIC_API_KEY", ""),
		BedrockRegion:  getEnv("BEDROCK_REGION", ""),
		DefaultLLM:     getEnv("DEFAULT_LLM_PROVIDER", "anthropic"),
		AuditEnabled:   getEnvBool("AUDIT_ENABLED", true),
	}
}

// Run boots the orchestrator service and blocks until shutdown
func Run() error {
	log := logger.New("orchestrator")
	cfg := LoadServiceConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ClaimsDBDSN == "" {
		return fmt.Errorf("CLAIMS_DB_DSN is required")
	}

	db, err := sql.Open("postgres", cfg.ClaimsDBDSN)
	if err != nil {
		return fmt.Errorf("failed to open claims database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("claims database unreachable: %w", err)
	}
	if err := EnsureKBSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to ensure kb schema: %w", err)
	}

	var audit *AuditLogger
	if cfg.AuditEnabled {
		if err := EnsureAuditSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to ensure audit schema: %w", err)
		}
		audit = NewAuditLogger(db)
		defer audit.Close()
	}

	var cache *QueryCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		cache = NewQueryCache(redisClient, cfg.CacheTTL)
		if err := cache.Ping(ctx); err != nil {
			log.Warn("", "", "Redis unreachable at startup, cache degraded",
				map[string]interface{}{"addr": cfg.RedisAddr, "error": err.Error()})
		}
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("", "", "LLM providers registered",
		map[string]interface{}{"providers": providers.List(), "default": cfg.DefaultLLM})

	registry := NewAgentRegistry()
	if err := registry.LoadFromDirectoryWithContext(ctx, cfg.AgentConfigDir); err != nil {
		return fmt.Errorf("failed to load agent configs: %w", err)
	}
	stats := registry.Stats()
	log.Info("", "", "Agent registry loaded",
		map[string]interface{}{"agents": stats.AgentCount, "domains": stats.DomainCount, "rules": stats.RoutingRules})

	claims := NewClaimsStore(db)
	kb := NewKBStore(db)
	tools, err := NewClaimsToolRegistry(claims, kb.SearchFunc())
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	metrics := NewMetricsCollector(prometheus.DefaultRegisterer)
	runtime := NewLLMRuntime(tools, NewGuardrailSet(), providers, cfg.DefaultLLM)
	coordinator := NewCoordinator(registry, runtime).WithMetrics(metrics)

	server := NewServer(registry, coordinator, cache, audit, metrics, claims)
	auth := NewAuthMiddleware(cfg.JWTSecret)
	if !auth.Enabled() {
		log.Warn("", "", "JWT_SECRET not set, API authentication disabled", nil)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/ask", auth.Wrap(http.HandlerFunc(server.HandleAsk))).Methods(http.MethodPost)
	api.Handle("/agents", auth.Wrap(http.HandlerFunc(server.HandleListAgents))).Methods(http.MethodGet)
	api.Handle("/admin/reload", auth.Wrap(http.HandlerFunc(server.HandleReload))).Methods(http.MethodPost)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "Orchestrator listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("", "", "Shutdown signal received, draining", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildProviders registers every provider the environment configures
func buildProviders(ctx context.Context, cfg ServiceConfig) (*llm.Registry, error) {
	providers := llm.NewRegistry()

	if cfg.AnthropicKey != "" {
		p, err := anthropic.NewProvider(anthropic.Config{APIKey: cfg.AnthropicKey})
		if err != nil {
			return nil, fmt.Errorf("failed to build anthropic provider: %w", err)
		}
		if err := providers.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.BedrockRegion != "" {
		p, err := bedrock.NewProvider(ctx, bedrock.Config{Region: cfg.BedrockRegion})
		if err != nil {
			return nil, fmt.Errorf("failed to build bedrock provider: %w", err)
		}
		if err := providers.Register(p); err != nil {
			return nil, err
		}
	}

	if providers.Count() == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY or BEDROCK_REGION")
	}
	if !providers.Has(cfg.DefaultLLM) {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.DefaultLLM)
	}
	return providers, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
