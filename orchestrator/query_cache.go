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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"digbigpt/platform/shared/logger"
)

// DefaultCacheTTL is how long a settled answer stays cached
const DefaultCacheTTL = 15 * time.Minute

// CachedAnswer is the response payload stored per normalized question
type CachedAnswer struct {
	Text      string `json:"text"`
	AgentUsed string `json:"agent_used"`
	Table     *Table `json:"table,omitempty"`
}

// QueryCache caches settled answers in Redis, keyed by the normalized
// question and user type. Answers that needed a corrective retry are
// never cached: a retried answer signals the first attempt was defective
// and the cache should not pin that question's behavior.
//
// Cache failures are soft: a Redis outage degrades to cache misses, it
// never fails the request.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewQueryCache builds a cache over the given Redis client
func NewQueryCache(client *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &QueryCache{
		client: client,
		ttl:    ttl,
		log:    logger.New("query-cache"),
	}
}

// Key derives the cache key for a question and user type
func (c *QueryCache) Key(question, userType string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(userType + "|" + normalized))
	return "digbigpt:answer:" + hex.EncodeToString(sum[:])
}

// Get returns the cached answer for a question, or nil on miss
func (c *QueryCache) Get(ctx context.Context, question, userType string) *CachedAnswer {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := c.client.Get(ctx, c.Key(question, userType)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.log.Warn("", "", "Cache read failed, treating as miss",
			map[string]interface{}{"error": err.Error()})
		return nil
	}

	var answer CachedAnswer
	if err := json.Unmarshal(data, &answer); err != nil {
		c.log.Warn("", "", "Cache entry corrupt, treating as miss",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	return &answer
}

// Put stores a settled answer. Results produced through a corrective
// retry are skipped.
func (c *QueryCache) Put(ctx context.Context, question, userType string, result *FinalResult, table *Table) {
	if c == nil || c.client == nil || result == nil {
		return
	}
	if result.CorrectiveRetryApplied {
		return
	}

	data, err := json.Marshal(CachedAnswer{
		Text:      result.Text,
		AgentUsed: result.AgentUsed,
		Table:     table,
	})
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.Key(question, userType), data, c.ttl).Err(); err != nil {
		c.log.Warn("", "", "Cache write failed",
			map[string]interface{}{"error": err.Error()})
	}
}

// Ping verifies Redis connectivity for health reporting
func (c *QueryCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
