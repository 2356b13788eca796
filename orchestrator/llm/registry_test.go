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

package llm

import (
	"context"
	"testing"
)

type fakeProvider struct {
	name    string
	healthy bool
}

func (p *fakeProvider) Name() string       { return p.name }
func (p *fakeProvider) Type() ProviderType { return ProviderTypeCustom }
func (p *fakeProvider) IsHealthy() bool    { return p.healthy }

func (p *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "ok"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&fakeProvider{name: "anthropic", healthy: true}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, err := r.Get("anthropic")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("got provider %q", p.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("Get of unregistered provider should fail")
	}
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil); err == nil {
		t.Error("nil provider should be rejected")
	}
	if err := r.Register(&fakeProvider{name: ""}); err == nil {
		t.Error("empty name should be rejected")
	}

	if err := r.Register(&fakeProvider{name: "a"}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register(&fakeProvider{name: "a"}); err == nil {
		t.Error("duplicate name should be rejected")
	}
}

func TestRegistryListAndHealth(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&fakeProvider{name: "bedrock", healthy: false})
	_ = r.Register(&fakeProvider{name: "anthropic", healthy: true})

	list := r.List()
	if len(list) != 2 || list[0] != "anthropic" || list[1] != "bedrock" {
		t.Errorf("List = %v", list)
	}

	healthy := r.HealthyProviders()
	if len(healthy) != 1 || healthy[0] != "anthropic" {
		t.Errorf("HealthyProviders = %v", healthy)
	}

	if r.Count() != 2 {
		t.Errorf("Count = %d", r.Count())
	}
	if !r.Has("bedrock") || r.Has("missing") {
		t.Error("Has gave wrong answers")
	}
}
