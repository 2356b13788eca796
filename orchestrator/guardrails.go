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
	"regexp"
	"strings"
)

// GuardrailVerdict is the outcome of one post-run content check.
// A nil verdict or Tripped=false means the output passed.
type GuardrailVerdict struct {
	Tripped bool   `json:"tripped"`
	Reason  string `json:"reason,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Guardrail is a post-hoc content check applied to an agent's final
// output. Guardrails are pure functions of the output and the request
// context; they hold no mutable state and are safe for concurrent use.
type Guardrail interface {
	// Name identifies the guardrail in config, logs, and trip errors.
	Name() string

	// Guidance is the corrective instruction appended to the retry
	// payload when this guardrail trips.
	Guidance() string

	// Evaluate checks the output and returns a verdict.
	Evaluate(output string, mctx *ModelContext) GuardrailVerdict
}

// Corrective guidance messages, kept aligned with the production prompt set.
const (
	VideoReferenceGuidance  = "Video guidance: The recommendation failed. Remove any video references or actions before responding."
	DuplicateLinkGuidance   = "Hyperlink guidance: Remove hyperlinks already provided via the video recommendation component."
	KitRegistrationGuidance = "Digbi users do not need to register kits; please correct the guidance."
)

// Scratch keys guardrails read from the request context.
const (
	scratchKeyVideoActionOK  = "video_action_available"
	scratchKeyRecommendedURL = "recommended_urls"
)

var videoKeywordPattern = regexp.MustCompile(`(?i)video`)

// videoReferenceGuardrail trips when the answer references a video even
// though no video recommendation action is available for this request.
type videoReferenceGuardrail struct{}

// NewVideoReferenceGuardrail builds the referenced-video-does-not-exist check
func NewVideoReferenceGuardrail() Guardrail {
	return videoReferenceGuardrail{}
}

func (videoReferenceGuardrail) Name() string     { return "referenced_video_does_not_exist" }
func (videoReferenceGuardrail) Guidance() string { return VideoReferenceGuidance }

func (videoReferenceGuardrail) Evaluate(output string, mctx *ModelContext) GuardrailVerdict {
	if output == "" {
		return GuardrailVerdict{}
	}
	if available, _ := mctx.Data[scratchKeyVideoActionOK].(bool); available {
		return GuardrailVerdict{}
	}

	loc := videoKeywordPattern.FindStringIndex(output)
	if loc == nil {
		return GuardrailVerdict{}
	}

	return GuardrailVerdict{
		Tripped: true,
		Reason:  "video_reference_without_recommendation",
		Excerpt: excerptAround(output, loc[0]),
	}
}

// duplicateLinkGuardrail trips when the answer repeats a hyperlink already
// surfaced through the recommendation component.
type duplicateLinkGuardrail struct{}

// NewDuplicateLinkGuardrail builds the no-duplicate-links check
func NewDuplicateLinkGuardrail() Guardrail {
	return duplicateLinkGuardrail{}
}

func (duplicateLinkGuardrail) Name() string     { return "no_duplicate_links" }
func (duplicateLinkGuardrail) Guidance() string { return DuplicateLinkGuidance }

func (duplicateLinkGuardrail) Evaluate(output string, mctx *ModelContext) GuardrailVerdict {
	if output == "" {
		return GuardrailVerdict{}
	}
	urls, _ := mctx.Data[scratchKeyRecommendedURL].([]string)
	if len(urls) == 0 {
		return GuardrailVerdict{}
	}

	outputLower := strings.ToLower(output)
	for _, url := range urls {
		urlLower := strings.ToLower(strings.TrimSpace(url))
		if urlLower == "" {
			continue
		}

		if strings.Contains(outputLower, urlLower) {
			return GuardrailVerdict{Tripped: true, Reason: "duplicate_link", Excerpt: url}
		}

		// Also match with the scheme stripped; models often drop it.
		if idx := strings.Index(urlLower, "://"); idx >= 0 {
			stripped := urlLower[idx+3:]
			if stripped != "" && strings.Contains(outputLower, stripped) {
				return GuardrailVerdict{Tripped: true, Reason: "duplicate_link", Excerpt: url}
			}
		}
	}

	return GuardrailVerdict{}
}

var kitRegistrationPattern = regexp.MustCompile(`(?i)register(ing)?\s+(your|the|a)\s+kit`)

// kitRegistrationGuardrail trips when a support answer instructs the user
// to register a kit. Digbi kits are pre-registered; that guidance is
// always wrong.
type kitRegistrationGuardrail struct{}

// NewKitRegistrationGuardrail builds the no-kit-registration check
func NewKitRegistrationGuardrail() Guardrail {
	return kitRegistrationGuardrail{}
}

func (kitRegistrationGuardrail) Name() string     { return "support_no_kit_registration" }
func (kitRegistrationGuardrail) Guidance() string { return KitRegistrationGuidance }

func (kitRegistrationGuardrail) Evaluate(output string, mctx *ModelContext) GuardrailVerdict {
	loc := kitRegistrationPattern.FindStringIndex(output)
	if loc == nil {
		return GuardrailVerdict{}
	}

	return GuardrailVerdict{
		Tripped: true,
		Reason:  "kit_registration_instruction",
		Excerpt: excerptAround(output, loc[0]),
	}
}

// GuardrailSet is the immutable name -> guardrail mapping built once at
// process startup and passed explicitly into the runtime. Agent configs
// reference guardrails by name.
type GuardrailSet map[string]Guardrail

// NewGuardrailSet registers the built-in guardrails
func NewGuardrailSet() GuardrailSet {
	set := make(GuardrailSet)
	for _, g := range []Guardrail{
		NewVideoReferenceGuardrail(),
		NewDuplicateLinkGuardrail(),
		NewKitRegistrationGuardrail(),
	} {
		set[g.Name()] = g
	}
	return set
}

// excerptWindow bounds how much offending context a trip carries.
const excerptWindow = 60

func excerptAround(text string, pos int) string {
	start := pos - excerptWindow/2
	if start < 0 {
		start = 0
	}
	end := start + excerptWindow
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
