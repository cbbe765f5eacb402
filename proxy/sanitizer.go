// Copyright 2025 Moltbook
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

package proxy

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// SanitizeMarker replaces every matched substring. The marker itself
// matches none of the patterns, which makes sanitization idempotent.
const SanitizeMarker = "[SANITIZED: injection pattern detected]"

// Injection pattern categories. The catalog is fixed at compile time;
// matching is order-independent and the result is the set of categories
// that fired.
const (
	PatternSystemPromptOverride = "system_prompt_override"
	PatternRoleInjection        = "role_injection"
	PatternInstructionInjection = "instruction_injection"
	PatternDataExfiltration     = "data_exfiltration"
	PatternEncodingEvasion      = "encoding_evasion"
)

// SanitizeResult reports what the scanner found. Sanitized is true iff
// Patterns is non-empty; when false, Content equals the input.
type SanitizeResult struct {
	Content   string   `json:"content"`
	Sanitized bool     `json:"sanitized"`
	Patterns  []string `json:"patterns"`
}

// injectionPattern pairs a category with one matching rule.
type injectionPattern struct {
	Category string
	Pattern  *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	// Direct attempts to override the system prompt
	{PatternSystemPromptOverride, regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directions?)`)},
	{PatternSystemPromptOverride, regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`)},
	{PatternSystemPromptOverride, regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|rules?|context)`)},
	{PatternSystemPromptOverride, regexp.MustCompile(`(?i)override\s+(the\s+)?(system|original)\s+prompt`)},

	// Role manipulation
	{PatternRoleInjection, regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`)},
	{PatternRoleInjection, regexp.MustCompile(`(?i)act\s+as\s+(a\s+|an\s+|the\s+)?(root|admin|administrator|system|developer|jailbroken)`)},
	{PatternRoleInjection, regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`)},
	{PatternRoleInjection, regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:`)},

	// Inline instruction blocks aimed at the model
	{PatternInstructionInjection, regexp.MustCompile(`(?i)new\s+instructions?\s*:`)},
	{PatternInstructionInjection, regexp.MustCompile(`(?i)\[\s*INST\s*\]`)},
	{PatternInstructionInjection, regexp.MustCompile(`<<\s*SYS\s*>>`)},
	{PatternInstructionInjection, regexp.MustCompile(`<\|im_start\|>`)},
	{PatternInstructionInjection, regexp.MustCompile(`(?i)do\s+not\s+(follow|obey)\s+(the\s+)?(previous|original)`)},

	// Attempts to pull the prompt or secrets out of the model
	{PatternDataExfiltration, regexp.MustCompile(`(?i)(reveal|expose|show|print|output|repeat)\s+(your\s+|the\s+)?(system|initial|original|hidden)\s+(prompt|instructions?)`)},
	{PatternDataExfiltration, regexp.MustCompile(`(?i)send\s+(all\s+)?(your\s+|the\s+)?(data|credentials?|secrets?|keys?|tokens?)\s+to\s+`)},
	{PatternDataExfiltration, regexp.MustCompile(`(?i)exfiltrat(e|ion)`)},
	{PatternDataExfiltration, regexp.MustCompile(`(?i)what\s+(is|are)\s+(your\s+|the\s+)?(system\s+prompt|initial\s+instructions?)`)},
}

// encodedPhrases is the short fixed list of injection phrases whose literal
// base64 encodings the encoding_evasion category matches.
var encodedPhrases = []string{
	"ignore all previous instructions",
	"ignore previous instructions",
	"disregard previous instructions",
	"you are now",
	"system prompt",
}

var encodedPayloads = buildEncodedPayloads()

func buildEncodedPayloads() []string {
	payloads := make([]string, 0, len(encodedPhrases))
	for _, phrase := range encodedPhrases {
		payloads = append(payloads, base64.StdEncoding.EncodeToString([]byte(phrase)))
	}
	return payloads
}

// Sanitize scans content for the injection catalog. Every match is replaced
// with SanitizeMarker and its category recorded. The Patterns set is
// deduplicated.
func Sanitize(content string) SanitizeResult {
	matched := make(map[string]bool)

	for _, p := range injectionPatterns {
		if !p.Pattern.MatchString(content) {
			continue
		}
		content = p.Pattern.ReplaceAllString(content, SanitizeMarker)
		matched[p.Category] = true
	}

	for _, payload := range encodedPayloads {
		if !strings.Contains(content, payload) {
			continue
		}
		content = strings.ReplaceAll(content, payload, SanitizeMarker)
		matched[PatternEncodingEvasion] = true
	}

	patterns := make([]string, 0, len(matched))
	for _, category := range []string{
		PatternSystemPromptOverride,
		PatternRoleInjection,
		PatternInstructionInjection,
		PatternDataExfiltration,
		PatternEncodingEvasion,
	} {
		if matched[category] {
			patterns = append(patterns, category)
		}
	}

	return SanitizeResult{
		Content:   content,
		Sanitized: len(patterns) > 0,
		Patterns:  patterns,
	}
}
