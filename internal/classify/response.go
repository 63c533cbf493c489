// Copyright (c) 2026 John Earle
//
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

package classify

import (
	"strings"
	"unicode/utf8"
)

// Verdict is the outcome of classifying a contacted user's reply.
type Verdict string

const (
	VerdictOwner   Verdict = "owner"
	VerdictAgent   Verdict = "agent"
	VerdictPending Verdict = "pending"
)

// minReplyLength is the rune count below which a reply is treated as too
// short to classify.
const minReplyLength = 5

// ownerIndicators are phrases that confirm the author sells their own
// property. Bare first-person pronouns are deliberately excluded: a wrong
// owner verdict fabricates a lead, so ambiguous replies must resolve to
// pending instead.
var ownerIndicators = []string{
	"собственник",
	"собственница",
	"хозяин",
	"хозяйка",
	"прямая продажа",
	"без посредников",
	"без агентов",
}

// agentIndicators are phrases that identify an intermediary.
var agentIndicators = []string{
	"агент",
	"риелтор",
	"риэлтор",
	"посредник",
	"брокер",
	"сотрудник агентства",
	"помогу продать",
	"комисси", // stem: комиссия, комиссию, комиссией
}

// ownerDenials, combined with a negation token elsewhere in the reply,
// classify the author as not-the-owner.
var ownerDenials = []string{"не собственник", "не хозяин", "не хозяйка"}

// negationTokens cancel an owner indicator they immediately precede.
var negationTokens = map[string]bool{"не": true, "нет": true}

// clarifyingMarkers suggest the reply is a counter-question rather than
// an answer.
var clarifyingMarkers = []string{"что", "кто", "?"}

// ResponseClassifier resolves a reply to owner, agent, or pending.
type ResponseClassifier interface {
	Classify(reply string) Verdict
}

// RuleClassifier is the default ResponseClassifier: deterministic, ordered
// rule evaluation biased toward pending over a false owner verdict.
type RuleClassifier struct{}

// Classify applies the rules in order:
//
//  1. an owner indicator without an immediately preceding negation → owner
//  2. an agent indicator without an immediately preceding negation → agent
//  3. a negation combined with an owner denial → agent
//  4. very short reply or clarifying question → pending
//  5. default → pending
func (RuleClassifier) Classify(reply string) Verdict {
	lower := strings.ToLower(reply)

	for _, phrase := range ownerIndicators {
		if containsUnnegated(lower, phrase) {
			return VerdictOwner
		}
	}

	for _, phrase := range agentIndicators {
		if containsUnnegated(lower, phrase) {
			return VerdictAgent
		}
	}

	if strings.Contains(lower, "не ") || strings.Contains(lower, "нет ") {
		for _, denial := range ownerDenials {
			if strings.Contains(lower, denial) {
				return VerdictAgent
			}
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(reply)) < minReplyLength {
		return VerdictPending
	}
	for _, marker := range clarifyingMarkers {
		if strings.Contains(lower, marker) {
			return VerdictPending
		}
	}

	return VerdictPending
}

// containsUnnegated reports whether phrase occurs in text with the word
// immediately before it not being a negation token.
func containsUnnegated(text, phrase string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		idx += start

		if !negationPrecedes(text[:idx]) {
			return true
		}
		start = idx + len(phrase)
	}
}

// negationPrecedes reports whether the last word of prefix is a negation
// token.
func negationPrecedes(prefix string) bool {
	fields := strings.Fields(prefix)
	if len(fields) == 0 {
		return false
	}
	return negationTokens[fields[len(fields)-1]]
}
