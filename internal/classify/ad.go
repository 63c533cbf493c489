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

// Package classify contains the deterministic text classifiers used by the
// pipeline: the ad filter that decides whether a channel post is a
// qualifying property advertisement, and the response classifier that
// resolves a contacted user's reply to owner, agent, or pending.
// Both are pure functions over text and carry no I/O, so they can be
// swapped or unit-tested independently of the orchestrator.
package classify

import (
	"regexp"
	"strings"
)

// DefaultKeywords is the fallback keyword set applied when a channel has
// no keyword override configured.
var DefaultKeywords = []string{"продажа", "квартира", "цена", "м2", "собственник"}

// priceOrArea matches a numeric value followed by a currency or area token,
// e.g. "5 млн", "45 м2", "3000000 руб".
// No trailing \b: RE2 word boundaries are ASCII-only, so they never fire
// after a Cyrillic unit token.
var priceOrArea = regexp.MustCompile(`\d{2,7}\s*(₽|руб|млн|тыс|k|m|м2|м²)`)

// ownerPhrases are direct-sale markers that qualify a post even without a
// recognisable price or area figure.
var ownerPhrases = []string{"собственник", "продавец", "без комиссии", "без посредников", "без агентов"}

// AdFilter decides whether channel text is a qualifying advertisement.
type AdFilter interface {
	IsQualifyingAd(text string, keywords []string) bool
}

// KeywordAdFilter is the default AdFilter: at least one keyword hit plus
// either a price/area figure or an explicit direct-sale phrase.
type KeywordAdFilter struct{}

// IsQualifyingAd reports whether text looks like a property-sale ad.
// An empty keyword slice falls back to DefaultKeywords.
func (KeywordAdFilter) IsQualifyingAd(text string, keywords []string) bool {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}

	lower := strings.ToLower(text)

	hit := false
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}

	if priceOrArea.MatchString(lower) {
		return true
	}

	for _, phrase := range ownerPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	return false
}
