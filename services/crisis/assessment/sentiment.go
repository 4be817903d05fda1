// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assessment

import (
	"math"
	"strings"
)

type sentimentResult struct {
	score float64 // -1..1
	raw   float64
	hits  int
}

// analyzeSentiment scores normalized text in -1..1.
//
// Each lexicon word contributes its weight, scaled by a preceding one- or
// two-word intensity modifier and sign-flipped when a negation appears in
// the preceding window. Regex phrase patterns add their weight per match.
// The raw sum saturates through raw/sqrt(raw^2 + alpha).
func (lx *Lexicon) analyzeSentiment(normalized string) sentimentResult {
	var res sentimentResult
	if normalized == "" {
		return res
	}

	tokens := strings.Fields(normalized)
	for i, tok := range tokens {
		w, ok := lx.sentimentWords[tok]
		if !ok {
			continue
		}
		res.hits++
		w *= lx.modifierBefore(tokens, i)
		if lx.negatedAt(tokens, i) {
			w = -w
		}
		res.raw += w
	}

	for _, p := range lx.sentimentPattern {
		if n := len(p.re.FindAllStringIndex(normalized, -1)); n > 0 {
			res.raw += p.weight * float64(n)
			res.hits += n
		}
	}

	res.score = saturate(res.raw, lx.alpha)
	return res
}

// modifierBefore returns the intensity multiplier for tokens[i]. Two-word
// modifiers ("a bit") win over single words.
func (lx *Lexicon) modifierBefore(tokens []string, i int) float64 {
	if i >= 2 {
		if m, ok := lx.modifiers[tokens[i-2]+" "+tokens[i-1]]; ok {
			return m
		}
	}
	if i >= 1 {
		if m, ok := lx.modifiers[tokens[i-1]]; ok {
			return m
		}
	}
	return 1
}

func (lx *Lexicon) negatedAt(tokens []string, i int) bool {
	start := i - lx.negationWindow
	if start < 0 {
		start = 0
	}
	for j := start; j < i; j++ {
		if _, ok := lx.negations[tokens[j]]; ok {
			return true
		}
	}
	return false
}

func saturate(raw, alpha float64) float64 {
	if raw == 0 {
		return 0
	}
	return raw / math.Sqrt(raw*raw+alpha)
}
