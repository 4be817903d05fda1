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
	"regexp"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

var (
	repeatedPunct = regexp.MustCompile(`[!?]{2,}`)
	segmentSplit  = regexp.MustCompile(`[.!?,;]+`)
)

const (
	// ruminationRepeats is how often one content word must recur.
	ruminationRepeats = 3
	// rapidSegments and rapidWordsPerSegment define a burst of short
	// fragments read as racing thoughts.
	rapidSegments        = 5
	rapidWordsPerSegment = 4.0
	capsMinLetters       = 8
	capsRatioThreshold   = 0.6
)

// analyzeContext extracts contextual signals.
//
// # Inputs
//
//   - raw: Original text, for capitalization.
//   - folded: Lowercased text with punctuation, for regex patterns.
//   - normalized: Token text, for rumination.
func (lx *Lexicon) analyzeContext(raw, folded, normalized string) datatypes.ContextSignals {
	var sig datatypes.ContextSignals
	if folded == "" {
		return sig
	}

	sig.PunctuationIntensity = punctuationIntensity(raw)
	sig.Immediacy = matchAny(lx.immediacy, folded)
	sig.Planning = matchAny(lx.planning, folded)
	sig.Finality = matchAny(lx.finality, folded)
	sig.Isolation = matchAny(lx.isolation, folded)
	sig.FutureOriented = matchAny(lx.future, folded)
	sig.SupportMentioned = matchAny(lx.support, folded)

	for _, d := range lx.distortions {
		if d.re.MatchString(folded) {
			sig.CognitiveDistortions++
		}
	}

	sig.RapidThoughts = matchAny(lx.rapidThoughts, folded) || fragmentBurst(folded)
	sig.Rumination = lx.ruminates(normalized)
	return sig
}

// punctuationIntensity is 0..1 from repeated ?/! runs, exclamation count
// and shouting.
func punctuationIntensity(raw string) float64 {
	runs := len(repeatedPunct.FindAllStringIndex(raw, -1))
	exclaims := strings.Count(raw, "!")

	letters, upper := 0, 0
	for _, r := range raw {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}

	v := 0.25*float64(runs) + 0.1*float64(exclaims)
	if letters >= capsMinLetters && float64(upper)/float64(letters) > capsRatioThreshold {
		v += 0.5
	}
	return math.Min(1, v)
}

func fragmentBurst(folded string) bool {
	var segments, words int
	for _, seg := range segmentSplit.Split(folded, -1) {
		n := len(strings.Fields(seg))
		if n == 0 {
			continue
		}
		segments++
		words += n
	}
	return segments >= rapidSegments && float64(words)/float64(segments) <= rapidWordsPerSegment
}

func (lx *Lexicon) ruminates(normalized string) bool {
	counts := make(map[string]int)
	for _, tok := range strings.Fields(normalized) {
		if len(tok) < 4 {
			continue
		}
		if _, stop := lx.stopwords[tok]; stop {
			continue
		}
		counts[tok]++
		if counts[tok] >= ruminationRepeats {
			return true
		}
	}
	return false
}
