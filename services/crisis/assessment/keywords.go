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
	"strings"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// maskToken replaces matched phrases so shorter sub-phrases cannot match
// the same text again. Normalized text never contains it.
const maskToken = " # "

type keywordResult struct {
	matches        datatypes.KeywordMatches
	score          float64
	emergencyCount int
}

// matchKeywords finds distinct lexicon phrases in normalized text.
//
// Phrases match on word boundaries. Longer phrases are matched first and
// mask their text, so "better off dead" is not also counted as "better".
// Each distinct phrase contributes its category weight once.
func (lx *Lexicon) matchKeywords(normalized string) keywordResult {
	var res keywordResult
	if normalized == "" {
		return res
	}

	padded := " " + normalized + " "
	for _, entry := range lx.matchOrder {
		needle := " " + entry.phrase + " "
		if !strings.Contains(padded, needle) {
			continue
		}
		for strings.Contains(padded, needle) {
			padded = strings.ReplaceAll(padded, needle, maskToken)
		}

		res.score += lx.categories[entry.cat].weight
		switch entry.cat {
		case catEmergency:
			res.matches.Emergency = append(res.matches.Emergency, entry.phrase)
			res.emergencyCount++
		case catHighRisk:
			res.matches.HighRisk = append(res.matches.HighRisk, entry.phrase)
		case catModerate:
			res.matches.Moderate = append(res.matches.Moderate, entry.phrase)
		case catPositive:
			res.matches.Positive = append(res.matches.Positive, entry.phrase)
		case catCoping:
			res.matches.Coping = append(res.matches.Coping, entry.phrase)
		}
	}
	return res
}
