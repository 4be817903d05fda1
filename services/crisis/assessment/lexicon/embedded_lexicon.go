// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lexicon embeds the default crisis lexicon into the binary.
package lexicon

import (
	_ "embed"
)

// CrisisLexicon holds the raw bytes of crisis_lexicon.yaml.
//
// Usage:
//
//	var f assessment.LexiconFile
//	err := yaml.Unmarshal(lexicon.CrisisLexicon, &f)
//
//go:embed crisis_lexicon.yaml
var CrisisLexicon []byte
