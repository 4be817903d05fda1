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
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/assessment/lexicon"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML Types
// =============================================================================

// LexiconFile is the on-disk shape of a crisis lexicon.
type LexiconFile struct {
	Version   int              `yaml:"version"`
	Keywords  KeywordSection   `yaml:"keywords"`
	Sentiment SentimentSection `yaml:"sentiment"`
	Context   ContextSection   `yaml:"context"`
}

// KeywordCategory is a weighted phrase list.
type KeywordCategory struct {
	Weight  float64  `yaml:"weight"`
	Phrases []string `yaml:"phrases"`
}

// KeywordSection holds the five keyword categories.
type KeywordSection struct {
	Emergency KeywordCategory `yaml:"emergency"`
	HighRisk  KeywordCategory `yaml:"high_risk"`
	Moderate  KeywordCategory `yaml:"moderate"`
	Positive  KeywordCategory `yaml:"positive"`
	Coping    KeywordCategory `yaml:"coping"`
}

// WeightedPattern is a regex phrase pattern with a sentiment weight.
type WeightedPattern struct {
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
}

// SentimentSection configures lexicon sentiment scoring.
type SentimentSection struct {
	NormalizationAlpha float64            `yaml:"normalization_alpha"`
	NegationWindow     int                `yaml:"negation_window"`
	Words              map[string]float64 `yaml:"words"`
	Negations          []string           `yaml:"negations"`
	Modifiers          map[string]float64 `yaml:"modifiers"`
	Patterns           []WeightedPattern  `yaml:"patterns"`
}

// ContextSection lists context pattern regexes.
type ContextSection struct {
	Immediacy      []string          `yaml:"immediacy"`
	Planning       []string          `yaml:"planning"`
	Finality       []string          `yaml:"finality"`
	Isolation      []string          `yaml:"isolation"`
	FutureOriented []string          `yaml:"future_oriented"`
	Support        []string          `yaml:"support"`
	RapidThoughts  []string          `yaml:"rapid_thoughts"`
	Distortions    map[string]string `yaml:"distortions"`
	Stopwords      []string          `yaml:"stopwords"`
}

// =============================================================================
// Compiled Lexicon
// =============================================================================

// category indexes the keyword categories in a fixed order.
type category int

const (
	catEmergency category = iota
	catHighRisk
	catModerate
	catPositive
	catCoping
	numCategories
)

type compiledCategory struct {
	weight  float64
	phrases []string // normalized, longest first
}

// phraseEntry is one keyword phrase in the global match order.
type phraseEntry struct {
	cat    category
	phrase string
	words  int
}

type compiledPattern struct {
	re     *regexp.Regexp
	weight float64
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// Lexicon is a compiled, read-only crisis lexicon. Safe for concurrent use.
type Lexicon struct {
	categories [numCategories]compiledCategory
	// matchOrder lists every phrase across categories, most words first,
	// so longer phrases claim their text before shorter sub-phrases.
	matchOrder []phraseEntry

	sentimentWords   map[string]float64
	negations        map[string]struct{}
	modifiers        map[string]float64
	sentimentPattern []compiledPattern
	alpha            float64
	negationWindow   int

	immediacy     []*regexp.Regexp
	planning      []*regexp.Regexp
	finality      []*regexp.Regexp
	isolation     []*regexp.Regexp
	future        []*regexp.Regexp
	support       []*regexp.Regexp
	rapidThoughts []*regexp.Regexp
	distortions   []namedPattern
	stopwords     map[string]struct{}
}

// DefaultLexicon parses and compiles the embedded lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(lexicon.CrisisLexicon)
}

// LoadLexicon reads and compiles a lexicon from a YAML file.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	return ParseLexicon(data)
}

// ParseLexicon compiles YAML lexicon bytes.
//
// # Description
//
// Unmarshals the YAML, normalizes every phrase with the same normalizer
// used on incoming text, and compiles all regex patterns. Keyword weights
// must keep their sign (emergency/high/moderate non-negative,
// positive/coping non-positive) so severity stays monotonic.
//
// # Outputs
//
//   - *Lexicon: Ready for use.
//   - error: Non-nil on malformed YAML, bad regex or a weight with the
//     wrong sign.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var f LexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lexicon: %w", err)
	}

	lx := &Lexicon{
		sentimentWords: make(map[string]float64, len(f.Sentiment.Words)),
		negations:      make(map[string]struct{}, len(f.Sentiment.Negations)),
		modifiers:      make(map[string]float64, len(f.Sentiment.Modifiers)),
		stopwords:      make(map[string]struct{}, len(f.Context.Stopwords)),
		alpha:          f.Sentiment.NormalizationAlpha,
		negationWindow: f.Sentiment.NegationWindow,
	}
	if lx.alpha <= 0 {
		lx.alpha = 15
	}
	if lx.negationWindow <= 0 {
		lx.negationWindow = 3
	}

	cats := [numCategories]KeywordCategory{
		f.Keywords.Emergency, f.Keywords.HighRisk, f.Keywords.Moderate,
		f.Keywords.Positive, f.Keywords.Coping,
	}
	for i, c := range cats {
		if category(i) <= catModerate && c.Weight < 0 {
			return nil, fmt.Errorf("keyword category %d must have a non-negative weight", i)
		}
		if category(i) >= catPositive && c.Weight > 0 {
			return nil, fmt.Errorf("keyword category %d must have a non-positive weight", i)
		}
		lx.categories[i] = compileCategory(c)
	}
	if len(lx.categories[catEmergency].phrases) == 0 {
		return nil, fmt.Errorf("lexicon has no emergency phrases")
	}
	lx.matchOrder = buildMatchOrder(lx.categories)

	for w, v := range f.Sentiment.Words {
		lx.sentimentWords[normalizeText(w)] = v
	}
	for _, n := range f.Sentiment.Negations {
		lx.negations[normalizeText(n)] = struct{}{}
	}
	for m, v := range f.Sentiment.Modifiers {
		lx.modifiers[normalizeText(m)] = v
	}
	for _, s := range f.Context.Stopwords {
		lx.stopwords[normalizeText(s)] = struct{}{}
	}
	for _, p := range f.Sentiment.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile sentiment pattern %q: %w", p.Pattern, err)
		}
		lx.sentimentPattern = append(lx.sentimentPattern, compiledPattern{re: re, weight: p.Weight})
	}

	var err error
	groups := []struct {
		dst *[]*regexp.Regexp
		src []string
	}{
		{&lx.immediacy, f.Context.Immediacy},
		{&lx.planning, f.Context.Planning},
		{&lx.finality, f.Context.Finality},
		{&lx.isolation, f.Context.Isolation},
		{&lx.future, f.Context.FutureOriented},
		{&lx.support, f.Context.Support},
		{&lx.rapidThoughts, f.Context.RapidThoughts},
	}
	for _, g := range groups {
		if *g.dst, err = compileAll(g.src); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(f.Context.Distortions))
	for name := range f.Context.Distortions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		re, err := regexp.Compile(f.Context.Distortions[name])
		if err != nil {
			return nil, fmt.Errorf("failed to compile distortion %s: %w", name, err)
		}
		lx.distortions = append(lx.distortions, namedPattern{name: name, re: re})
	}

	return lx, nil
}

func compileCategory(c KeywordCategory) compiledCategory {
	seen := make(map[string]struct{}, len(c.Phrases))
	out := compiledCategory{weight: c.Weight}
	for _, p := range c.Phrases {
		n := normalizeText(p)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out.phrases = append(out.phrases, n)
	}
	sort.SliceStable(out.phrases, func(i, j int) bool {
		return len(out.phrases[i]) > len(out.phrases[j])
	})
	return out
}

func buildMatchOrder(cats [numCategories]compiledCategory) []phraseEntry {
	var order []phraseEntry
	for i, c := range cats {
		for _, p := range c.phrases {
			order = append(order, phraseEntry{cat: category(i), phrase: p, words: len(strings.Fields(p))})
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].words != order[j].words {
			return order[i].words > order[j].words
		}
		return len(order[i].phrase) > len(order[j].phrase)
	})
	return order
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile context pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// =============================================================================
// Normalization
// =============================================================================

var quoteFolder = strings.NewReplacer("’", "'", "‘", "'", "“", "\"", "”", "\"")

// foldText lowercases, trims and folds curly quotes. Punctuation is kept
// so context patterns can see it.
func foldText(s string) string {
	return strings.TrimSpace(quoteFolder.Replace(strings.ToLower(s)))
}

// normalizeText folds text and reduces it to single-space separated tokens
// of letters, digits and in-word apostrophes.
func normalizeText(s string) string {
	s = foldText(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		keep := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
		if keep {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
