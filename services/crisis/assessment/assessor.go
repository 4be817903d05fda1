// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assessment scores the severity of crisis messages.
//
// The Assessor runs keyword matching, sentiment analysis and context
// analysis concurrently over one message and combines them into a
// CrisisAssessment. The RiskScorer folds a session's history into a risk
// tier. Both are pure with respect to the message: no text is retained or
// logged.
package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"golang.org/x/sync/errgroup"
)

// DefaultTargetLatency is the per-message assessment budget.
const DefaultTargetLatency = 25 * time.Millisecond

// degradedSeverity is returned when analysis fails internally. It routes
// the session to a standard volunteer rather than dropping the message.
const degradedSeverity = 5

// AssessorConfig configures an Assessor.
type AssessorConfig struct {
	// Lexicon to score with. Nil loads the embedded default.
	Lexicon *Lexicon

	// TargetLatency is logged against, never enforced. Zero uses
	// DefaultTargetLatency.
	TargetLatency time.Duration
}

// Assessor computes CrisisAssessments.
//
// # Thread Safety
//
// Safe for concurrent use. The compiled lexicon is read-only.
type Assessor struct {
	lexicon *Lexicon
	target  time.Duration
	now     func() time.Time
}

// NewAssessor creates an Assessor.
//
// # Outputs
//
//   - *Assessor: Ready for use.
//   - error: Non-nil if the embedded lexicon fails to compile.
func NewAssessor(cfg AssessorConfig) (*Assessor, error) {
	lx := cfg.Lexicon
	if lx == nil {
		var err error
		if lx, err = DefaultLexicon(); err != nil {
			return nil, fmt.Errorf("failed to load default lexicon: %w", err)
		}
	}
	target := cfg.TargetLatency
	if target <= 0 {
		target = DefaultTargetLatency
	}
	return &Assessor{lexicon: lx, target: target, now: time.Now}, nil
}

// Assess scores one message.
//
// # Description
//
// Normalizes the text once, then runs keyword matching, sentiment and
// context analysis in parallel. Results are combined by the deterministic
// severity scorer. A panic inside any analysis yields a conservative
// degraded assessment (severity 5, low confidence) instead of an error, so
// the conversation always continues.
//
// # Inputs
//
//   - ctx: Carries the trace span. Cancellation is not observed since the
//     analyses are CPU bound and short.
//   - text: Raw message text. Empty input is valid.
//
// # Outputs
//
//   - datatypes.CrisisAssessment: Severity in [1, 10], confidence in
//     [0.1, 1], at least one recommended action.
//
// # Examples
//
//	a := assessor.Assess(ctx, "I'm feeling a bit anxious")
//	// a.Severity == 5
func (a *Assessor) Assess(ctx context.Context, text string) datatypes.CrisisAssessment {
	start := a.now()
	ctx, span := startAssessSpan(ctx, len(text))
	defer span.End()

	result, err := a.analyze(text)
	degraded := err != nil
	if degraded {
		slog.Error("Severity assessment failed, using degraded result", "error", err)
		result = degradedAssessment()
	}

	result.AssessedAt = start
	result.ProcessingTime = a.now().Sub(start)

	slow := result.ProcessingTime > a.target
	if slow {
		slog.Warn("Severity assessment exceeded latency target",
			"duration", result.ProcessingTime,
			"target", a.target)
	}

	setAssessSpanResult(span, result.Severity, result.ImmediateRisk, degraded)
	recordAssessMetrics(ctx, result.ProcessingTime, result.Severity, degraded, slow)
	return result
}

func (a *Assessor) analyze(text string) (datatypes.CrisisAssessment, error) {
	lx := a.lexicon
	folded := foldText(text)
	normalized := normalizeText(text)

	var (
		kw   keywordResult
		sent sentimentResult
		sig  datatypes.ContextSignals
	)

	var g errgroup.Group
	g.Go(guard("keywords", func() { kw = lx.matchKeywords(normalized) }))
	g.Go(guard("sentiment", func() { sent = lx.analyzeSentiment(normalized) }))
	g.Go(guard("context", func() { sig = lx.analyzeContext(text, folded, normalized) }))
	if err := g.Wait(); err != nil {
		return datatypes.CrisisAssessment{}, err
	}

	raw, immediate := scoreSeverity(severityInputs{
		keywordScore:   kw.score,
		emergencyCount: kw.emergencyCount,
		sentiment:      sent.score,
		context:        sig,
	})
	severity := roundSeverity(raw)

	tokens := len(strings.Fields(normalized))
	conf := confidence(kw.matches.Total()+sent.hits+countSignals(sig), tokens)

	return datatypes.CrisisAssessment{
		Severity:           severity,
		RawSeverity:        raw,
		RiskScore:          riskScore(raw, conf),
		Keywords:           kw.matches,
		KeywordScore:       kw.score,
		Sentiment:          sent.score,
		Confidence:         conf,
		ImmediateRisk:      immediate,
		RecommendedActions: recommendActions(severity, kw.matches, sig),
		Context:            sig,
	}, nil
}

// guard converts a panic in an analysis into an error.
func guard(name string, fn func()) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s analysis panicked: %v", name, r)
			}
		}()
		fn()
		return nil
	}
}

func countSignals(c datatypes.ContextSignals) int {
	n := c.CognitiveDistortions
	for _, b := range []bool{
		c.Immediacy, c.Planning, c.Finality, c.Isolation,
		c.RapidThoughts, c.Rumination, c.FutureOriented, c.SupportMentioned,
		c.PunctuationIntensity > 0,
	} {
		if b {
			n++
		}
	}
	return n
}

func degradedAssessment() datatypes.CrisisAssessment {
	return datatypes.CrisisAssessment{
		Severity:           degradedSeverity,
		RawSeverity:        degradedSeverity,
		RiskScore:          riskScore(degradedSeverity, 0.1),
		Confidence:         0.1,
		RecommendedActions: []string{ActionStandardVolunteer, ActionCheckIn},
	}
}
