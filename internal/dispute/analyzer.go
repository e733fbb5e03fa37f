package dispute

import (
	"context"
	"strings"
)

// Verdict is the output of evidence analysis.
type Verdict struct {
	Conclusive bool
	// InFavorOf is the user the evidence supports, when conclusive.
	InFavorOf string
	Rationale string
}

// Analyzer decides whether a dispute's evidence supports an automatic
// resolution. Implementations see the whole dispute but must only weigh
// verified evidence.
type Analyzer interface {
	Analyze(ctx context.Context, d *Dispute) Verdict
}

// KeywordAnalyzer is the default policy: a dispute resolves in the
// reporter's favor when at least two verified evidence items describe
// the claimed problem in recognizable terms. It is a placeholder-grade
// heuristic, kept behind the Analyzer interface so a real model or
// review queue can replace it without touching the workflow.
type KeywordAnalyzer struct {
	keywords []string
}

func NewKeywordAnalyzer() *KeywordAnalyzer {
	return &KeywordAnalyzer{
		keywords: []string{
			"damaged", "broken", "torn", "water", "stain",
			"late", "overdue", "never returned", "not returned", "missing",
			"never received", "wrong item", "unauthorized", "chargeback",
		},
	}
}

const analyzerMinMatches = 2

func (a *KeywordAnalyzer) Analyze(ctx context.Context, d *Dispute) Verdict {
	matches := 0
	for _, e := range d.Evidence {
		if !e.Verified {
			continue
		}
		text := strings.ToLower(e.Description)
		for _, kw := range a.keywords {
			if strings.Contains(text, kw) {
				matches++
				break
			}
		}
	}
	if matches >= analyzerMinMatches {
		return Verdict{
			Conclusive: true,
			InFavorOf:  d.ReporterID,
			Rationale:  "verified evidence corroborates the reported claim",
		}
	}
	return Verdict{Rationale: "verified evidence inconclusive"}
}
