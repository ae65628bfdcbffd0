package engine

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/syntegra/insights-cli/internal/model"
)

// TrendEngine counts normalized keyword frequencies across a sector's text
// records and classifies them by trajectory.
type TrendEngine struct {
	tuning TrendTuning
}

// NewTrendEngine returns a trend detector with the given thresholds.
func NewTrendEngine(tuning TrendTuning) *TrendEngine {
	return &TrendEngine{tuning: tuning}
}

// Compute counts keyword occurrences over the window's analyses and emits a
// signal per term at or above the stable threshold. Terms at or above the
// emergent threshold are emergent, the rest stable; quieter terms are not
// reported. Zero analyses yield no signals. Signals are ordered by frequency
// descending, then term.
func (e *TrendEngine) Compute(sector string, analyses []model.TextAnalysis, w model.Window) []model.TrendSignal {
	if len(analyses) == 0 {
		return nil
	}

	frequencies := make(map[string]int)
	for _, ta := range analyses {
		seen := make(map[string]bool, len(ta.Keywords))
		for _, kw := range ta.Keywords {
			term := NormalizeTerm(kw)
			if term == "" || seen[term] {
				continue
			}
			seen[term] = true
			frequencies[term]++
		}
	}

	total := float64(len(analyses))
	var signals []model.TrendSignal
	for term, freq := range frequencies {
		if freq < e.tuning.StableMinFreq {
			continue
		}
		status := model.TrendStable
		if freq >= e.tuning.EmergentMinFreq {
			status = model.TrendEmergent
		}
		delta := round2(float64(freq) / total * 100)
		signals = append(signals, model.TrendSignal{
			Sector:      sector,
			Term:        term,
			PeriodStart: w.Start,
			PeriodEnd:   w.End,
			Frequency:   freq,
			DeltaPct:    &delta,
			Status:      status,
			Metadata: map[string]any{
				"total_texts": len(analyses),
			},
		})
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Frequency != signals[j].Frequency {
			return signals[i].Frequency > signals[j].Frequency
		}
		return signals[i].Term < signals[j].Term
	})
	return signals
}

// NormalizeTerm canonicalizes a keyword for counting: Unicode NFKC form,
// lower case, surrounding whitespace stripped. Producers disagree on
// composition and casing, so "Café" and "café" must count as one term.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(term)))
}
