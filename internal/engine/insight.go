package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/syntegra/insights-cli/internal/model"
)

// Synthesizer combines sentiment, KPI, trend, and anomaly signals into one
// per-client narrative insight with risk and opportunity classifications.
type Synthesizer struct {
	tuning InsightTuning
}

// NewSynthesizer returns a synthesizer with the given thresholds.
func NewSynthesizer(tuning InsightTuning) *Synthesizer {
	return &Synthesizer{tuning: tuning}
}

// SynthesisInputs carries everything the synthesizer reads for one client.
// KPIHistory maps metric name to its values newest-first.
type SynthesisInputs struct {
	ClientID    int64
	Texts       []model.TextAnalysis
	KPIHistory  map[string][]model.KPIRecord
	Trends      []model.TrendSignal
	Anomalies   []model.AnomalyRecord
	GeneratedAt time.Time
}

// kpiMovement is one metric's latest value against the mean of its earlier
// values.
type kpiMovement struct {
	name     string
	deltaPct float64
}

// Synthesize builds the client's insight. Findings are ordered: predominant
// sentiment first, then material KPI movements by magnitude, then emergent
// trends; the list is capped. Returns nil when no input category has data.
func (s *Synthesizer) Synthesize(in SynthesisInputs) *model.Insight {
	if len(in.Texts) == 0 && len(in.KPIHistory) == 0 && len(in.Trends) == 0 && len(in.Anomalies) == 0 {
		return nil
	}

	var findings []string
	var severities []int
	var strengths []int

	posShare, negShare, neuShare, dominant := sentimentShares(in.Texts)
	if dominant != "" {
		if share := dominantShare(dominant, posShare, negShare, neuShare); share > s.tuning.SentimentMajorityPct {
			findings = append(findings, fmt.Sprintf("predominant sentiment is %s (%.1f%% of %d records)", dominant, share, len(in.Texts)))
		}
	}
	if negShare > 50 {
		if negShare > 70 {
			severities = append(severities, 3)
		} else {
			severities = append(severities, 2)
		}
	}
	if posShare > 60 {
		if posShare > 80 {
			strengths = append(strengths, 3)
		} else {
			strengths = append(strengths, 2)
		}
	}

	movements := s.materialMovements(in.KPIHistory)
	for _, m := range movements {
		direction := "up"
		if m.deltaPct < 0 {
			direction = "down"
		}
		findings = append(findings, fmt.Sprintf("%s is %s %.1f%% versus its recent average", m.name, direction, math.Abs(m.deltaPct)))

		switch {
		case m.deltaPct < -50:
			severities = append(severities, 3)
		case m.deltaPct < 0:
			severities = append(severities, 2)
		case m.deltaPct > 50:
			strengths = append(strengths, 3)
		default:
			strengths = append(strengths, 2)
		}
	}

	for _, trend := range in.Trends {
		if trend.Status != model.TrendEmergent {
			continue
		}
		findings = append(findings, fmt.Sprintf("emergent trend %q with frequency %d", trend.Term, trend.Frequency))
		if trend.Frequency > 5 {
			strengths = append(strengths, 3)
		} else {
			strengths = append(strengths, 2)
		}
	}

	// Anomalies raise risk but carry no finding of their own; each is already
	// logged individually.
	for _, a := range in.Anomalies {
		switch {
		case a.Severity.AtLeast(model.SeverityHigh):
			severities = append(severities, 3)
		case a.Severity == model.SeverityMedium:
			severities = append(severities, 2)
		default:
			severities = append(severities, 1)
		}
	}

	if len(findings) > s.tuning.MaxFindings {
		findings = findings[:s.tuning.MaxFindings]
	}

	risk := classifyRisk(severities)
	opportunity := classifyOpportunity(strengths)

	return &model.Insight{
		ClientID:         in.ClientID,
		SummaryText:      buildSummary(in, findings, risk, opportunity),
		KeyFindings:      findings,
		RiskLevel:        risk,
		OpportunityLevel: opportunity,
		Metrics: map[string]any{
			"text_count":        len(in.Texts),
			"kpi_count":         len(in.KPIHistory),
			"trend_count":       len(in.Trends),
			"anomaly_count":     len(in.Anomalies),
			"risk_score":        average(severities),
			"opportunity_score": average(strengths),
		},
		GeneratedAt: in.GeneratedAt,
	}
}

// materialMovements computes per-metric deltas of the latest value against
// the mean of the earlier values and keeps those beyond the materiality
// threshold, ordered by magnitude then name.
func (s *Synthesizer) materialMovements(history map[string][]model.KPIRecord) []kpiMovement {
	var movements []kpiMovement
	for name, records := range history {
		if len(records) < 2 {
			continue
		}
		latest := records[0].KPIValue
		prior := 0.0
		for _, rec := range records[1:] {
			prior += rec.KPIValue
		}
		prior /= float64(len(records) - 1)
		if prior == 0 {
			continue
		}
		delta := round2((latest - prior) / math.Abs(prior) * 100)
		if math.Abs(delta) < s.tuning.MaterialityPct {
			continue
		}
		movements = append(movements, kpiMovement{name: name, deltaPct: delta})
	}

	sort.Slice(movements, func(i, j int) bool {
		if a, b := math.Abs(movements[i].deltaPct), math.Abs(movements[j].deltaPct); a != b {
			return a > b
		}
		return movements[i].name < movements[j].name
	})
	return movements
}

// sentimentShares returns the positive, negative, and neutral percentages and
// the label with the most records; empty input yields no dominant label.
// Labels outside the three known ones count toward the total only.
func sentimentShares(texts []model.TextAnalysis) (pos, neg, neu float64, dominant string) {
	if len(texts) == 0 {
		return 0, 0, 0, ""
	}
	counts := map[string]int{}
	for _, t := range texts {
		counts[strings.ToLower(t.Sentiment)]++
	}
	total := float64(len(texts))
	pos = round2(float64(counts["positive"]) / total * 100)
	neg = round2(float64(counts["negative"]) / total * 100)
	neu = round2(float64(counts["neutral"]) / total * 100)

	best := 0
	for _, label := range []string{"positive", "negative", "neutral"} {
		if counts[label] > best {
			best = counts[label]
			dominant = label
		}
	}
	return pos, neg, neu, dominant
}

func dominantShare(dominant string, pos, neg, neu float64) float64 {
	switch dominant {
	case "positive":
		return pos
	case "negative":
		return neg
	default:
		return neu
	}
}

func classifyRisk(severities []int) model.RiskLevel {
	avg := average(severities)
	switch {
	case avg >= 3:
		return model.RiskCritical
	case avg >= 2.5:
		return model.RiskHigh
	case avg >= 1.5:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func classifyOpportunity(strengths []int) model.OpportunityLevel {
	avg := average(strengths)
	switch {
	case avg >= 3:
		return model.OpportunityHigh
	case avg >= 2:
		return model.OpportunityMedium
	default:
		return model.OpportunityLow
	}
}

func average(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func buildSummary(in SynthesisInputs, findings []string, risk model.RiskLevel, opportunity model.OpportunityLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Period review across %d text records and %d tracked metrics.", len(in.Texts), len(in.KPIHistory))
	if len(findings) > 0 {
		fmt.Fprintf(&b, " Highlights: %s.", strings.Join(findings, "; "))
	} else {
		b.WriteString(" No material movements detected.")
	}
	fmt.Fprintf(&b, " Risk level %s, opportunity level %s.", risk, opportunity)
	return b.String()
}
