package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/syntegra/insights-cli/internal/record"
)

// KPIEngine aggregates canonical records into named metrics for one client
// and window.
type KPIEngine struct{}

// NewKPIEngine returns a KPI aggregator.
func NewKPIEngine() *KPIEngine {
	return &KPIEngine{}
}

// Compute derives the metric set from the window's records, using the
// previous window for month-over-month comparison. A metric whose inputs are
// absent is omitted rather than emitted as zero; an empty record set yields
// an empty map.
func (e *KPIEngine) Compute(current, previous []record.Canonical) map[string]float64 {
	kpis := make(map[string]float64)
	if len(current) == 0 {
		return kpis
	}

	kpis["total_records"] = float64(len(current))

	byKind := make(map[record.SourceKind]int)
	for _, rec := range current {
		byKind[rec.Kind]++
	}
	for kind, count := range byKind {
		kpis[fmt.Sprintf("count_%s", kind)] = float64(count)
	}

	amounts := collectAmounts(current)
	if len(amounts) > 0 {
		total := 0.0
		maxAmount := amounts[0]
		minAmount := amounts[0]
		for _, a := range amounts {
			total += a
			maxAmount = math.Max(maxAmount, a)
			minAmount = math.Min(minAmount, a)
		}
		kpis["total_sales"] = round2(total)
		kpis["avg_ticket"] = round2(total / float64(len(amounts)))
		kpis["max_transaction"] = round2(maxAmount)
		kpis["min_transaction"] = round2(minAmount)

		if prevAmounts := collectAmounts(previous); len(prevAmounts) > 0 {
			prevTotal := 0.0
			for _, a := range prevAmounts {
				prevTotal += a
			}
			// MoM is undefined against a zero base.
			if prevTotal != 0 {
				kpis["sales_mom"] = round2((total - prevTotal) / prevTotal * 100)
			}
		}
	}

	if share, ok := topItemsShare(current, 3); ok {
		kpis["items_top3_share"] = round2(share)
	}

	return kpis
}

func collectAmounts(records []record.Canonical) []float64 {
	var amounts []float64
	for _, rec := range records {
		if a, ok := rec.Amount(); ok {
			amounts = append(amounts, a)
		}
	}
	return amounts
}

// topItemsShare returns the percentage of item-bearing records whose item is
// among the n most frequent, false when no record carries an item.
func topItemsShare(records []record.Canonical, n int) (float64, bool) {
	counts := make(map[string]int)
	total := 0
	for _, rec := range records {
		if item, ok := rec.Item(); ok {
			counts[item]++
			total++
		}
	}
	if total == 0 {
		return 0, false
	}

	items := make([]string, 0, len(counts))
	for item := range counts {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if counts[items[i]] != counts[items[j]] {
			return counts[items[i]] > counts[items[j]]
		}
		return items[i] < items[j]
	})

	if n > len(items) {
		n = len(items)
	}
	top := 0
	for _, item := range items[:n] {
		top += counts[item]
	}
	return float64(top) / float64(total) * 100, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
