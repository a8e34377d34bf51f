package retrieval

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Candidate is one retrieval hit flowing through the fusion stage.
// ItemID is globally unique across scopes ("report:5", "doc:intro");
// DocID is the numeric id within the item's own table.
type Candidate struct {
	ItemID  string
	DocID   int64
	Title   string
	Content string

	BM25     float64
	HasBM25  bool
	Dense    float64
	HasDense bool

	GraphMatch bool
	Fused      float64
}

// ReportItemID builds the canonical item id for a report row.
func ReportItemID(id int64) string {
	return fmt.Sprintf("report:%d", id)
}

// ReportIDFromItem parses a report item id; ok is false for any other
// item kind.
func ReportIDFromItem(itemID string) (int64, bool) {
	raw, found := strings.CutPrefix(itemID, "report:")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

// Fuse merges lexical and dense candidate lists into one ranking:
// min-max normalize each signal within the merged set, combine with the
// fixed weights, deduplicate by item id keeping the stronger signals,
// and sort by fused score. Ties break on graph-match presence, then on
// lower id. The result is fully deterministic for a fixed input.
func Fuse(lexical, dense []Candidate, lexWeight, denseWeight float64, k int) []Candidate {
	merged := make(map[string]*Candidate, len(lexical)+len(dense))
	for _, c := range lexical {
		cc := c
		merged[c.ItemID] = &cc
	}
	for _, c := range dense {
		if existing, ok := merged[c.ItemID]; ok {
			existing.Dense = c.Dense
			existing.HasDense = true
			continue
		}
		cc := c
		merged[c.ItemID] = &cc
	}
	if len(merged) == 0 {
		return nil
	}

	bmLo, bmHi := signalRange(merged, func(c *Candidate) (float64, bool) { return c.BM25, c.HasBM25 })
	dnLo, dnHi := signalRange(merged, func(c *Candidate) (float64, bool) { return c.Dense, c.HasDense })

	results := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		var fused float64
		if c.HasBM25 {
			fused += lexWeight * normalize(c.BM25, bmLo, bmHi)
		}
		if c.HasDense {
			fused += denseWeight * normalize(c.Dense, dnLo, dnHi)
		}
		c.Fused = fused
		results = append(results, *c)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Fused != results[j].Fused {
			return results[i].Fused > results[j].Fused
		}
		if results[i].GraphMatch != results[j].GraphMatch {
			return results[i].GraphMatch
		}
		if results[i].DocID != results[j].DocID {
			return results[i].DocID < results[j].DocID
		}
		return results[i].ItemID < results[j].ItemID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func signalRange(merged map[string]*Candidate, get func(*Candidate) (float64, bool)) (lo, hi float64) {
	first := true
	for _, c := range merged {
		v, ok := get(c)
		if !ok {
			continue
		}
		if first || v < lo {
			lo = v
		}
		if first || v > hi {
			hi = v
		}
		first = false
	}
	return lo, hi
}

// normalize min-max scales v into [0,1]. A degenerate range maps every
// present signal to 1 so a lone candidate is not zeroed out.
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}
