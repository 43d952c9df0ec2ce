package roster

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

// Filter applies the roster filter DSL: ';'-separated AND clauses within
// one expression, '+'-separated alternative expressions unioned together
// with SiteID deduplication keeping the last occurrence.
func Filter(records []Record, expr string) ([]Record, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return records, nil
	}

	var unioned []Record
	for _, group := range strings.Split(expr, "+") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		subset := records
		for _, clauseStr := range strings.Split(group, ";") {
			clauseStr = strings.TrimSpace(clauseStr)
			if clauseStr == "" {
				continue
			}
			var err error
			subset, err = applyClause(subset, clauseStr)
			if err != nil {
				return nil, fmt.Errorf("roster: filter clause %q: %w", clauseStr, err)
			}
		}
		unioned = append(unioned, subset...)
	}

	return dedupKeepLast(unioned), nil
}

var (
	rangeRe  = regexp.MustCompile(`^Range\(\s*([0-9.]+)\s*,\s*([0-9.]+)\s*\)$`)
	randomRe = regexp.MustCompile(`^Random\(\s*([0-9.]+)\s*\)$`)
)

func applyClause(records []Record, clause string) ([]Record, error) {
	if m := rangeRe.FindStringSubmatch(clause); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		return applyRange(records, lo, hi), nil
	}
	if m := randomRe.FindStringSubmatch(clause); m != nil {
		frac, _ := strconv.ParseFloat(m[1], 64)
		return applyRandom(records, frac), nil
	}
	return applyRowPredicate(records, clause)
}

// applyRange keeps rows whose positional index lies in
// [floor(lo*N), ceil(hi*N)).
func applyRange(records []Record, lo, hi float64) []Record {
	n := float64(len(records))
	start := int(math.Floor(lo * n))
	end := int(math.Ceil(hi * n))
	if start < 0 {
		start = 0
	}
	if end > len(records) {
		end = len(records)
	}
	if start >= end {
		return nil
	}
	out := make([]Record, end-start)
	copy(out, records[start:end])
	return out
}

// applyRandom keeps exactly round(frac*N) rows, chosen uniformly at
// random without replacement.
func applyRandom(records []Record, frac float64) []Record {
	n := len(records)
	count := int(math.Round(frac * float64(n)))
	if count <= 0 {
		return nil
	}
	if count >= n {
		out := make([]Record, n)
		copy(out, records)
		return out
	}

	idx := rand.Perm(n)[:count]
	out := make([]Record, count)
	for i, id := range idx {
		out[i] = records[id]
	}
	return out
}

// applyRowPredicate evaluates a "column op value" expression (e.g.
// "lat > 40") against each row via govaluate, keeping rows where it is
// truthy.
func applyRowPredicate(records []Record, clause string) ([]Record, error) {
	expr, err := govaluate.NewEvaluableExpression(clause)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}

	var out []Record
	for _, r := range records {
		params := map[string]interface{}{
			"SiteID": r.SiteID,
			"soil":   r.Soil,
			"dly":    r.Dly,
			"opc":    r.Opc,
			"lat":    r.Lat,
			"lon":    r.Lon,
		}
		result, err := expr.Evaluate(params)
		if err != nil {
			return nil, fmt.Errorf("evaluate predicate: %w", err)
		}
		if truthy, ok := result.(bool); ok && truthy {
			out = append(out, r)
		}
	}
	return out, nil
}

// dedupKeepLast unions records by SiteID, keeping the last occurrence's
// values while preserving each surviving SiteID's first-seen position.
func dedupKeepLast(records []Record) []Record {
	lastBySite := make(map[string]Record, len(records))
	var order []string
	for _, r := range records {
		if _, seen := lastBySite[r.SiteID]; !seen {
			order = append(order, r.SiteID)
		}
		lastBySite[r.SiteID] = r
	}
	out := make([]Record, len(order))
	for i, id := range order {
		out[i] = lastBySite[id]
	}
	return out
}
