// Package planner ranks catalog entries against a query. Ranking is deterministic
// and free of side effects: the same catalog and query always yield the same
// candidates in the same order.
package planner

import (
	"cmp"
	"slices"
	"strings"

	"github.com/datascout/datascout/pkg/catalog"
)

const (
	nameKeywordWeight        = 3
	descriptionKeywordWeight = 2
	tagKeywordWeight         = 1

	geoMatchScore       = 2.0
	metricNameScore     = 2.0
	metricFallbackScore = 1.0
)

// Query is what a caller asks for. StartDate <= EndDate is enforced by the caller.
type Query struct {
	Text       string       `json:"text"`
	GeoLevel   string       `json:"geo_level"`
	StartDate  catalog.Date `json:"start_date"`
	EndDate    catalog.Date `json:"end_date"`
	MetricHint string       `json:"metric_hint,omitempty"`
}

type ScoreBreakdown struct {
	Keyword float64 `json:"keyword"`
	Geo     float64 `json:"geo"`
	Time    float64 `json:"time"`
	Metric  float64 `json:"metric"`
	Total   float64 `json:"total"`
}

type Candidate struct {
	DatasetID string         `json:"dataset_id"`
	Name      string         `json:"name"`
	Score     ScoreBreakdown `json:"score"`
}

// Rank scores every entry and returns at most topK candidates, best first. A topK
// below 1 is treated as 1. No entry is excluded for scoring zero.
func Rank(entries []catalog.Entry, query Query, topK int) []Candidate {
	topK = max(topK, 1)

	terms := strings.Fields(strings.ToLower(query.Text))
	candidates := make([]Candidate, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		candidates = append(candidates, Candidate{
			DatasetID: entry.DatasetID,
			Name:      entry.Name,
			Score:     score(entry, terms, query),
		})
	}

	slices.SortStableFunc(candidates, compareCandidates)

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates
}

func compareCandidates(a, b Candidate) int {
	// Scores descending.
	if c := cmp.Compare(b.Score.Total, a.Score.Total); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score.Keyword, a.Score.Keyword); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score.Geo, a.Score.Geo); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score.Time, a.Score.Time); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score.Metric, a.Score.Metric); c != 0 {
		return c
	}
	if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
		return c
	}
	return strings.Compare(a.DatasetID, b.DatasetID)
}

func score(entry *catalog.Entry, terms []string, query Query) ScoreBreakdown {
	s := ScoreBreakdown{
		Keyword: keywordScore(entry, terms),
		Geo:     geoScore(entry, query.GeoLevel),
		Time:    timeScore(entry, query.StartDate, query.EndDate),
		Metric:  metricScore(entry, query.MetricHint),
	}
	s.Total = s.Keyword + s.Geo + s.Time + s.Metric
	return s
}

func keywordScore(entry *catalog.Entry, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}

	name := strings.ToLower(entry.Name)
	description := strings.ToLower(entry.Description)
	tags := lowerAll(entry.Tags)

	total := 0
	for _, term := range terms {
		if strings.Contains(name, term) {
			total += nameKeywordWeight
		}
		if strings.Contains(description, term) {
			total += descriptionKeywordWeight
		}
		if containsSubstring(tags, term) {
			total += tagKeywordWeight
		}
	}

	return float64(total)
}

func geoScore(entry *catalog.Entry, geoLevel string) float64 {
	geoLevel = strings.ToLower(geoLevel)
	for _, geo := range entry.SupportedGeos {
		if strings.ToLower(geo) == geoLevel {
			return geoMatchScore
		}
	}
	return 0
}

// timeScore is the fraction of the query window, in inclusive days, covered by
// the entry's date range.
func timeScore(entry *catalog.Entry, start, end catalog.Date) float64 {
	if end.Before(entry.MinDate) || start.After(entry.MaxDate) {
		return 0
	}

	overlapStart := start
	if entry.MinDate.After(overlapStart) {
		overlapStart = entry.MinDate
	}
	overlapEnd := end
	if entry.MaxDate.Before(overlapEnd) {
		overlapEnd = entry.MaxDate
	}

	overlapDays := overlapStart.DaysUntil(overlapEnd) + 1
	queryDays := max(start.DaysUntil(end)+1, 1)

	return float64(overlapDays) / float64(queryDays)
}

func metricScore(entry *catalog.Entry, hint string) float64 {
	if hint == "" {
		return 0
	}
	hint = strings.ToLower(hint)

	if containsSubstring(lowerAll(entry.Metrics), hint) {
		return metricNameScore
	}

	if strings.Contains(strings.ToLower(entry.Name), hint) ||
		strings.Contains(strings.ToLower(entry.Description), hint) ||
		containsSubstring(lowerAll(entry.Tags), hint) {
		return metricFallbackScore
	}

	return 0
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// containsSubstring reports whether any of values contains sub.
func containsSubstring(values []string, sub string) bool {
	return slices.ContainsFunc(values, func(v string) bool {
		return strings.Contains(v, sub)
	})
}
