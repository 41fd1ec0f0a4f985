package triage

import (
	"context"
	"sort"
	"time"
)

// DefaultSampleSize is the number of representative events kept per template.
const DefaultSampleSize = 5

// FetchRequest bounds a single bulk query against the log backend.
type FetchRequest struct {
	Level     string
	Start     time.Time
	End       time.Time
	MaxEvents int
}

// EventSource is the log query collaborator. Implementations return at most
// MaxEvents events in backend order and wrap transport or auth failures in
// ErrBackendUnavailable and filter errors in ErrBackendQueryRejected. They do
// not retry.
type EventSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]ErrorEvent, error)
}

// FilterBuilder renders a query that a human can paste back into the log
// backend to reproduce the events for a single template.
type FilterBuilder interface {
	FilterFor(templateID, messageTemplate string) string
}

// GroupByTemplate groups events by template identity in a single pass. Every
// event is counted but only the first sampleSize events per group are kept.
// Groups are returned in first-seen order.
func GroupByTemplate(events []ErrorEvent, sampleSize int) []TemplateGroup {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	index := make(map[string]int)
	var groups []TemplateGroup

	for _, e := range events {
		i, ok := index[e.TemplateID]
		if !ok {
			i = len(groups)
			index[e.TemplateID] = i
			groups = append(groups, TemplateGroup{TemplateID: e.TemplateID})
		}
		g := &groups[i]
		g.Count++
		if len(g.Sample) < sampleSize {
			g.Sample = append(g.Sample, e)
		}
	}
	return groups
}

// FilterByMinimumCount drops groups whose total count is strictly below threshold.
func FilterByMinimumCount(groups []TemplateGroup, threshold int) []TemplateGroup {
	out := make([]TemplateGroup, 0, len(groups))
	for _, g := range groups {
		if g.Count < threshold {
			continue
		}
		out = append(out, g)
	}
	return out
}

// RankGroups sorts by count descending with ties broken by identity ascending,
// then truncates to limit. A limit <= 0 keeps everything.
func RankGroups(groups []TemplateGroup, limit int) []TemplateGroup {
	out := make([]TemplateGroup, len(groups))
	copy(out, groups)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TemplateID < out[j].TemplateID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
