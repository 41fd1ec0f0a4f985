package triage

import (
	"fmt"
	"math"
	"strings"
)

// Suggested actions by classification.
const (
	ActionFixBug        = "Fix underlying bug"
	ActionReduceLogging = "Reduce log level or remove log"
	ActionNone          = "No action needed - transient error"
	ActionReview        = "Review and classify"
)

// SuggestedAction is a fixed lookup from classification to the action text.
func SuggestedAction(c Classification) string {
	switch c {
	case Bug:
		return ActionFixBug
	case ExternalNoise:
		return ActionReduceLogging
	case Transient:
		return ActionNone
	default:
		return ActionReview
	}
}

// Composer turns a template group into a reviewable draft. It performs no I/O.
type Composer struct {
	// WindowHours is the length of the query window the counts were taken over.
	WindowHours int
	// ReferenceWindowHours normalizes counts so differing windows are comparable.
	ReferenceWindowHours int
	// Filter renders the reproduction query. Nil falls back to a substring filter.
	Filter FilterBuilder
}

// ExtrapolatedRate scales count from the actual window to the reference window,
// rounded to the nearest integer.
func (c Composer) ExtrapolatedRate(count int) int {
	if c.WindowHours <= 0 || c.ReferenceWindowHours <= 0 {
		return count
	}
	return int(math.Round(float64(count) * float64(c.ReferenceWindowHours) / float64(c.WindowHours)))
}

// Compose builds the draft ticket for a group.
func (c Composer) Compose(g TemplateGroup, class Classification) DraftTicket {
	tmpl := g.MessageTemplate()
	action := SuggestedAction(class)

	filter := SubstringFilter{}.FilterFor(g.TemplateID, tmpl)
	if c.Filter != nil {
		filter = c.Filter.FilterFor(g.TemplateID, tmpl)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message template:\n%s\n\n", tmpl)
	fmt.Fprintf(&b, "Occurrences: %d in the last %dh (~%d per %dh)\n",
		g.Count, c.WindowHours, c.ExtrapolatedRate(g.Count), c.ReferenceWindowHours)
	fmt.Fprintf(&b, "Classification: %s\n", class)
	fmt.Fprintf(&b, "Suggested action: %s\n\n", action)
	fmt.Fprintf(&b, "Log query:\n%s\n", filter)

	if ex := firstException(g.Sample); ex != "" {
		fmt.Fprintf(&b, "\nSample exception:\n%s\n", truncateLines(ex, 20))
	}

	return DraftTicket{
		TemplateID:      g.TemplateID,
		MessageTemplate: tmpl,
		Count:           g.Count,
		Classification:  class,
		SuggestedAction: action,
		Body:            b.String(),
	}
}

// SubstringFilter matches on the literal template text. It is the fallback
// when an identity cannot be expressed in the backend's native syntax.
type SubstringFilter struct{}

// FilterFor implements FilterBuilder.
func (SubstringFilter) FilterFor(_, messageTemplate string) string {
	return fmt.Sprintf("@MessageTemplate like '%%%s%%'", strings.ReplaceAll(messageTemplate, "'", "''"))
}

func firstException(sample []ErrorEvent) string {
	for _, e := range sample {
		if e.Exception != "" {
			return e.Exception
		}
	}
	return ""
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
