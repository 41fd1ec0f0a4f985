package triage

import (
	"strings"
	"time"
)

// Classification is the coarse triage category assigned to a template.
type Classification string

const (
	// Transient errors are expected to clear on their own (timeouts, dropped connections).
	Transient Classification = "Transient"

	// ExternalNoise is caused by clients outside our control (bots, scanners, bad URLs).
	ExternalNoise Classification = "ExternalNoise"

	// Bug is the fallback: something in our code needs fixing.
	Bug Classification = "Bug"
)

// Valid reports whether c is one of the three known categories.
func (c Classification) Valid() bool {
	switch c {
	case Transient, ExternalNoise, Bug:
		return true
	}
	return false
}

// MessageToken is one piece of a parsed message template. A token is literal
// text when PropertyName is empty, otherwise a {PropertyName} hole.
type MessageToken struct {
	Text         string `json:"text,omitempty"`
	PropertyName string `json:"propertyName,omitempty"`
}

// ErrorEvent is a single log event as returned by the log backend.
type ErrorEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Level      string            `json:"level"`
	TemplateID string            `json:"templateId"`
	Tokens     []MessageToken    `json:"tokens"`
	Exception  string            `json:"exception,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	RawLevel   string            `json:"rawLevel,omitempty"`
}

// MessageTemplate renders the template with property holes, e.g. "Failed to load {OrderId}".
func (e ErrorEvent) MessageTemplate() string {
	var b strings.Builder
	for _, t := range e.Tokens {
		if t.PropertyName != "" {
			b.WriteString("{" + t.PropertyName + "}")
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// LiteralText concatenates only the literal tokens of the template.
func (e ErrorEvent) LiteralText() string {
	var b strings.Builder
	for _, t := range e.Tokens {
		if t.PropertyName == "" {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// TemplateGroup aggregates all events sharing one template identity within a query window.
// Count covers every event seen; Sample holds at most the first K in backend order.
type TemplateGroup struct {
	TemplateID string
	Count      int
	Sample     []ErrorEvent
}

// MessageTemplate returns the template text of the first sampled event.
func (g TemplateGroup) MessageTemplate() string {
	if len(g.Sample) == 0 {
		return ""
	}
	return g.Sample[0].MessageTemplate()
}

// SuppressionRecord is the ledger's memory of a template that has already been handled.
type SuppressionRecord struct {
	TemplateID      string         `json:"templateIdentity"`
	MessageTemplate string         `json:"messageTemplate"`
	Classification  Classification `json:"classification"`
	DateHandled     time.Time      `json:"dateHandled"`
	TicketKey       string         `json:"ticketKey,omitempty"`
	Notes           string         `json:"notes"`
}

// DraftTicket is a proposed ticket awaiting human approval. It only lives for one run.
type DraftTicket struct {
	TemplateID      string
	MessageTemplate string
	Count           int
	Classification  Classification
	SuggestedAction string
	Body            string
}

// PublishResult is the outcome of creating one ticket.
type PublishResult struct {
	TemplateID string
	Success    bool
	TicketKey  string
	Err        error
}

// OutcomeStatus records what happened to a single template during a run.
type OutcomeStatus string

const (
	// OutcomeSuppressed means the template was classified Transient and written to the ledger.
	OutcomeSuppressed OutcomeStatus = "suppressed"

	// OutcomePublished means a ticket was created and the ledger updated.
	OutcomePublished OutcomeStatus = "published"

	// OutcomeFailed means ticket creation or the ledger write failed for this template.
	OutcomeFailed OutcomeStatus = "failed"

	// OutcomeSkipped means the draft was not selected at the approval gate.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the per-template line in a run summary.
type Outcome struct {
	TemplateID      string         `json:"template_id"`
	MessageTemplate string         `json:"message_template"`
	Count           int            `json:"count"`
	Classification  Classification `json:"classification"`
	Status          OutcomeStatus  `json:"status"`
	TicketKey       string         `json:"ticket_key,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// RunSummary is the result of a pipeline run.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	State         State     `json:"state"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	EventsFetched int       `json:"events_fetched"`
	Groups        int       `json:"groups"`
	BelowMinimum  int       `json:"below_minimum"`
	AlreadyKnown  int       `json:"already_known"`
	Considered    int       `json:"considered"`
	Drafts        int       `json:"drafts"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Suppressed    int       `json:"suppressed"`
	Outcomes      []Outcome `json:"outcomes,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Duration      float64   `json:"duration_seconds"`
}
