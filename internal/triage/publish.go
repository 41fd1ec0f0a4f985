package triage

import (
	"context"
	"fmt"
)

const titleTemplateLen = 60

// TicketRequest is everything the tracker needs to open one ticket.
type TicketRequest struct {
	ProjectKey string
	ParentKey  string
	Summary    string
	Body       string
	IssueType  string
}

// Tracker is the issue tracker collaborator. The returned key is opaque.
type Tracker interface {
	CreateTicket(ctx context.Context, req TicketRequest) (string, error)
}

// Publisher creates one external ticket per approved draft.
type Publisher struct {
	tracker    Tracker
	projectKey string
	parentKey  string
	issueType  string
}

// NewPublisher creates a publisher filing tickets under the given project and parent.
func NewPublisher(tracker Tracker, projectKey, parentKey, issueType string) *Publisher {
	return &Publisher{
		tracker:    tracker,
		projectKey: projectKey,
		parentKey:  parentKey,
		issueType:  issueType,
	}
}

// Publish creates the ticket for a draft. Tracker errors are captured in the
// result rather than returned so one failure never blocks the batch.
func (p *Publisher) Publish(ctx context.Context, d DraftTicket) PublishResult {
	key, err := p.tracker.CreateTicket(ctx, TicketRequest{
		ProjectKey: p.projectKey,
		ParentKey:  p.parentKey,
		Summary:    Title(d),
		Body:       d.Body,
		IssueType:  p.issueType,
	})
	if err != nil {
		return PublishResult{
			TemplateID: d.TemplateID,
			Err:        fmt.Errorf("%w: %w", ErrTicketCreationFailed, err),
		}
	}
	return PublishResult{TemplateID: d.TemplateID, Success: true, TicketKey: key}
}

// Title composes the ticket summary: a classification prefix followed by the
// first 60 characters of the message template.
func Title(d DraftTicket) string {
	var prefix string
	switch d.Classification {
	case Bug:
		prefix = "Logging // Bug"
	case ExternalNoise:
		prefix = "Logging // Noise suppression"
	default:
		prefix = "Logging // " + string(d.Classification)
	}

	tmpl := []rune(d.MessageTemplate)
	if len(tmpl) > titleTemplateLen {
		tmpl = tmpl[:titleTemplateLen]
	}
	return prefix + ": " + string(tmpl)
}
