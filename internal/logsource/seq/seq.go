// Package seq reads error events from a Seq server's HTTP API.
package seq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/sieve/internal/triage"
)

// maxResponseBytes bounds a single /api/events response.
const maxResponseBytes = 64 << 20

var eventTypeRE = regexp.MustCompile(`^(?:\$|0x)([0-9A-Fa-f]{1,8})$`)

// Source queries Seq for events at one level inside a time window.
type Source struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New returns a Source for the Seq server at endpoint. apiKey may be empty
// for servers that allow anonymous reads.
func New(endpoint, apiKey string) *Source {
	return &Source{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type seqToken struct {
	Text         string `json:"Text"`
	PropertyName string `json:"PropertyName"`
	RawText      string `json:"RawText"`
}

type seqProperty struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type seqEvent struct {
	Timestamp             string        `json:"Timestamp"`
	Level                 string        `json:"Level"`
	EventType             string        `json:"EventType"`
	MessageTemplateTokens []seqToken    `json:"MessageTemplateTokens"`
	Properties            []seqProperty `json:"Properties"`
	Exception             string        `json:"Exception"`
}

// Fetch implements triage.EventSource.
func (s *Source) Fetch(ctx context.Context, req triage.FetchRequest) ([]triage.ErrorEvent, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %w", triage.ErrBackendUnavailable, err)
	}
	u.Path = path.Join(u.Path, "api/events")

	q := u.Query()
	q.Set("filter", fmt.Sprintf("@Level = '%s'", strings.ReplaceAll(req.Level, "'", "''")))
	q.Set("fromDateUtc", req.Start.UTC().Format(time.RFC3339Nano))
	q.Set("toDateUtc", req.End.UTC().Format(time.RFC3339Nano))
	if req.MaxEvents > 0 {
		q.Set("count", strconv.Itoa(req.MaxEvents))
	}
	q.Set("render", "true")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", triage.ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("X-Seq-ApiKey", s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq) //nolint:gosec // endpoint comes from operator config
	if err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", triage.ErrBackendUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: seq returned 400: %s", triage.ErrBackendQueryRejected, snippet(body))
	default:
		return nil, fmt.Errorf("%w: seq returned %d: %s", triage.ErrBackendUnavailable, resp.StatusCode, snippet(body))
	}

	var raw []seqEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode events: %w", triage.ErrBackendUnavailable, err)
	}

	events := make([]triage.ErrorEvent, 0, len(raw))
	for _, r := range raw {
		events = append(events, r.toEvent())
		if req.MaxEvents > 0 && len(events) >= req.MaxEvents {
			break
		}
	}
	return events, nil
}

// FilterFor implements triage.FilterBuilder using Seq's event type when the
// identity is one, falling back to a template substring match otherwise.
func (s *Source) FilterFor(templateID, messageTemplate string) string {
	if m := eventTypeRE.FindStringSubmatch(templateID); m != nil {
		return fmt.Sprintf("@EventType = 0x%08X", mustHex(m[1]))
	}
	return triage.SubstringFilter{}.FilterFor(templateID, messageTemplate)
}

func (e seqEvent) toEvent() triage.ErrorEvent {
	ts, _ := time.Parse(time.RFC3339Nano, e.Timestamp)

	tokens := make([]triage.MessageToken, 0, len(e.MessageTemplateTokens))
	for _, t := range e.MessageTemplateTokens {
		if t.PropertyName != "" {
			tokens = append(tokens, triage.MessageToken{Text: t.RawText, PropertyName: t.PropertyName})
			continue
		}
		tokens = append(tokens, triage.MessageToken{Text: t.Text})
	}

	props := make(map[string]string, len(e.Properties))
	for _, p := range e.Properties {
		props[p.Name] = propertyString(p.Value)
	}

	return triage.ErrorEvent{
		Timestamp:  ts.UTC(),
		Level:      e.Level,
		TemplateID: e.EventType,
		Tokens:     tokens,
		Exception:  e.Exception,
		Properties: props,
		RawLevel:   e.Level,
	}
}

// propertyString flattens a property value; strings lose their quotes,
// everything else keeps its JSON form.
func propertyString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}

func mustHex(s string) uint64 {
	n, _ := strconv.ParseUint(s, 16, 32)
	return n
}

func snippet(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
