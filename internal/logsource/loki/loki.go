// Package loki reads CLEF-formatted (compact log event format) JSON lines
// from Grafana Loki.
package loki

import (
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sieve/internal/triage"
)

const (
	successStatus = "success"

	// maxBatch is Loki's default max_entries_limit_per_query.
	maxBatch = 5000

	// hashPrefix marks identities derived from the template text rather than @i.
	hashPrefix = "b3:"

	defaultLevel = "Information"
)

var eventIDRE = regexp.MustCompile(`^[0-9A-Fa-f]{1,8}$`)

// Source queries Loki for CLEF lines matching a stream selector.
type Source struct {
	endpoint   string
	tenantID   string
	selector   string
	httpClient *http.Client
}

// New returns a Source reading streams matched by selector, e.g. {app="shop"}.
func New(endpoint, tenantID, selector string) *Source {
	return &Source{
		endpoint: endpoint,
		tenantID: tenantID,
		selector: selector,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

type entry struct {
	ts     int64
	stream string
	line   string
}

// entryKey identifies an entry for de-duplication across page boundaries.
type entryKey struct {
	ts     int64
	stream string
	line   string
}

func (e entry) key() entryKey { return entryKey(e) }

// Query returns the LogQL expression used to fetch events at level.
func (s *Source) Query(level string) string {
	return fmt.Sprintf(`%s | json | _l = %s`, s.selector, strconv.Quote(level))
}

// Fetch implements triage.EventSource. Results are paged forward through the
// window until MaxEvents lines have been read or the window is exhausted.
func (s *Source) Fetch(ctx context.Context, req triage.FetchRequest) ([]triage.ErrorEvent, error) {
	L := log.FromContext(ctx)

	var (
		events  []triage.ErrorEvent
		skipped int
		query   = s.Query(req.Level)
		end     = req.End.UTC()
		cursor  = req.Start.UTC().UnixNano()
		// entries at the cursor timestamp that were already returned
		seen map[entryKey]struct{}
	)

	for {
		batch := maxBatch
		if req.MaxEvents > 0 && req.MaxEvents-len(events) < batch {
			batch = req.MaxEvents - len(events)
		}
		if batch <= 0 {
			break
		}

		entries, err := s.queryRange(ctx, query, time.Unix(0, cursor).UTC(), end, batch)
		if err != nil {
			return nil, err
		}

		fresh := 0
		for _, e := range entries {
			if _, dup := seen[e.key()]; dup {
				continue
			}
			fresh++
			ev, ok := parseLine(e.line, e.ts)
			if !ok {
				skipped++
				continue
			}
			events = append(events, ev)
		}

		if len(entries) < batch {
			break
		}

		// Resume at the newest timestamp, inclusive, so entries sharing it
		// that did not fit in this page are not lost.
		last := entries[len(entries)-1].ts
		if last != cursor || seen == nil {
			cursor = last
			seen = make(map[entryKey]struct{})
		}
		for _, e := range entries {
			if e.ts == last {
				seen[e.key()] = struct{}{}
			}
		}
		if fresh == 0 {
			// a full page of one timestamp; Loki cannot page inside it
			L.Warn(ctx, "loki page held only already-seen entries, skipping timestamp", "ts", last)
			cursor = last + 1
			seen = nil
		}
		if cursor >= end.UnixNano() {
			break
		}
	}

	if skipped > 0 {
		L.Warn(ctx, "skipped non-CLEF log lines", "count", skipped)
	}
	return events, nil
}

func (s *Source) queryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]entry, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %w", triage.ErrBackendUnavailable, err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "forward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", triage.ErrBackendUnavailable, err)
	}
	if s.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", s.tenantID)
	}

	resp, err := s.httpClient.Do(req) //nolint:gosec // endpoint comes from operator config
	if err != nil {
		return nil, fmt.Errorf("%w: loki query failed: %w", triage.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", triage.ErrBackendUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: loki returned 400: %s", triage.ErrBackendQueryRejected, string(body))
	default:
		return nil, fmt.Errorf("%w: loki returned %d: %s", triage.ErrBackendUnavailable, resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", triage.ErrBackendUnavailable, err)
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("%w: loki status %q", triage.ErrBackendUnavailable, lokiResp.Status)
	}

	return mergeStreams(lokiResp.Data.Result), nil
}

// mergeStreams flattens all streams into one slice ordered by timestamp.
func mergeStreams(results []lokiStream) []entry {
	var out []entry
	for _, stream := range results {
		labels := streamLabels(stream.Stream)
		for _, v := range stream.Values {
			if len(v) < 2 {
				continue
			}
			ts, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			out = append(out, entry{ts: ts, stream: labels, line: v[1]})
		}
	}
	slices.SortStableFunc(out, func(a, b entry) int { return cmp.Compare(a.ts, b.ts) })
	return out
}

func streamLabels(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(labels[k]))
		b.WriteByte(',')
	}
	return b.String()
}

// FilterFor implements triage.FilterBuilder.
func (s *Source) FilterFor(templateID, messageTemplate string) string {
	if eventIDRE.MatchString(templateID) {
		return fmt.Sprintf(`%s | json | _i = %s`, s.selector, strconv.Quote(templateID))
	}
	return fmt.Sprintf(`%s | json | _mt = %s`, s.selector, strconv.Quote(messageTemplate))
}

// parseLine decodes one CLEF line. Lines that are not JSON objects are rejected.
func parseLine(line string, tsNano int64) (triage.ErrorEvent, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return triage.ErrorEvent{}, false
	}

	ev := triage.ErrorEvent{Properties: make(map[string]string)}

	var mt, rendered, id string
	for k, v := range fields {
		switch k {
		case "@t":
			if t, err := time.Parse(time.RFC3339Nano, stringValue(v)); err == nil {
				ev.Timestamp = t.UTC()
			}
		case "@l":
			ev.RawLevel = stringValue(v)
		case "@mt":
			mt = stringValue(v)
		case "@m":
			rendered = stringValue(v)
		case "@x":
			ev.Exception = stringValue(v)
		case "@i":
			id = stringValue(v)
		case "@r", "@tr", "@sp":
			// renderings and trace context are not properties
		default:
			name := k
			if strings.HasPrefix(name, "@@") {
				name = name[1:]
			} else if strings.HasPrefix(name, "@") {
				continue
			}
			ev.Properties[name] = stringValue(v)
		}
	}

	if mt == "" && rendered == "" {
		return triage.ErrorEvent{}, false
	}
	if mt == "" {
		// without a template the rendered message is all literal text
		ev.Tokens = []triage.MessageToken{{Text: rendered}}
		mt = rendered
	} else {
		ev.Tokens = triage.ParseMessageTemplate(mt)
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Unix(0, tsNano).UTC()
	}
	ev.Level = ev.RawLevel
	if ev.Level == "" {
		ev.Level = defaultLevel
	}

	ev.TemplateID = id
	if ev.TemplateID == "" {
		ev.TemplateID = TemplateHash(mt)
	}
	return ev, true
}

// TemplateHash derives a stable identity from template text.
func TemplateHash(messageTemplate string) string {
	sum := blake3.Sum256([]byte(messageTemplate))
	return hashPrefix + hex.EncodeToString(sum[:8])
}

func stringValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}
