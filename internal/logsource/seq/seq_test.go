package seq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linnemanlabs/sieve/internal/triage"
)

const sampleEvents = `[
  {
    "Timestamp": "2026-03-01T10:00:00.1234567+00:00",
    "Level": "Error",
    "EventType": "$A1B2C3D4",
    "MessageTemplateTokens": [
      {"Text": "Order "},
      {"PropertyName": "OrderId", "RawText": "{OrderId}", "FormattedValue": "42"},
      {"Text": " not found"}
    ],
    "Properties": [
      {"Name": "OrderId", "Value": 42},
      {"Name": "UserAgent", "Value": "curl/8.0"},
      {"Name": "Missing", "Value": null}
    ],
    "Exception": "System.InvalidOperationException: boom"
  },
  {
    "Timestamp": "2026-03-01T10:01:00Z",
    "Level": "Error",
    "EventType": "$0000BEEF",
    "MessageTemplateTokens": [{"Text": "Disk full"}],
    "Properties": []
  }
]`

func window() triage.FetchRequest {
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return triage.FetchRequest{Level: "Error", Start: end.Add(-12 * time.Hour), End: end, MaxEvents: 100}
}

func TestFetch_ParsesEvents(t *testing.T) {
	t.Parallel()

	var gotPath, gotFilter, gotCount, gotKey, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFilter = r.URL.Query().Get("filter")
		gotCount = r.URL.Query().Get("count")
		gotFrom = r.URL.Query().Get("fromDateUtc")
		gotKey = r.Header.Get("X-Seq-ApiKey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, sampleEvents)
	}))
	defer srv.Close()

	events, err := New(srv.URL, "secret").Fetch(context.Background(), window())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotPath != "/api/events" {
		t.Errorf("path = %q, want /api/events", gotPath)
	}
	if gotFilter != "@Level = 'Error'" {
		t.Errorf("filter = %q", gotFilter)
	}
	if gotCount != "100" {
		t.Errorf("count = %q, want 100", gotCount)
	}
	if gotFrom != "2026-03-01T00:00:00Z" {
		t.Errorf("fromDateUtc = %q", gotFrom)
	}
	if gotKey != "secret" {
		t.Errorf("X-Seq-ApiKey = %q, want secret", gotKey)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	e := events[0]
	if e.TemplateID != "$A1B2C3D4" {
		t.Errorf("TemplateID = %q", e.TemplateID)
	}
	if e.MessageTemplate() != "Order {OrderId} not found" {
		t.Errorf("MessageTemplate = %q", e.MessageTemplate())
	}
	if e.LiteralText() != "Order  not found" {
		t.Errorf("LiteralText = %q", e.LiteralText())
	}
	if e.Properties["OrderId"] != "42" || e.Properties["UserAgent"] != "curl/8.0" || e.Properties["Missing"] != "" {
		t.Errorf("Properties = %v", e.Properties)
	}
	if e.Exception == "" {
		t.Error("Exception not populated")
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp not UTC: %v", e.Timestamp)
	}
}

func TestFetch_TruncatesToMaxEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, sampleEvents)
	}))
	defer srv.Close()

	req := window()
	req.MaxEvents = 1
	events, err := New(srv.URL, "").Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestFetch_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad filter", http.StatusBadRequest, triage.ErrBackendQueryRejected},
		{"unauthorized", http.StatusUnauthorized, triage.ErrBackendUnavailable},
		{"forbidden", http.StatusForbidden, triage.ErrBackendUnavailable},
		{"server error", http.StatusInternalServerError, triage.ErrBackendUnavailable},
		{"unavailable", http.StatusServiceUnavailable, triage.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "").Fetch(context.Background(), window())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFetch_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, "").Fetch(context.Background(), window())
	if !errors.Is(err, triage.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestFetch_GarbageBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "<html>login</html>")
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Fetch(context.Background(), window())
	if !errors.Is(err, triage.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestFilterFor(t *testing.T) {
	t.Parallel()

	s := New("http://seq.invalid", "")
	tests := []struct {
		id, tmpl, want string
	}{
		{"$A1B2C3D4", "Order {OrderId} not found", "@EventType = 0xA1B2C3D4"},
		{"$beef", "x", "@EventType = 0x0000BEEF"},
		{"0x1", "x", "@EventType = 0x00000001"},
		{"not-hex", "Can't parse", "@MessageTemplate like '%Can''t parse%'"},
	}
	for _, tt := range tests {
		if got := s.FilterFor(tt.id, tt.tmpl); got != tt.want {
			t.Errorf("FilterFor(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func FuzzFetchBody(f *testing.F) {
	f.Add(sampleEvents)
	f.Add(`[]`)
	f.Add(`[{}]`)
	f.Add(`{"not":"an array"}`)
	f.Add(string([]byte{0x00, 0xff, 0xfe}))

	f.Fuzz(func(t *testing.T, body string) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, body)
		}))
		defer srv.Close()

		// Must not panic
		_, _ = New(srv.URL, "").Fetch(context.Background(), window())
	})
}
