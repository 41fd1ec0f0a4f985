package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/sieve/internal/triage"
)

func doneSummary() *triage.RunSummary {
	return &triage.RunSummary{
		RunID:         "01JN123",
		State:         triage.StateDone,
		EventsFetched: 420,
		Groups:        12,
		Succeeded:     1,
		Suppressed:    1,
		Skipped:       1,
		Duration:      23.4,
		CompletedAt:   time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		Outcomes: []triage.Outcome{
			{TemplateID: "a", MessageTemplate: "Timeout calling {Service}", Count: 50, Classification: triage.Transient, Status: triage.OutcomeSuppressed},
			{TemplateID: "b", MessageTemplate: "Order {OrderId} not found", Count: 30, Classification: triage.Bug, Status: triage.OutcomePublished, TicketKey: "OPS-42"},
			{TemplateID: "c", MessageTemplate: "Bad bot {UserAgent}", Count: 12, Classification: triage.ExternalNoise, Status: triage.OutcomeSkipped},
		},
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL).Send(context.Background(), doneSummary()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, outcomes, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "1 published, 0 failed") {
		t.Errorf("header = %q", header)
	}
	if !strings.Contains(header, "\U0001f7e1") {
		t.Error("header should carry the yellow circle when tickets were published")
	}

	outcomes := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(outcomes, "OPS-42") {
		t.Errorf("outcomes = %q, want ticket key", outcomes)
	}
	if strings.Count(outcomes, "\n") != 3 {
		t.Errorf("outcomes should list one line per template, got %q", outcomes)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	if err := New("").Send(context.Background(), doneSummary()); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL).Send(context.Background(), doneSummary())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestBuildMessage_Aborted(t *testing.T) {
	t.Parallel()

	s := &triage.RunSummary{RunID: "01JN999", State: triage.StateFetching}
	blocks := buildMessage(s)["blocks"].([]map[string]any)

	header := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "aborted while fetching") {
		t.Errorf("header = %q", header)
	}
	if !strings.HasPrefix(header, "\U0001f534") {
		t.Error("aborted runs should be red")
	}
	outcomes := blocks[4]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(outcomes, "Nothing new") {
		t.Errorf("outcomes = %q", outcomes)
	}
}

func TestBuildMessage_CapsOutcomeLines(t *testing.T) {
	t.Parallel()

	s := doneSummary()
	s.Outcomes = nil
	for i := 0; i < maxOutcomeLines+5; i++ {
		s.Outcomes = append(s.Outcomes, triage.Outcome{TemplateID: fmt.Sprint(i), Status: triage.OutcomeSkipped})
	}

	blocks := buildMessage(s)["blocks"].([]map[string]any)
	text := blocks[4]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "and 5 more") {
		t.Errorf("expected overflow marker, got %q", text)
	}
}

func TestStatusEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    triage.RunSummary
		want string
	}{
		{"aborted", triage.RunSummary{State: triage.StateFetching}, "\U0001f534"},
		{"failures", triage.RunSummary{State: triage.StateDone, Failed: 1, Succeeded: 3}, "\U0001f534"},
		{"published", triage.RunSummary{State: triage.StateDone, Succeeded: 2}, "\U0001f7e1"},
		{"quiet", triage.RunSummary{State: triage.StateDone}, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := statusEmoji(&tt.s); got != tt.want {
				t.Errorf("statusEmoji = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	t.Parallel()

	got := truncate(strings.Repeat("é", 100), 10)
	if got != strings.Repeat("é", 7)+"..." {
		t.Errorf("truncate = %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must be unchanged")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Order {OrderId} not found", "OPS-1", "boom")
	f.Add("", "", "")
	f.Add("<@U123> mention", "X-1", "*bold* _italic_ ~strike~")
	f.Add("alert\x00\x01\x02", "K\n1", "err\ttab")
	f.Add(strings.Repeat("A", 5000), "OPS-99999", strings.Repeat("x", 10000))

	f.Fuzz(func(t *testing.T, tmpl, key, errText string) {
		s := doneSummary()
		s.Outcomes = append(s.Outcomes,
			triage.Outcome{MessageTemplate: tmpl, TicketKey: key, Status: triage.OutcomePublished},
			triage.Outcome{MessageTemplate: tmpl, Error: errText, Status: triage.OutcomeFailed},
		)

		// Must not panic
		data, err := json.Marshal(buildMessage(s))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 7 {
			t.Fatalf("blocks = %v", decoded["blocks"])
		}
	})
}
