package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sieve/internal/authmw"
	"github.com/linnemanlabs/sieve/internal/reviewapi"
	"github.com/linnemanlabs/sieve/internal/triage"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"config", errors.New("configuration validation failed: WINDOW_HOURS"), exitConfig},
		{"backend unavailable", &triage.PhaseError{Phase: triage.StateFetching, Err: triage.ErrBackendUnavailable}, exitFatal},
		{"query rejected", fmt.Errorf("wrapped: %w", triage.ErrBackendQueryRejected), exitFatal},
		{"corrupt ledger", &triage.PhaseError{Phase: triage.StateLoading, Err: triage.ErrCorruptLedger}, exitFatal},
		{"gate cancelled", &triage.PhaseError{Phase: triage.StateAwaitingApproval, Err: context.Canceled}, exitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestPrintSummary_Done(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &triage.RunSummary{
		RunID:         "01JRUN",
		State:         triage.StateDone,
		WindowStart:   start,
		WindowEnd:     start.Add(12 * time.Hour),
		EventsFetched: 420,
		Succeeded:     1,
		Failed:        1,
		Outcomes: []triage.Outcome{
			{MessageTemplate: "Order {OrderId} not found", Count: 30, Classification: triage.Bug, Status: triage.OutcomePublished, TicketKey: "OPS-42"},
			{MessageTemplate: "Bad bot {UserAgent}", Count: 12, Classification: triage.ExternalNoise, Status: triage.OutcomeFailed, Error: "ticket creation failed: 503"},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, s, nil)
	out := buf.String()

	for _, want := range []string{"run 01JRUN done", "420 events", "OPS-42", "ticket creation failed: 503", "succeeded 1, failed 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummary_Aborted(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := &triage.PhaseError{Phase: triage.StateLoading, Err: triage.ErrCorruptLedger}
	printSummary(&buf, &triage.RunSummary{RunID: "01JRUN", State: triage.StateLoading}, err)

	if !strings.Contains(buf.String(), "aborted while loading_ledger") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPrintSummary_Nil(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, nil, errors.New("x"))
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestReviewHandler_RequiresToken(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	api := reviewapi.New(log.Nop(), reviewapi.NewGate(nil), authmw.Reviewers{"alice": "tok"})
	h := newReviewHandler(log.Nop(), api, ok, ok, nil, httpmw.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drafts", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/drafts", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with nothing pending", rec.Code)
	}
}
