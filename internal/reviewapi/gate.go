// Package reviewapi exposes pending ticket drafts over HTTP and turns a
// reviewer's answer into an approval decision.
package reviewapi

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sieve/internal/triage"
)

// round is one batch of drafts waiting for a decision.
type round struct {
	drafts    []triage.DraftTicket
	openedAt  time.Time
	decisions chan triage.Decision
}

// Gate is a triage.Gate answered over HTTP. Present blocks until a reviewer
// posts a valid decision or ctx is cancelled.
type Gate struct {
	logger log.Logger

	mu      sync.Mutex
	pending *round
}

// NewGate returns an idle Gate.
func NewGate(logger log.Logger) *Gate {
	if logger == nil {
		logger = log.Nop()
	}
	return &Gate{logger: logger}
}

// Present implements triage.Gate.
func (g *Gate) Present(ctx context.Context, drafts []triage.DraftTicket) (triage.Decision, error) {
	rd := &round{
		drafts:    drafts,
		openedAt:  time.Now(),
		decisions: make(chan triage.Decision, 1),
	}

	g.mu.Lock()
	g.pending = rd
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending == rd {
			g.pending = nil
		}
		g.mu.Unlock()
	}()

	g.logger.Info(ctx, "drafts awaiting review", "drafts", len(drafts))

	select {
	case d := <-rd.decisions:
		return d, nil
	case <-ctx.Done():
		return triage.Decision{}, ctx.Err()
	}
}

// snapshot returns the pending round, if any.
func (g *Gate) snapshot() (*round, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending, g.pending != nil
}

// decide resolves the pending round. It reports false when nothing is
// pending, including when another reviewer got there first.
func (g *Gate) decide(rd *round, d triage.Decision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != rd {
		return false
	}
	g.pending = nil
	rd.decisions <- d
	return true
}
