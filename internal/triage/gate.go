package triage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DecisionKind is the shape of a human approval decision.
type DecisionKind string

const (
	AcceptAll    DecisionKind = "all"
	AcceptNone   DecisionKind = "none"
	AcceptSubset DecisionKind = "subset"
)

// Decision is the result of presenting drafts at the approval gate.
// Positions are 1-based and ordered; they are only set for AcceptSubset.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	Positions []int        `json:"positions,omitempty"`
}

// Selected returns the drafts chosen by the decision, in decision order.
func (d Decision) Selected(drafts []DraftTicket) []DraftTicket {
	switch d.Kind {
	case AcceptAll:
		return drafts
	case AcceptSubset:
		out := make([]DraftTicket, 0, len(d.Positions))
		for _, p := range d.Positions {
			if p >= 1 && p <= len(drafts) {
				out = append(out, drafts[p-1])
			}
		}
		return out
	default:
		return nil
	}
}

// Gate blocks until a decision is made about a set of drafts. Interactive,
// auto-accept and auto-reject are all Gates; the pipeline does not know which
// one it has.
type Gate interface {
	Present(ctx context.Context, drafts []DraftTicket) (Decision, error)
}

// GateFunc adapts a plain function to Gate.
type GateFunc func(ctx context.Context, drafts []DraftTicket) (Decision, error)

// Present implements Gate.
func (f GateFunc) Present(ctx context.Context, drafts []DraftTicket) (Decision, error) {
	return f(ctx, drafts)
}

// AutoAccept approves every draft. For unattended runs.
var AutoAccept Gate = GateFunc(func(context.Context, []DraftTicket) (Decision, error) {
	return Decision{Kind: AcceptAll}, nil
})

// AutoReject approves nothing. For unattended dry runs.
var AutoReject Gate = GateFunc(func(context.Context, []DraftTicket) (Decision, error) {
	return Decision{Kind: AcceptNone}, nil
})

// ParseDecision interprets an operator answer: "a"/"all", "n"/"none"/"" or a
// list of 1-based positions separated by commas or spaces. Positions must be
// in range and unique; anything else wraps ErrInvalidSelection.
func ParseDecision(input string, n int) (Decision, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "a", "all", "y", "yes":
		return Decision{Kind: AcceptAll}, nil
	case "", "n", "none", "no":
		return Decision{Kind: AcceptNone}, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	seen := make(map[int]bool, len(fields))
	positions := make([]int, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.Atoi(f)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %q is not a number", ErrInvalidSelection, f)
		}
		if p < 1 || p > n {
			return Decision{}, fmt.Errorf("%w: %d is out of range 1..%d", ErrInvalidSelection, p, n)
		}
		if seen[p] {
			return Decision{}, fmt.Errorf("%w: %d selected twice", ErrInvalidSelection, p)
		}
		seen[p] = true
		positions = append(positions, p)
	}
	if len(positions) == 0 {
		return Decision{}, fmt.Errorf("%w: no positions given", ErrInvalidSelection)
	}
	return Decision{Kind: AcceptSubset, Positions: positions}, nil
}

// PromptGate asks an operator on a line-oriented terminal. Invalid selections
// are reported and the prompt repeats. End of input is treated as "none".
// Cancelling ctx abandons the prompt even while a read is pending; the reader
// goroutine then exits once In returns.
type PromptGate struct {
	In  io.Reader
	Out io.Writer
}

// Present implements Gate.
func (g PromptGate) Present(ctx context.Context, drafts []DraftTicket) (Decision, error) {
	for i, d := range drafts {
		_, _ = fmt.Fprintf(g.Out, "\n[%d] %s  (%s, %d events)\n%s", i+1, d.MessageTemplate, d.Classification, d.Count, d.Body)
	}

	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(g.In, done)

	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		_, _ = fmt.Fprintf(g.Out, "\nCreate tickets? [a]ll, [n]one, or numbers (e.g. 1,3): ")

		var line string
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return Decision{}, fmt.Errorf("read selection: %w", err)
				}
				return Decision{Kind: AcceptNone}, nil
			}
			line = l
		}

		d, err := ParseDecision(line, len(drafts))
		if err != nil {
			_, _ = fmt.Fprintf(g.Out, "%v\n", err)
			continue
		}
		return d, nil
	}
}

// readLines scans r on its own goroutine. readErr receives the scanner error
// (nil at EOF) before lines is closed. Closing done stops delivery.
func readLines(r io.Reader, done <-chan struct{}) (lines <-chan string, readErr <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-done:
				return
			}
		}
		errc <- sc.Err()
	}()
	return out, errc
}
