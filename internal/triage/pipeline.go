package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sieve/internal/triage")

// State tracks where a run is in the pipeline.
type State string

const (
	// StateLoading reads the suppression ledger before any backend work.
	StateLoading State = "loading_ledger"

	// StateFetching queries the log backend and groups events by template.
	StateFetching State = "fetching"

	// StateFiltering drops templates below the minimum count or already in the ledger.
	StateFiltering State = "filtering"

	// StateClassifying assigns a category to each new template.
	StateClassifying State = "classifying"

	// StateDrafting composes ticket drafts for non-transient templates.
	StateDrafting State = "drafting"

	// StateAwaitingApproval blocks on the approval gate.
	StateAwaitingApproval State = "awaiting_approval"

	// StatePublishing creates tickets for approved drafts.
	StatePublishing State = "publishing"

	// StateDone is terminal, whether or not anything was published.
	StateDone State = "done"
)

// Config is the per-run configuration. It is passed in explicitly so runs
// with different settings can coexist.
type Config struct {
	Level                string
	WindowHours          int
	ReferenceWindowHours int
	MinimumCount         int
	MaxTemplates         int
	SampleSize           int
	MaxEvents            int
}

// PipelineHooks receives callbacks at key points during a run. All fields are
// optional; nil funcs are skipped.
type PipelineHooks struct {
	OnPhase      func(state State, durationSeconds float64)
	OnClassified func(c Classification)
	OnOutcome    func(status OutcomeStatus)
	OnComplete   func(s *RunSummary)

	// PhaseContext, if set, decorates the context handed to each phase.
	PhaseContext func(ctx context.Context, state State) context.Context
}

// Pipeline sequences the triage stages for one run.
type Pipeline struct {
	cfg        Config
	source     EventSource
	ledger     Ledger
	classifier Classifier
	composer   Composer
	gate       Gate
	publisher  *Publisher
	logger     log.Logger
	hooks      PipelineHooks
	now        func() time.Time
}

// NewPipeline wires a pipeline. If source also implements FilterBuilder, drafts
// carry a query in the backend's native syntax.
func NewPipeline(cfg Config, source EventSource, ledger Ledger, classifier Classifier, gate Gate, publisher *Publisher, logger log.Logger, hooks PipelineHooks) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	composer := Composer{
		WindowHours:          cfg.WindowHours,
		ReferenceWindowHours: cfg.ReferenceWindowHours,
	}
	if fb, ok := source.(FilterBuilder); ok {
		composer.Filter = fb
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		ledger:     ledger,
		classifier: classifier,
		composer:   composer,
		gate:       gate,
		publisher:  publisher,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// run carries the mutable state of one Run call.
type run struct {
	summary *RunSummary
	logger  log.Logger
	known   *Suppressions
}

// Run executes one pass of the pipeline. Fatal errors are returned as
// *PhaseError; per-template failures are recorded in the summary.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := p.now()
	runID := ulid.Make().String()

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("sieve.run.id", runID),
	))
	defer span.End()

	end := start.UTC()
	r := &run{
		summary: &RunSummary{
			RunID:       runID,
			WindowStart: end.Add(-time.Duration(p.cfg.WindowHours) * time.Hour),
			WindowEnd:   end,
			StartedAt:   start,
		},
		logger: p.logger.With("run_id", runID),
	}

	err := p.execute(ctx, r)
	r.summary.CompletedAt = p.now()
	r.summary.Duration = r.summary.CompletedAt.Sub(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error(ctx, err, "triage run aborted", "state", r.summary.State)
		return r.summary, err
	}

	r.summary.State = StateDone
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(r.summary)
	}
	r.logger.Info(ctx, "triage run complete",
		"events", r.summary.EventsFetched,
		"considered", r.summary.Considered,
		"suppressed", r.summary.Suppressed,
		"succeeded", r.summary.Succeeded,
		"failed", r.summary.Failed,
		"skipped", r.summary.Skipped,
		"duration", r.summary.Duration,
	)
	return r.summary, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := p.phase(ctx, r, StateLoading, p.loadLedger); err != nil {
		return err
	}

	var events []ErrorEvent
	if err := p.phase(ctx, r, StateFetching, func(ctx context.Context, r *run) error {
		var err error
		events, err = p.fetch(ctx, r)
		return err
	}); err != nil {
		return err
	}

	var groups []TemplateGroup
	_ = p.phase(ctx, r, StateFiltering, func(ctx context.Context, r *run) error {
		groups = p.filter(ctx, r, events)
		return nil
	})

	var pending []TemplateGroup
	var classes []Classification
	_ = p.phase(ctx, r, StateClassifying, func(ctx context.Context, r *run) error {
		pending, classes = p.classify(ctx, r, groups)
		return nil
	})

	var drafts []DraftTicket
	_ = p.phase(ctx, r, StateDrafting, func(_ context.Context, r *run) error {
		drafts = make([]DraftTicket, 0, len(pending))
		for i, g := range pending {
			drafts = append(drafts, p.composer.Compose(g, classes[i]))
		}
		r.summary.Drafts = len(drafts)
		return nil
	})

	if len(drafts) == 0 {
		r.logger.Info(ctx, "no drafts to review")
		return nil
	}

	var decision Decision
	if err := p.phase(ctx, r, StateAwaitingApproval, func(ctx context.Context, r *run) error {
		var err error
		decision, err = p.gate.Present(ctx, drafts)
		if err != nil {
			return fmt.Errorf("approval gate: %w", err)
		}
		r.logger.Info(ctx, "approval decision", "kind", decision.Kind, "positions", decision.Positions)
		return nil
	}); err != nil {
		return err
	}

	return p.phase(ctx, r, StatePublishing, func(ctx context.Context, r *run) error {
		p.publish(ctx, r, drafts, decision)
		return nil
	})
}

// phase runs fn inside a span and reports its duration. A returned error is
// wrapped in a PhaseError naming the state.
func (p *Pipeline) phase(ctx context.Context, r *run, state State, fn func(context.Context, *run) error) error {
	r.summary.State = state
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline."+string(state), trace.WithAttributes(
		attribute.String("sieve.run.id", r.summary.RunID),
	))
	defer span.End()

	if p.hooks.PhaseContext != nil {
		ctx = p.hooks.PhaseContext(ctx, state)
	}
	err := fn(ctx, r)
	if p.hooks.OnPhase != nil {
		p.hooks.OnPhase(state, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PhaseError{Phase: state, Err: err}
	}
	return nil
}

func (p *Pipeline) loadLedger(ctx context.Context, r *run) error {
	records, err := p.ledger.Load(ctx)
	if err != nil {
		return err
	}
	r.known = NewSuppressions(records)
	r.logger.Info(ctx, "ledger loaded", "records", len(records), "identities", r.known.Len())
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, r *run) ([]ErrorEvent, error) {
	events, err := p.source.Fetch(ctx, FetchRequest{
		Level:     p.cfg.Level,
		Start:     r.summary.WindowStart,
		End:       r.summary.WindowEnd,
		MaxEvents: p.cfg.MaxEvents,
	})
	if err != nil {
		return nil, err
	}
	if p.cfg.MaxEvents > 0 && len(events) > p.cfg.MaxEvents {
		events = events[:p.cfg.MaxEvents]
	}
	r.summary.EventsFetched = len(events)
	r.logger.Info(ctx, "events fetched",
		"count", len(events),
		"window_start", r.summary.WindowStart,
		"window_end", r.summary.WindowEnd,
	)
	return events, nil
}

// filter applies the minimum-count threshold, removes templates already in the
// ledger and only then ranks and truncates, so known templates never take a
// slot from new ones.
func (p *Pipeline) filter(ctx context.Context, r *run, events []ErrorEvent) []TemplateGroup {
	groups := GroupByTemplate(events, p.cfg.SampleSize)
	r.summary.Groups = len(groups)

	frequent := FilterByMinimumCount(groups, p.cfg.MinimumCount)
	r.summary.BelowMinimum = len(groups) - len(frequent)

	fresh := make([]TemplateGroup, 0, len(frequent))
	for _, g := range frequent {
		if r.known.IsKnown(g.TemplateID) {
			r.summary.AlreadyKnown++
			continue
		}
		fresh = append(fresh, g)
	}

	ranked := RankGroups(fresh, p.cfg.MaxTemplates)
	r.summary.Considered = len(ranked)
	r.logger.Info(ctx, "templates filtered",
		"groups", r.summary.Groups,
		"below_minimum", r.summary.BelowMinimum,
		"already_known", r.summary.AlreadyKnown,
		"considered", r.summary.Considered,
	)
	return ranked
}

// classify returns the non-transient groups alongside their classifications.
// Transient groups are written to the ledger immediately and never drafted.
func (p *Pipeline) classify(ctx context.Context, r *run, groups []TemplateGroup) ([]TemplateGroup, []Classification) {
	var pending []TemplateGroup
	var classes []Classification

	for _, g := range groups {
		c := p.classifier.Classify(g.Sample)
		if p.hooks.OnClassified != nil {
			p.hooks.OnClassified(c)
		}
		r.logger.Info(ctx, "template classified", "template_id", g.TemplateID, "count", g.Count, "classification", c)

		if c != Transient {
			pending = append(pending, g)
			classes = append(classes, c)
			continue
		}

		out := Outcome{
			TemplateID:      g.TemplateID,
			MessageTemplate: g.MessageTemplate(),
			Count:           g.Count,
			Classification:  c,
			Status:          OutcomeSuppressed,
		}
		rec := SuppressionRecord{
			TemplateID:      g.TemplateID,
			MessageTemplate: g.MessageTemplate(),
			Classification:  Transient,
			DateHandled:     p.now().UTC(),
			Notes:           fmt.Sprintf("Auto-suppressed as transient by run %s", r.summary.RunID),
		}
		if err := p.ledger.Append(ctx, rec); err != nil {
			r.logger.Error(ctx, err, "failed to record transient suppression", "template_id", g.TemplateID)
			out.Status = OutcomeFailed
			out.Error = err.Error()
			r.summary.Failed++
		} else {
			r.known.Add(rec)
			r.summary.Suppressed++
		}
		p.record(r, out)
	}
	return pending, classes
}

func (p *Pipeline) publish(ctx context.Context, r *run, drafts []DraftTicket, decision Decision) {
	selected := make(map[string]bool)
	for _, d := range decision.Selected(drafts) {
		selected[d.TemplateID] = true
		p.record(r, p.publishOne(ctx, r, d))
	}

	for _, d := range drafts {
		if selected[d.TemplateID] {
			continue
		}
		r.summary.Skipped++
		p.record(r, Outcome{
			TemplateID:      d.TemplateID,
			MessageTemplate: d.MessageTemplate,
			Count:           d.Count,
			Classification:  d.Classification,
			Status:          OutcomeSkipped,
		})
	}
}

func (p *Pipeline) publishOne(ctx context.Context, r *run, d DraftTicket) Outcome {
	out := Outcome{
		TemplateID:      d.TemplateID,
		MessageTemplate: d.MessageTemplate,
		Count:           d.Count,
		Classification:  d.Classification,
	}

	res := p.publisher.Publish(ctx, d)
	if !res.Success {
		r.logger.Error(ctx, res.Err, "ticket creation failed", "template_id", d.TemplateID)
		r.summary.Failed++
		out.Status = OutcomeFailed
		out.Error = res.Err.Error()
		return out
	}
	out.TicketKey = res.TicketKey

	rec := SuppressionRecord{
		TemplateID:      d.TemplateID,
		MessageTemplate: d.MessageTemplate,
		Classification:  d.Classification,
		DateHandled:     p.now().UTC(),
		TicketKey:       res.TicketKey,
		Notes:           fmt.Sprintf("Ticket %s created by run %s", res.TicketKey, r.summary.RunID),
	}
	if err := p.ledger.Append(ctx, rec); err != nil {
		err = errors.Join(fmt.Errorf("ticket %s created but not recorded", res.TicketKey), err)
		r.logger.Error(ctx, err, "failed to record published ticket", "template_id", d.TemplateID)
		r.summary.Failed++
		out.Status = OutcomeFailed
		out.Error = err.Error()
		return out
	}

	r.known.Add(rec)
	r.summary.Succeeded++
	out.Status = OutcomePublished
	r.logger.Info(ctx, "ticket published", "template_id", d.TemplateID, "ticket", res.TicketKey)
	return out
}

func (p *Pipeline) record(r *run, o Outcome) {
	r.summary.Outcomes = append(r.summary.Outcomes, o)
	if p.hooks.OnOutcome != nil {
		p.hooks.OnOutcome(o.Status)
	}
}
