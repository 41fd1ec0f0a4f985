package reviewapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sieve/internal/authmw"
	"github.com/linnemanlabs/sieve/internal/triage"
)

// API serves the review endpoints for a Gate.
type API struct {
	logger    log.Logger
	gate      *Gate
	reviewers authmw.Reviewers
}

// New creates the review API. reviewers must not be empty.
func New(logger log.Logger, gate *Gate, reviewers authmw.Reviewers) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if gate == nil {
		panic(xerrors.New("review gate is required"))
	}
	if len(reviewers) == 0 {
		panic(xerrors.New("at least one reviewer token is required"))
	}
	return &API{
		logger:    logger,
		gate:      gate,
		reviewers: reviewers,
	}
}

// RegisterRoutes attaches the authenticated review endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerTokens(a.reviewers))
		r.Get("/drafts", a.handleListDrafts)
		r.Post("/decision", a.handleDecision)
	})
}

type draftView struct {
	Position        int                   `json:"position"`
	TemplateID      string                `json:"templateId"`
	MessageTemplate string                `json:"messageTemplate"`
	Count           int                   `json:"count"`
	Classification  triage.Classification `json:"classification"`
	SuggestedAction string                `json:"suggestedAction"`
	Body            string                `json:"body"`
}

type draftsResponse struct {
	WaitingSince time.Time   `json:"waitingSince"`
	Drafts       []draftView `json:"drafts"`
}

type decisionRequest struct {
	Selection string `json:"selection"`
}

func (a *API) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	rd, ok := a.gate.snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no drafts awaiting review")
		return
	}

	resp := draftsResponse{WaitingSince: rd.openedAt.UTC(), Drafts: make([]draftView, 0, len(rd.drafts))}
	for i, d := range rd.drafts {
		resp.Drafts = append(resp.Drafts, draftView{
			Position:        i + 1,
			TemplateID:      d.TemplateID,
			MessageTemplate: d.MessageTemplate,
			Count:           d.Count,
			Classification:  d.Classification,
			SuggestedAction: d.SuggestedAction,
			Body:            d.Body,
		})
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("sieve.review.drafts", len(rd.drafts)))
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reviewer, _ := authmw.ReviewerFromContext(ctx)

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rd, ok := a.gate.snapshot()
	if !ok {
		writeError(w, http.StatusConflict, "no drafts awaiting review")
		return
	}

	d, err := triage.ParseDecision(req.Selection, len(rd.drafts))
	if err != nil {
		if errors.Is(err, triage.ErrInvalidSelection) {
			a.logger.Warn(ctx, "rejected review selection", "reviewer", reviewer, "selection", req.Selection, "error", err)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !a.gate.decide(rd, d) {
		writeError(w, http.StatusConflict, "drafts were already decided")
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("sieve.review.reviewer", reviewer),
		attribute.String("sieve.review.decision", string(d.Kind)),
	)
	a.logger.Info(ctx, "review decision accepted", "reviewer", reviewer, "kind", d.Kind, "positions", d.Positions)
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
