// Package statusapi serves the read-only operational API: current agent
// status and the most recent cycle's statistics.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/threatfeed/internal/agent"
)

// AgentStatus defines the agent state the API reads. The API never mutates
// the agent.
type AgentStatus interface {
	LastCycle() *agent.CycleStats
	BudgetRemaining(ctx context.Context) (float64, error)
	BudgetCap() float64
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	agent   AgentStatus
	started time.Time
}

// New creates a new API handler.
func New(logger log.Logger, ag AgentStatus) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if ag == nil {
		panic(xerrors.New("agent is required"))
	}
	return &API{
		logger:  logger,
		agent:   ag,
		started: time.Now(),
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/cycles/latest", a.handleLatestCycle)
	})
}

type statusResponse struct {
	UptimeSeconds      float64    `json:"uptime_seconds"`
	BudgetCapUSD       float64    `json:"budget_cap_usd"`
	BudgetRemainingUSD float64    `json:"budget_remaining_usd"`
	SpikeMode          bool       `json:"spike_mode"`
	LastCycleID        string     `json:"last_cycle_id,omitempty"`
	LastCycleAt        *time.Time `json:"last_cycle_at,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	remaining, err := a.agent.BudgetRemaining(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read budget")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		UptimeSeconds:      time.Since(a.started).Seconds(),
		BudgetCapUSD:       a.agent.BudgetCap(),
		BudgetRemainingUSD: remaining,
	}
	if last := a.agent.LastCycle(); last != nil {
		resp.SpikeMode = last.SpikeMode
		resp.LastCycleID = last.ID
		resp.LastCycleAt = &last.StartedAt
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	last := a.agent.LastCycle()
	if last == nil {
		http.Error(w, `{"error":"no cycle completed yet"}`, http.StatusNotFound)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("threatfeed.cycle.id", last.ID))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(last)
}
