package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatfeed/internal/agent"
)

type stubAgent struct {
	last      *agent.CycleStats
	remaining float64
	cap       float64
	budgetErr error
}

func (s *stubAgent) LastCycle() *agent.CycleStats { return s.last }
func (s *stubAgent) BudgetRemaining(context.Context) (float64, error) {
	return s.remaining, s.budgetErr
}
func (s *stubAgent) BudgetCap() float64 { return s.cap }

func newTestServer(t *testing.T, ag AgentStatus) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	New(log.Nop(), ag).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	ag := &stubAgent{
		remaining: 3.25,
		cap:       5,
		last: &agent.CycleStats{
			ID:        "01TESTCYCLE",
			StartedAt: started,
			SpikeMode: true,
		},
	}
	server := newTestServer(t, ag)

	resp, err := http.Get(server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		BudgetCapUSD       float64 `json:"budget_cap_usd"`
		BudgetRemainingUSD float64 `json:"budget_remaining_usd"`
		SpikeMode          bool    `json:"spike_mode"`
		LastCycleID        string  `json:"last_cycle_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.BudgetCapUSD != 5 || body.BudgetRemainingUSD != 3.25 {
		t.Errorf("budget = %v/%v, want 3.25/5", body.BudgetRemainingUSD, body.BudgetCapUSD)
	}
	if !body.SpikeMode {
		t.Error("spike_mode should reflect the last cycle")
	}
	if body.LastCycleID != "01TESTCYCLE" {
		t.Errorf("last_cycle_id = %q", body.LastCycleID)
	}
}

func TestHandleStatusBudgetError(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &stubAgent{budgetErr: errors.New("db gone")})

	resp, err := http.Get(server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHandleLatestCycle(t *testing.T) {
	t.Parallel()

	ag := &stubAgent{last: &agent.CycleStats{
		ID:        "01TESTCYCLE",
		Collected: 42,
		Notified:  3,
	}}
	server := newTestServer(t, ag)

	resp, err := http.Get(server.URL + "/api/v1/cycles/latest")
	if err != nil {
		t.Fatalf("GET /cycles/latest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats agent.CycleStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ID != "01TESTCYCLE" || stats.Collected != 42 || stats.Notified != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleLatestCycleNoneYet(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &stubAgent{})

	resp, err := http.Get(server.URL + "/api/v1/cycles/latest")
	if err != nil {
		t.Fatalf("GET /cycles/latest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
