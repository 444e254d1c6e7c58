package commands

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rangerd/rangerd/pkg/reconcile"
	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/store"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// dependencySummary is the status view of one registry entry. Attributes
// stay out: they carry credentials.
type dependencySummary struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statusResponse struct {
	Phase        string              `json:"phase"`
	Satisfied    bool                `json:"satisfied"`
	LastPass     reconcile.Outcome   `json:"last_pass"`
	Dependencies []dependencySummary `json:"dependencies"`
}

// newAdminServer builds the HTTP endpoint carrying health, status and
// metrics.
func newAdminServer(addr string, loop *reconcile.Loop, reg *registry.Registry, st *store.Store, metrics *telemetry.Metrics) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := reg.Snapshot()
		deps := snap.All()
		summaries := make([]dependencySummary, 0, len(deps))
		for _, d := range deps {
			summaries = append(summaries, dependencySummary{
				Kind:      string(d.Kind),
				ID:        d.ID,
				State:     string(d.State),
				UpdatedAt: d.UpdatedAt,
			})
		}

		resp := statusResponse{
			Phase:        string(loop.Phase()),
			Satisfied:    snap.Satisfied(),
			LastPass:     loop.Status(),
			Dependencies: summaries,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
