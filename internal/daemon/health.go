package daemon

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents daemon health.
type HealthStatus struct {
	Status          string        `json:"status"`
	Uptime          time.Duration `json:"-"`
	UptimeSeconds   int64         `json:"uptime_seconds"`
	Identities      int           `json:"identities"`
	Structures      int           `json:"structures"`
	PendingLookups  int           `json:"pending_lookups"`
	BudgetRemaining *int          `json:"budget_remaining"`
	Throttled       bool          `json:"throttled"`
}

// Health returns the current status. A throttled error budget reports
// "degraded".
func (d *Daemon) Health() HealthStatus {
	uptime := time.Since(d.startTime)
	h := HealthStatus{
		Status:         "healthy",
		Uptime:         uptime,
		UptimeSeconds:  int64(uptime.Seconds()),
		Identities:     d.registry.Len(),
		Structures:     d.lookups.Len(),
		PendingLookups: d.lookups.QueueLen(),
		Throttled:      d.tracker.IsThrottled(),
	}
	if remaining, ok := d.tracker.CurrentRemaining(); ok {
		h.BudgetRemaining = &remaining
	}
	if h.Throttled {
		h.Status = "degraded"
	}
	return h
}

// Handler serves /metrics and the health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if h := d.telemetry.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if d.Health().Throttled {
			http.Error(w, "error budget throttled", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}
