package health

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"lv-tradedesk/internal/httputil"
	"lv-tradedesk/internal/revaluation"
)

// Check probes one dependency. A nil error means reachable.
type Check func(ctx context.Context) error

// TickSource exposes the revaluation loop state.
type TickSource interface {
	IsRunning() bool
	LastTick() revaluation.TickReport
}

type Handler struct {
	checks    map[string]Check
	ticks     TickSource
	interval  time.Duration
	startedAt time.Time
	timeout   time.Duration
	now       func() time.Time
}

func NewHandler(startedAt time.Time, ticks TickSource, interval time.Duration, checks map[string]Check) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		checks:    checks,
		ticks:     ticks,
		interval:  interval,
		startedAt: start,
		timeout:   time.Second,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type dependencyStat struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type revaluationStat struct {
	Running  bool   `json:"running"`
	LastTick string `json:"last_tick,omitempty"`
	Active   int    `json:"active"`
	Valued   int    `json:"valued"`
	Failed   int    `json:"failed"`
	Stalled  bool   `json:"stalled"`
	Error    string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status       string           `json:"status"`
	Timestamp    string           `json:"timestamp"`
	UptimeSec    int64            `json:"uptime_sec"`
	Goroutines   int              `json:"goroutines"`
	Dependencies []dependencyStat `json:"dependencies"`
	Revaluation  *revaluationStat `json:"revaluation,omitempty"`
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
	})
}

// Ready pings every dependency and inspects the revaluation loop. Any
// unreachable dependency or a stalled loop answers 503.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := readinessResponse{
		Status:     "ok",
		Timestamp:  now.Format(time.RFC3339),
		UptimeSec:  int64(h.uptime(now).Seconds()),
		Goroutines: runtime.NumGoroutine(),
	}
	healthy := true

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stat := h.probe(r.Context(), name, h.checks[name])
		if !stat.Reachable {
			healthy = false
		}
		resp.Dependencies = append(resp.Dependencies, stat)
	}

	if h.ticks != nil {
		rs := h.revaluation(now)
		if rs.Stalled {
			healthy = false
		}
		resp.Revaluation = &rs
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) probe(ctx context.Context, name string, check Check) dependencyStat {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	err := check(ctx)
	stat := dependencyStat{Name: name, Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
	if err != nil {
		stat.Error = err.Error()
	}
	return stat
}

func (h *Handler) revaluation(now time.Time) revaluationStat {
	last := h.ticks.LastTick()
	rs := revaluationStat{
		Running: h.ticks.IsRunning(),
		Active:  last.Active,
		Valued:  last.Valued,
		Failed:  last.Failed,
	}
	if last.Err != nil {
		rs.Error = last.Err.Error()
	}
	if !last.At.IsZero() {
		rs.LastTick = last.At.Format(time.RFC3339)
	}
	// three missed intervals while running
	if rs.Running && h.interval > 0 && !last.At.IsZero() && now.Sub(last.At) > 3*h.interval {
		rs.Stalled = true
	}
	return rs
}
