package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner drives the engine from external triggers only: a cron timer and
// manual Trigger calls. It never reschedules itself based on results.
type Runner struct {
	engine   *Engine
	cronSpec string

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastPassUnixNano    atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalPasses         atomic.Int64
	totalChecked        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewRunner(engine *Engine, cronSpec string) *Runner {
	if cronSpec == "" {
		cronSpec = "*/5 * * * *"
	}
	return &Runner{
		engine:            engine,
		cronSpec:          cronSpec,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// Trigger requests an immediate pass (best-effort, non-blocking).
func (r *Runner) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastPassAt    *time.Time `json:"lastPassAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalPasses   int64      `json:"totalPasses"`
	TotalChecked  int64      `json:"totalChecked"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalPasses:  r.totalPasses.Load(),
		TotalChecked: r.totalChecked.Load(),
		TotalErrors:  r.totalErrors.Load(),
	}
	if n := r.lastPassUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastPassAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Runner) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.cronSpec, r.Trigger)
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.triggerCh:
			r.runPass(ctx)
		}
	}
}

func (r *Runner) runPass(ctx context.Context) {
	r.lastPassUnixNano.Store(time.Now().UTC().UnixNano())
	checked, err := r.engine.RunOnce(ctx)
	r.totalPasses.Add(1)
	r.totalChecked.Add(int64(checked))
	if err != nil {
		r.totalErrors.Add(1)
		r.lastErrorMu.Lock()
		r.lastError = err.Error()
		r.lastErrorMu.Unlock()
		slog.Error("reconciliation pass", "error", err.Error())
		return
	}
	slog.Info("reconciliation pass done", "checked", checked)
}
