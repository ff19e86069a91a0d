// Package engine runs hardware batch jobs as step machines driven by a
// single background tick loop. One job per category may be active at a
// time; terminal jobs are published to a history sink.
package engine

import (
	"context"
	"log/slog"
	"time"

	"batchengine/internal/apperrors"
	"batchengine/internal/config"
	"batchengine/internal/hardware"
	"batchengine/internal/history"
)

// MetricsRecorder is an optional interface for recording engine metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, category string)
	RecordJobFinished(ctx context.Context, category, outcome string, durationSeconds float64)
	RecordJobsActive(ctx context.Context, count int64)
	RecordTick(ctx context.Context, durationSeconds float64)
}

// Config holds engine tuning.
type Config struct {
	TickInterval time.Duration // cadence of the background loop (default: 500ms)
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	return c
}

// Engine owns the job registry and the tick loop. All machine advances
// happen on the loop goroutine; Start* calls only run the validation
// step, which touches no hardware.
type Engine struct {
	system    *config.System
	transport hardware.Transport
	sink      history.Sink
	metrics   MetricsRecorder
	reg       *registry
	cfg       Config

	now    func() time.Time
	logger *slog.Logger
}

// New creates an engine. sink and metrics may be nil.
func New(sys *config.System, transport hardware.Transport, sink history.Sink, metrics MetricsRecorder, cfg Config) *Engine {
	return &Engine{
		system:    sys,
		transport: transport,
		sink:      sink,
		metrics:   metrics,
		reg:       newRegistry(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    slog.With("component", "engine"),
	}
}

// StartFill begins filling a tank with a target volume of water.
func (e *Engine) StartFill(ctx context.Context, tank int, volume float64) (*Snapshot, error) {
	target := Target{Tank: tank, Volume: volume}
	return e.start(ctx, CategoryFill, func() machine {
		return newFillMachine(e.system, e.transport, e.now, target)
	})
}

// StartMix begins a nutrient mix cycle in a tank.
func (e *Engine) StartMix(ctx context.Context, tank int) (*Snapshot, error) {
	target := Target{Tank: tank}
	return e.start(ctx, CategoryMix, func() machine {
		return newMixMachine(e.system, e.transport, e.now, target)
	})
}

// StartSend begins transferring a volume from a source tank to a
// destination tank.
func (e *Engine) StartSend(ctx context.Context, tank, destination int, volume float64) (*Snapshot, error) {
	target := Target{Tank: tank, Volume: volume, Destination: destination}
	return e.start(ctx, CategorySend, func() machine {
		return newSendMachine(e.system, e.transport, e.now, target)
	})
}

// start reserves the category slot, builds the machine, and runs its
// validation step synchronously. An invalid request never becomes
// visible as a job: the slot is released before the error returns.
func (e *Engine) start(ctx context.Context, cat Category, build func() machine) (*Snapshot, error) {
	if err := e.reg.reserve(cat); err != nil {
		return nil, err
	}

	m := build()
	if outcome := m.advance(ctx); outcome == OutcomeFailed {
		e.reg.release(cat)
		return nil, m.failure()
	}

	e.reg.commit(cat, m)

	snap := m.record().Snapshot()
	if e.metrics != nil {
		e.metrics.RecordJobStarted(ctx, string(cat))
	}
	e.logger.Info("Job started", "category", cat, "jobId", snap.ID, "tank", snap.Target.Tank)
	return snap, nil
}

// Stop requests cooperative termination of the active job in a
// category. The stop takes effect on the next tick; hardware cleanup
// runs before the job reports stopped.
func (e *Engine) Stop(cat Category) (*Snapshot, error) {
	m, ok := e.reg.get(cat)
	if !ok {
		return nil, apperrors.NotFound("job", string(cat))
	}

	m.requestStop()
	snap := m.record().Snapshot()
	e.logger.Info("Stop requested", "category", cat, "jobId", snap.ID)
	return snap, nil
}

// Status returns the active job in a category.
func (e *Engine) Status(cat Category) (*Snapshot, error) {
	m, ok := e.reg.get(cat)
	if !ok {
		return nil, apperrors.NotFound("job", string(cat))
	}
	return m.record().Snapshot(), nil
}

// StatusAll returns all active jobs in stable category order.
func (e *Engine) StatusAll() []*Snapshot {
	machines := e.reg.active()
	out := make([]*Snapshot, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.record().Snapshot())
	}
	return out
}

// Tick advances every active machine once and finalizes any that
// reached a terminal state. Exactly one goroutine may call Tick.
func (e *Engine) Tick(ctx context.Context) {
	start := e.now()

	for _, m := range e.reg.active() {
		outcome := m.advance(ctx)
		if outcome == OutcomeContinue {
			continue
		}
		e.reg.release(m.record().Category())
		e.finalize(ctx, m)
	}

	if e.metrics != nil {
		e.metrics.RecordTick(ctx, e.now().Sub(start).Seconds())
		e.metrics.RecordJobsActive(ctx, int64(len(e.reg.active())))
	}
}

// finalize publishes a terminal job to the history sink.
func (e *Engine) finalize(ctx context.Context, m machine) {
	snap := m.record().Snapshot()

	endedAt := e.now()
	if snap.EndedAt != nil {
		endedAt = *snap.EndedAt
	}

	entry := history.Entry{
		ID:          snap.ID,
		Category:    string(snap.Category),
		Tank:        snap.Target.Tank,
		Volume:      snap.Target.Volume,
		Destination: snap.Target.Destination,
		Outcome:     string(snap.Status),
		Error:       snap.Error,
		StartedAt:   snap.StartedAt,
		EndedAt:     endedAt,
		Duration:    endedAt.Sub(snap.StartedAt).Seconds(),
	}
	if e.sink != nil {
		e.sink.Record(entry)
	}
	if e.metrics != nil {
		e.metrics.RecordJobFinished(ctx, entry.Category, entry.Outcome, entry.Duration)
	}
	e.logger.Info("Job finished",
		"category", snap.Category,
		"jobId", snap.ID,
		"outcome", snap.Status,
		"durationSeconds", entry.Duration,
	)
}

// Run drives the tick loop until ctx is cancelled. On shutdown it
// requests a stop on every active job and runs one final tick so each
// machine safes its hardware before the process exits.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info("Tick loop started", "interval", e.cfg.TickInterval)

	// Cancellation stops the loop, never a tick in flight: a cancel
	// observed inside a step body would fail a healthy job.
	tickCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.Tick(tickCtx)
		}
	}
}

// shutdown stops all active jobs and runs a final tick with a fresh
// context so cleanup commands still reach the hardware.
func (e *Engine) shutdown() {
	active := e.reg.active()
	if len(active) == 0 {
		e.logger.Info("Tick loop stopped")
		return
	}

	e.logger.Info("Stopping active jobs for shutdown", "count", len(active))
	for _, m := range active {
		m.requestStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Tick(ctx)

	e.logger.Info("Tick loop stopped")
}

// Ready reports whether the hardware controller is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.transport.Ping(ctx)
}
