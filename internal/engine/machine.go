package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"batchengine/internal/apperrors"
	"batchengine/internal/hardware"
)

// stepResult is what a step body reports for one tick.
type stepResult int

const (
	// stepWait means the step is not finished; stay on it next tick.
	stepWait stepResult = iota
	// stepAdvance means the step finished; move to the next one.
	stepAdvance
)

// step is one named unit of a machine's sequence.
type step struct {
	name string
	run  func(ctx context.Context) (stepResult, error)
}

// Outcome is the result of one advance() call seen by the tick loop.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeDone
	OutcomeFailed
	OutcomeStopped
)

// machine is the uniform contract the tick loop drives. Exactly one
// tick goroutine ever calls advance; requestStop may be called from
// any goroutine.
type machine interface {
	advance(ctx context.Context) Outcome
	requestStop()
	record() *Record
	failure() error
}

// stepMachine is the shared executor embedded by the fill, mix, and
// send machines. It runs the current step body once per tick, tracks
// completed steps and coarse progress, and guarantees cleanup runs
// exactly once on failure or an operator stop.
type stepMachine struct {
	rec       *Record
	transport hardware.Transport
	steps     []step
	idx       int

	// cleanupFn safes the hardware. It must be idempotent and is set
	// by the concrete machine before the first advance.
	cleanupFn func(ctx context.Context)

	cleanupRan    bool
	stopRequested atomic.Bool
	lastErr       error

	logger *slog.Logger
	now    func() time.Time
}

func (m *stepMachine) record() *Record { return m.rec }
func (m *stepMachine) failure() error  { return m.lastErr }

// requestStop asks for cooperative termination. It takes effect at the
// top of the next advance call.
func (m *stepMachine) requestStop() {
	m.stopRequested.Store(true)
}

// advance executes one tick of the machine.
func (m *stepMachine) advance(ctx context.Context) Outcome {
	if m.stopRequested.Load() {
		m.runCleanup(ctx)
		m.rec.finish(StatusStopped, "", m.now())
		m.logger.Info("Job stopped", "step", m.currentStepName())
		return OutcomeStopped
	}

	if m.idx >= len(m.steps) {
		return OutcomeDone
	}

	cur := m.steps[m.idx]
	res, err := m.runStep(ctx, cur)
	if err != nil {
		m.lastErr = err
		// Validation failures happen before any hardware is engaged,
		// so there is nothing to safe.
		if !errors.Is(err, apperrors.ErrValidation) {
			m.runCleanup(ctx)
		}
		m.rec.finish(StatusFailed, err.Error(), m.now())
		m.logger.Error("Step failed", "step", cur.name, "error", err)
		return OutcomeFailed
	}

	if res == stepWait {
		return OutcomeContinue
	}

	m.rec.completeStep(cur.name)
	m.rec.clearTimer()
	m.idx++

	if m.idx == len(m.steps) {
		m.rec.setProgress(100)
		m.rec.finish(StatusCompleted, "", m.now())
		m.logger.Info("Job completed")
		return OutcomeDone
	}

	m.rec.setStep(m.steps[m.idx].name)
	m.rec.setProgress(m.stepProgress(0))
	return OutcomeContinue
}

// runStep invokes a step body, converting panics into internal errors
// so a bug in one machine never kills the tick loop.
func (m *stepMachine) runStep(ctx context.Context, s step) (res stepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = stepWait
			err = apperrors.Internal(fmt.Sprintf("step %s", s.name), fmt.Errorf("panic: %v", r))
		}
	}()
	return s.run(ctx)
}

// runCleanup invokes the machine's cleanup exactly once. Cleanup never
// raises; command failures are logged by sendCleanup. While the machine
// is still on its validation step no hardware has been engaged, so
// there is nothing to safe and the actuator references may be unset.
func (m *stepMachine) runCleanup(ctx context.Context) {
	if m.cleanupRan || m.cleanupFn == nil || m.idx == 0 {
		return
	}
	m.cleanupRan = true
	// Safing commands must reach the hardware even when the context
	// that triggered the failure is already cancelled.
	m.cleanupFn(context.WithoutCancel(ctx))
}

// stepProgress interpolates overall progress for the current step.
// frac is how far through the current step the job is, 0..1.
func (m *stepMachine) stepProgress(frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	total := float64(len(m.steps))
	return (float64(m.idx) + frac) / total * 100
}

func (m *stepMachine) currentStepName() string {
	if m.idx < len(m.steps) {
		return m.steps[m.idx].name
	}
	return ""
}

// send issues a transport command from a step body, wrapping failures
// in the hardware error class.
func (m *stepMachine) send(ctx context.Context, op, cmd string) error {
	if _, err := m.transport.SendCommand(ctx, cmd); err != nil {
		return apperrors.Hardware(op, err)
	}
	return nil
}

// sendCleanup issues a transport command during cleanup. Errors are
// logged, never propagated.
func (m *stepMachine) sendCleanup(ctx context.Context, cmd string) {
	if _, err := m.transport.SendCommand(ctx, cmd); err != nil {
		m.logger.Warn("Cleanup command failed", "command", cmd, "error", err)
	}
}

// timedWait implements the shared countdown pattern for fixed-duration
// wait steps. started points at the machine's step-local start time;
// the first tick records it, later ticks recompute the remaining time.
// onTick, when set, runs every tick while the timer counts down.
func (m *stepMachine) timedWait(ctx context.Context, started *time.Time, duration time.Duration, onTick func(ctx context.Context) error) (stepResult, error) {
	if started.IsZero() {
		*started = m.now()
		m.rec.setTimer(duration.Seconds())
		if onTick != nil {
			if err := onTick(ctx); err != nil {
				return stepWait, err
			}
		}
		return stepWait, nil
	}

	if onTick != nil {
		if err := onTick(ctx); err != nil {
			return stepWait, err
		}
	}

	elapsed := m.now().Sub(*started)
	remaining := duration - elapsed
	if remaining <= 0 {
		m.rec.setTimer(0)
		return stepAdvance, nil
	}

	m.rec.setTimer(remaining.Seconds())
	m.rec.setProgress(m.stepProgress(elapsed.Seconds() / duration.Seconds()))
	return stepWait, nil
}
