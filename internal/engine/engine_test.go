package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"batchengine/internal/apperrors"
	"batchengine/internal/config"
	"batchengine/internal/hardware"
	"batchengine/internal/history"
)

// fakeClock is a manually advanced clock so timed steps finish without
// real sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingTransport wraps the simulator, logging every command and
// optionally failing on a command prefix or on flow status queries.
type recordingTransport struct {
	*hardware.SimTransport

	mu         sync.Mutex
	commands   []string
	failPrefix string
	failFlow   bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{SimTransport: hardware.NewSim()}
}

func (t *recordingTransport) SendCommand(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	fail := t.failPrefix != "" && strings.HasPrefix(cmd, t.failPrefix)
	t.mu.Unlock()

	if fail {
		return "", errors.New("controller rejected command")
	}
	return t.SimTransport.SendCommand(ctx, cmd)
}

func (t *recordingTransport) FlowStatus(ctx context.Context, meterID int) (hardware.FlowStatus, error) {
	t.mu.Lock()
	fail := t.failFlow
	t.mu.Unlock()

	if fail {
		return hardware.FlowStatus{}, errors.New("flow meter unresponsive")
	}
	return t.SimTransport.FlowStatus(ctx, meterID)
}

func (t *recordingTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

func (t *recordingTransport) setFailPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPrefix = prefix
}

func (t *recordingTransport) setFailFlow(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failFlow = fail
}

func testSystem() *config.System {
	sys := config.DefaultSystem()
	sys.Mix.InitialDelay = 1 * time.Second
	sys.Mix.FinalMix = 2 * time.Second
	sys.Mix.Recipe = []config.DoseStage{{Pump: 1, AmountML: 50}}
	return sys
}

func newTestEngine(t *testing.T) (*Engine, *recordingTransport, *history.Store, *fakeClock) {
	t.Helper()

	transport := newRecordingTransport()
	store := history.NewStore(50)
	clock := newFakeClock()

	e := New(testSystem(), transport, store, nil, Config{TickInterval: 500 * time.Millisecond})
	e.now = clock.Now
	return e, transport, store, clock
}

// runUntilDone ticks the engine, advancing the clock each tick, until
// the category slot frees up.
func runUntilDone(t *testing.T, e *Engine, clock *fakeClock, cat Category) {
	t.Helper()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if _, err := e.Status(cat); errors.Is(err, apperrors.ErrNotFound) {
			return
		}
		e.Tick(ctx)
		clock.Advance(1 * time.Second)
	}
	t.Fatalf("%s job did not reach a terminal state within 100 ticks", cat)
}

func TestStartFillRunsToCompletion(t *testing.T) {
	t.Parallel()

	e, transport, store, clock := newTestEngine(t)
	ctx := context.Background()

	snap, err := e.StartFill(ctx, 1, 50)
	if err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("status = %s, want %s", snap.Status, StatusRunning)
	}
	if len(snap.CompletedSteps) != 1 || snap.CompletedSteps[0] != "validate" {
		t.Errorf("completed steps after start = %v, want [validate]", snap.CompletedSteps)
	}

	runUntilDone(t, e, clock, CategoryFill)

	if transport.ValveOpen(1) {
		t.Error("fill valve still open after completion")
	}

	if store.Len() != 1 {
		t.Fatalf("history entries = %d, want 1", store.Len())
	}
	entry := store.Recent(1)[0]
	if entry.Outcome != "completed" {
		t.Errorf("outcome = %s, want completed", entry.Outcome)
	}
	if entry.ID != snap.ID {
		t.Errorf("history ID = %s, want %s", entry.ID, snap.ID)
	}
	if entry.Error != "" {
		t.Errorf("completed entry carries error %q", entry.Error)
	}

	wantSteps := []string{"VALVE OPEN 1", "FLOW START 1 50.00", "FLOW STOP 1", "VALVE CLOSE 1"}
	got := transport.sent()
	if len(got) != len(wantSteps) {
		t.Fatalf("commands = %v, want %v", got, wantSteps)
	}
	for i, cmd := range wantSteps {
		if got[i] != cmd {
			t.Errorf("command[%d] = %q, want %q", i, got[i], cmd)
		}
	}
}

func TestStartFillValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tank   int
		volume float64
	}{
		{name: "unknown tank", tank: 99, volume: 50},
		{name: "volume below minimum", tank: 1, volume: 0.1},
		{name: "volume exceeds capacity", tank: 1, volume: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, transport, _, _ := newTestEngine(t)

			_, err := e.StartFill(context.Background(), tt.tank, tt.volume)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("StartFill() error = %v, want validation error", err)
			}

			if len(transport.sent()) != 0 {
				t.Errorf("hardware touched on validation failure: %v", transport.sent())
			}

			// The slot must be free for a corrected retry.
			if _, err := e.StartFill(context.Background(), 1, 50); err != nil {
				t.Errorf("retry after validation failure: %v", err)
			}
		})
	}
}

func TestStartConflictsPerCategory(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}

	_, err := e.StartFill(ctx, 2, 50)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second StartFill() error = %v, want conflict", err)
	}

	// Other categories are independent slots.
	if _, err := e.StartMix(ctx, 2); err != nil {
		t.Errorf("StartMix() alongside fill: %v", err)
	}
	if _, err := e.StartSend(ctx, 1, 2, 10); err != nil {
		t.Errorf("StartSend() alongside fill: %v", err)
	}

	all := e.StatusAll()
	if len(all) != 3 {
		t.Fatalf("StatusAll() = %d jobs, want 3", len(all))
	}
	wantOrder := []Category{CategoryFill, CategoryMix, CategorySend}
	for i, want := range wantOrder {
		if all[i].Category != want {
			t.Errorf("StatusAll()[%d].Category = %s, want %s", i, all[i].Category, want)
		}
	}
}

func TestStopRunsCleanupAndFreesSlot(t *testing.T) {
	t.Parallel()

	e, transport, store, clock := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}

	// Let the machine open the valve and arm the meter.
	e.Tick(ctx)
	e.Tick(ctx)
	if !transport.ValveOpen(1) {
		t.Fatal("fill valve not open mid-job")
	}

	snap, err := e.Stop(CategoryFill)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("status immediately after Stop() = %s, want %s", snap.Status, StatusRunning)
	}

	e.Tick(ctx)
	clock.Advance(time.Second)

	if transport.ValveOpen(1) {
		t.Error("fill valve still open after stop")
	}
	if _, err := e.Status(CategoryFill); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status() after stop = %v, want not found", err)
	}

	entry := store.Recent(1)[0]
	if entry.Outcome != "stopped" {
		t.Errorf("outcome = %s, want stopped", entry.Outcome)
	}
	if entry.Error != "" {
		t.Errorf("stopped entry carries error %q", entry.Error)
	}
}

func TestStopWithoutActiveJob(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)

	_, err := e.Stop(CategoryMix)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Stop() error = %v, want not found", err)
	}
}

func TestHardwareFailureRunsCleanup(t *testing.T) {
	t.Parallel()

	e, transport, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}

	e.Tick(ctx) // open_inlet
	e.Tick(ctx) // start_flow_monitor
	transport.setFailFlow(true)
	e.Tick(ctx) // filling fails

	if transport.ValveOpen(1) {
		t.Error("fill valve still open after failure")
	}
	if _, err := e.Status(CategoryFill); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status() after failure = %v, want not found", err)
	}

	entry := store.Recent(1)[0]
	if entry.Outcome != "failed" {
		t.Errorf("outcome = %s, want failed", entry.Outcome)
	}
	if entry.Error == "" {
		t.Error("failed entry has no error message")
	}

	// A fresh job can start once the slot is free.
	transport.setFailFlow(false)
	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Errorf("StartFill() after failure: %v", err)
	}
}

func TestCleanupRunsWithCancelledContext(t *testing.T) {
	t.Parallel()

	e, transport, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}
	e.Tick(ctx) // open_inlet
	e.Tick(ctx) // start_flow_monitor
	if !transport.ValveOpen(1) {
		t.Fatal("fill valve not open mid-job")
	}

	// A cancel landing mid-step fails the job; the safing commands
	// must still reach the controller.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	e.Tick(cancelled)

	if transport.ValveOpen(1) {
		t.Error("fill valve left open after cancelled-context failure")
	}
	if _, err := e.Status(CategoryFill); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status() after failure = %v, want not found", err)
	}
	entry := store.Recent(1)[0]
	if entry.Outcome != "failed" {
		t.Errorf("outcome = %s, want failed", entry.Outcome)
	}
}

func TestValidatePanicDoesNotTouchHardware(t *testing.T) {
	t.Parallel()

	transport := newRecordingTransport()
	clock := newFakeClock()

	// A nil system makes the validation step panic before any actuator
	// reference is assigned.
	m := newFillMachine(nil, transport, clock.Now, Target{Tank: 1, Volume: 50})

	if outcome := m.advance(context.Background()); outcome != OutcomeFailed {
		t.Fatalf("advance() = %v, want %v", outcome, OutcomeFailed)
	}
	if !errors.Is(m.failure(), apperrors.ErrInternal) {
		t.Errorf("failure() = %v, want internal error", m.failure())
	}
	if len(transport.sent()) != 0 {
		t.Errorf("hardware touched after validation panic: %v", transport.sent())
	}
	if snap := m.record().Snapshot(); snap.Status != StatusFailed {
		t.Errorf("status = %s, want %s", snap.Status, StatusFailed)
	}
}

func TestSendCleanupClosesValvesInOrder(t *testing.T) {
	t.Parallel()

	e, transport, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartSend(ctx, 1, 2, 25); err != nil {
		t.Fatalf("StartSend() error = %v", err)
	}

	e.Tick(ctx) // open_source_outlet
	e.Tick(ctx) // open_destination_inlet
	e.Tick(ctx) // start_flow_monitor
	transport.setFailFlow(true)
	e.Tick(ctx) // sending fails, cleanup runs

	got := transport.sent()
	// Tank 1 outlet is valve 2, tank 2 inlet is valve 6.
	want := []string{
		"VALVE OPEN 2",
		"VALVE OPEN 6",
		"FLOW START 1 25.00",
		"FLOW STOP 1",
		"VALVE CLOSE 6",
		"VALVE CLOSE 2",
	}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		tank, dest   int
		volume       float64
	}{
		{name: "same source and destination", tank: 1, dest: 1, volume: 10},
		{name: "unknown destination", tank: 1, dest: 42, volume: 10},
		{name: "volume exceeds destination capacity", tank: 1, dest: 2, volume: 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, transport, _, _ := newTestEngine(t)

			_, err := e.StartSend(context.Background(), tt.tank, tt.dest, tt.volume)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("StartSend() error = %v, want validation error", err)
			}
			if len(transport.sent()) != 0 {
				t.Errorf("hardware touched on validation failure: %v", transport.sent())
			}
		})
	}
}

func TestMixRunsToCompletion(t *testing.T) {
	t.Parallel()

	e, transport, store, clock := newTestEngine(t)
	ctx := context.Background()

	snap, err := e.StartMix(ctx, 1)
	if err != nil {
		t.Fatalf("StartMix() error = %v", err)
	}

	// Track the countdown through the final mixing step.
	var finalMixTimers []float64
	for i := 0; i < 100; i++ {
		cur, err := e.Status(CategoryMix)
		if errors.Is(err, apperrors.ErrNotFound) {
			break
		}
		if cur.CurrentStep == "final_mixing" && cur.TimerRemaining != nil {
			finalMixTimers = append(finalMixTimers, *cur.TimerRemaining)
		}
		e.Tick(ctx)
		clock.Advance(1 * time.Second)
	}

	if _, err := e.Status(CategoryMix); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatal("mix job did not finish")
	}

	if transport.AgitatorRunning(7) {
		t.Error("agitator still running after completion")
	}

	entry := store.Recent(1)[0]
	if entry.Outcome != "completed" {
		t.Fatalf("outcome = %s, want completed", entry.Outcome)
	}
	if entry.ID != snap.ID {
		t.Errorf("history ID = %s, want %s", entry.ID, snap.ID)
	}

	if len(finalMixTimers) < 2 {
		t.Fatalf("final mix countdown observed %d times, want at least 2", len(finalMixTimers))
	}
	for i := 1; i < len(finalMixTimers); i++ {
		if finalMixTimers[i] >= finalMixTimers[i-1] {
			t.Errorf("timer not decreasing: %v", finalMixTimers)
			break
		}
	}
}

func TestMixRecordsSensorReadings(t *testing.T) {
	t.Parallel()

	e, transport, _, clock := newTestEngine(t)
	ctx := context.Background()

	// Conductivity above band, acidity inside it.
	transport.EC = 3.0
	transport.PH = 6.0

	if _, err := e.StartMix(ctx, 1); err != nil {
		t.Fatalf("StartMix() error = %v", err)
	}

	var sensors *SensorSnapshot
	for i := 0; i < 100; i++ {
		cur, err := e.Status(CategoryMix)
		if errors.Is(err, apperrors.ErrNotFound) {
			break
		}
		if cur.Sensors != nil {
			sensors = cur.Sensors
		}
		e.Tick(ctx)
		clock.Advance(1 * time.Second)
	}

	if sensors == nil {
		t.Fatal("no sensor snapshot recorded during mix")
	}
	if sensors.Conductivity != 3.0 {
		t.Errorf("conductivity = %v, want 3.0", sensors.Conductivity)
	}
	if sensors.ConductivityInRange {
		t.Error("conductivity 3.0 flagged in range for band 1.2-2.2")
	}
	if !sensors.AcidityInRange {
		t.Error("acidity 6.0 flagged out of range for band 5.5-6.5")
	}
}

func TestProgressReachesHundredOnlyOnCompletion(t *testing.T) {
	t.Parallel()

	e, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartFill(ctx, 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}

	var last float64
	for i := 0; i < 100; i++ {
		cur, err := e.Status(CategoryFill)
		if errors.Is(err, apperrors.ErrNotFound) {
			break
		}
		if cur.Progress < last {
			t.Fatalf("progress moved backwards: %v -> %v", last, cur.Progress)
		}
		if cur.Status == StatusRunning && cur.Progress >= 100 {
			t.Fatalf("progress hit 100 while still running")
		}
		last = cur.Progress
		e.Tick(ctx)
		clock.Advance(time.Second)
	}
}

func TestEngineReady(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)
	if err := e.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
}

func TestRunStopsJobsOnShutdown(t *testing.T) {
	t.Parallel()

	transport := newRecordingTransport()
	store := history.NewStore(10)
	e := New(testSystem(), transport, store, nil, Config{TickInterval: 5 * time.Millisecond})

	if _, err := e.StartFill(context.Background(), 1, 50); err != nil {
		t.Fatalf("StartFill() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	// Let at least one tick land, then shut down mid-job.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if transport.ValveOpen(1) {
		t.Error("fill valve left open across shutdown")
	}
	if store.Len() == 0 {
		t.Fatal("no history entry after shutdown stop")
	}
	if got := store.Recent(1)[0].Outcome; got != "stopped" && got != "completed" {
		t.Errorf("outcome after shutdown = %s, want stopped or completed", got)
	}
}
