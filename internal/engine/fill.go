package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"batchengine/internal/apperrors"
	"batchengine/internal/config"
	"batchengine/internal/hardware"
)

// fillMachine fills a tank from the water supply: open the tank's fill
// valve, arm the flow meter with the target volume, poll until the
// meter reports the target reached, then disarm and close up.
type fillMachine struct {
	stepMachine
	system *config.System
	tank   *config.Tank
	volume float64
}

func newFillMachine(sys *config.System, transport hardware.Transport, now func() time.Time, target Target) *fillMachine {
	m := &fillMachine{
		stepMachine: stepMachine{
			rec:       newRecord(CategoryFill, target, now()),
			transport: transport,
			logger:    slog.With("category", CategoryFill, "tank", target.Tank),
			now:       now,
		},
		system: sys,
		volume: target.Volume,
	}
	m.steps = []step{
		{name: "validate", run: m.validate},
		{name: "open_inlet", run: m.openInlet},
		{name: "start_flow_monitor", run: m.startFlowMonitor},
		{name: "filling", run: m.filling},
		{name: "stop_flow_monitor", run: m.stopFlowMonitor},
		{name: "close_inlet", run: m.closeInlet},
	}
	m.cleanupFn = m.cleanup
	m.rec.setStep(m.steps[0].name)
	return m
}

func (m *fillMachine) validate(ctx context.Context) (stepResult, error) {
	tank, ok := m.system.Tank(m.rec.target.Tank)
	if !ok {
		return stepWait, apperrors.Validation("tank", fmt.Sprintf("unknown tank %d", m.rec.target.Tank))
	}
	if m.volume < m.system.MinVolume {
		return stepWait, apperrors.Validation("volume", fmt.Sprintf("volume %.2f below minimum %.2f", m.volume, m.system.MinVolume))
	}
	if m.volume > tank.MaxVolume {
		return stepWait, apperrors.Validation("volume", fmt.Sprintf("volume %.2f exceeds tank %d capacity %.2f", m.volume, tank.ID, tank.MaxVolume))
	}
	m.tank = tank
	return stepAdvance, nil
}

func (m *fillMachine) openInlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "fill.openInlet", hardware.OpenValve(m.tank.FillValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *fillMachine) startFlowMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "fill.startFlowMonitor", hardware.StartFlow(m.tank.FlowMeter, m.volume)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// filling polls the flow meter each tick, interpolating progress from
// the delivered volume until the meter reports the target reached.
func (m *fillMachine) filling(ctx context.Context) (stepResult, error) {
	fs, err := m.transport.FlowStatus(ctx, m.tank.FlowMeter)
	if err != nil {
		return stepWait, apperrors.Hardware("fill.flowStatus", err)
	}
	if fs.Complete {
		return stepAdvance, nil
	}
	if fs.TargetVolume > 0 {
		m.rec.setProgress(m.stepProgress(fs.CurrentVolume / fs.TargetVolume))
	}
	return stepWait, nil
}

func (m *fillMachine) stopFlowMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "fill.stopFlowMonitor", hardware.StopFlow(m.tank.FlowMeter)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *fillMachine) closeInlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "fill.closeInlet", hardware.CloseValve(m.tank.FillValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// cleanup reverses engaged actuators: stop metering, then close the
// inlet, regardless of which step failed.
func (m *fillMachine) cleanup(ctx context.Context) {
	m.sendCleanup(ctx, hardware.StopFlow(m.tank.FlowMeter))
	m.sendCleanup(ctx, hardware.CloseValve(m.tank.FillValve))
}
