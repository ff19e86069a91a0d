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

// sendMachine transfers a measured volume from a source tank to a
// destination. Valve ordering is safety-driven: the destination inlet
// opens after the source outlet and closes before it, so the two are
// never reachable through an unintended path.
type sendMachine struct {
	stepMachine
	system *config.System
	source *config.Tank
	dest   *config.Tank
	volume float64
}

func newSendMachine(sys *config.System, transport hardware.Transport, now func() time.Time, target Target) *sendMachine {
	m := &sendMachine{
		stepMachine: stepMachine{
			rec:       newRecord(CategorySend, target, now()),
			transport: transport,
			logger:    slog.With("category", CategorySend, "tank", target.Tank, "destination", target.Destination),
			now:       now,
		},
		system: sys,
		volume: target.Volume,
	}
	m.steps = []step{
		{name: "validate", run: m.validate},
		{name: "open_source_outlet", run: m.openSourceOutlet},
		{name: "open_destination_inlet", run: m.openDestinationInlet},
		{name: "start_flow_monitor", run: m.startFlowMonitor},
		{name: "sending", run: m.sending},
		{name: "stop_flow_monitor", run: m.stopFlowMonitor},
		{name: "close_destination_inlet", run: m.closeDestinationInlet},
		{name: "close_source_outlet", run: m.closeSourceOutlet},
	}
	m.cleanupFn = m.cleanup
	m.rec.setStep(m.steps[0].name)
	return m
}

func (m *sendMachine) validate(ctx context.Context) (stepResult, error) {
	source, ok := m.system.Tank(m.rec.target.Tank)
	if !ok {
		return stepWait, apperrors.Validation("tank", fmt.Sprintf("unknown tank %d", m.rec.target.Tank))
	}
	dest, ok := m.system.Tank(m.rec.target.Destination)
	if !ok {
		return stepWait, apperrors.Validation("destination", fmt.Sprintf("unknown destination %d", m.rec.target.Destination))
	}
	if source.ID == dest.ID {
		return stepWait, apperrors.Validation("destination", "source and destination must differ")
	}
	if m.volume < m.system.MinVolume {
		return stepWait, apperrors.Validation("volume", fmt.Sprintf("volume %.2f below minimum %.2f", m.volume, m.system.MinVolume))
	}
	if m.volume > source.MaxVolume {
		return stepWait, apperrors.Validation("volume", fmt.Sprintf("volume %.2f exceeds tank %d capacity %.2f", m.volume, source.ID, source.MaxVolume))
	}
	if m.volume > dest.MaxVolume {
		return stepWait, apperrors.Validation("volume", fmt.Sprintf("volume %.2f exceeds destination %d capacity %.2f", m.volume, dest.ID, dest.MaxVolume))
	}
	m.source = source
	m.dest = dest
	return stepAdvance, nil
}

func (m *sendMachine) openSourceOutlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.openSourceOutlet", hardware.OpenValve(m.source.OutletValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *sendMachine) openDestinationInlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.openDestinationInlet", hardware.OpenValve(m.dest.InletValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *sendMachine) startFlowMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.startFlowMonitor", hardware.StartFlow(m.source.FlowMeter, m.volume)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// sending polls the source flow meter, same pattern as filling.
func (m *sendMachine) sending(ctx context.Context) (stepResult, error) {
	fs, err := m.transport.FlowStatus(ctx, m.source.FlowMeter)
	if err != nil {
		return stepWait, apperrors.Hardware("send.flowStatus", err)
	}
	if fs.Complete {
		return stepAdvance, nil
	}
	if fs.TargetVolume > 0 {
		m.rec.setProgress(m.stepProgress(fs.CurrentVolume / fs.TargetVolume))
	}
	return stepWait, nil
}

func (m *sendMachine) stopFlowMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.stopFlowMonitor", hardware.StopFlow(m.source.FlowMeter)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *sendMachine) closeDestinationInlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.closeDestinationInlet", hardware.CloseValve(m.dest.InletValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *sendMachine) closeSourceOutlet(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "send.closeSourceOutlet", hardware.CloseValve(m.source.OutletValve)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// cleanup enforces the same valve ordering as the happy path: stop
// metering, close the destination inlet, then close the source outlet.
func (m *sendMachine) cleanup(ctx context.Context) {
	m.sendCleanup(ctx, hardware.StopFlow(m.source.FlowMeter))
	m.sendCleanup(ctx, hardware.CloseValve(m.dest.InletValve))
	m.sendCleanup(ctx, hardware.CloseValve(m.source.OutletValve))
}
