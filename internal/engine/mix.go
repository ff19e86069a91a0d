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

// mixMachine runs a nutrient mix in a tank: agitate, let the water
// settle into motion, dose additives, keep mixing on a timer while
// continuously reading the EC/pH sensors, then capture a final reading
// and wind everything down. It is the most stateful machine: it
// interleaves countdown timers with continuous sensor polling.
type mixMachine struct {
	stepMachine
	system *config.System
	tank   *config.Tank

	initialDelayStart time.Time
	finalMixStart     time.Time
}

func newMixMachine(sys *config.System, transport hardware.Transport, now func() time.Time, target Target) *mixMachine {
	m := &mixMachine{
		stepMachine: stepMachine{
			rec:       newRecord(CategoryMix, target, now()),
			transport: transport,
			logger:    slog.With("category", CategoryMix, "tank", target.Tank),
			now:       now,
		},
		system: sys,
	}
	m.steps = []step{
		{name: "validate", run: m.validate},
		{name: "start_agitation", run: m.startAgitation},
		{name: "initial_delay", run: m.initialDelay},
		{name: "start_sensor_monitor", run: m.startSensorMonitor},
		{name: "dispense_additives", run: m.dispenseAdditives},
		{name: "await_dispense_completion", run: m.awaitDispenseCompletion},
		{name: "final_mixing", run: m.finalMixing},
		{name: "capture_final_reading", run: m.captureFinalReading},
		{name: "stop_sensor_monitor", run: m.stopSensorMonitor},
		{name: "stop_agitation", run: m.stopAgitation},
	}
	m.cleanupFn = m.cleanup
	m.rec.setStep(m.steps[0].name)
	return m
}

func (m *mixMachine) validate(ctx context.Context) (stepResult, error) {
	tank, ok := m.system.Tank(m.rec.target.Tank)
	if !ok {
		return stepWait, apperrors.Validation("tank", fmt.Sprintf("unknown tank %d", m.rec.target.Tank))
	}
	m.tank = tank
	return stepAdvance, nil
}

func (m *mixMachine) startAgitation(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "mix.startAgitation", hardware.StartAgitator(m.system.Mix.AgitatorRelay)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// initialDelay lets agitation establish circulation before anything is
// dosed or measured.
func (m *mixMachine) initialDelay(ctx context.Context) (stepResult, error) {
	return m.timedWait(ctx, &m.initialDelayStart, m.system.Mix.InitialDelay, nil)
}

func (m *mixMachine) startSensorMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "mix.startSensorMonitor", hardware.StartSensors()); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// dispenseAdditives issues a dose command per recipe stage. With no
// recipe configured the step is a no-op.
func (m *mixMachine) dispenseAdditives(ctx context.Context) (stepResult, error) {
	for _, stage := range m.system.Mix.Recipe {
		if err := m.send(ctx, "mix.dispense", hardware.Dose(stage.Pump, stage.AmountML)); err != nil {
			return stepWait, err
		}
	}
	return stepAdvance, nil
}

// awaitDispenseCompletion waits until every pump in the recipe reports
// its dispense finished.
func (m *mixMachine) awaitDispenseCompletion(ctx context.Context) (stepResult, error) {
	for _, stage := range m.system.Mix.Recipe {
		done, err := m.transport.DoseStatus(ctx, stage.Pump)
		if err != nil {
			return stepWait, apperrors.Hardware("mix.doseStatus", err)
		}
		if !done {
			return stepWait, nil
		}
	}
	return stepAdvance, nil
}

// finalMixing counts down the final mix duration while re-reading the
// sensors every tick so the record always carries a fresh snapshot
// with threshold flags.
func (m *mixMachine) finalMixing(ctx context.Context) (stepResult, error) {
	return m.timedWait(ctx, &m.finalMixStart, m.system.Mix.FinalMix, m.readSensors)
}

func (m *mixMachine) captureFinalReading(ctx context.Context) (stepResult, error) {
	if err := m.readSensors(ctx); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *mixMachine) stopSensorMonitor(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "mix.stopSensorMonitor", hardware.StopSensors()); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

func (m *mixMachine) stopAgitation(ctx context.Context) (stepResult, error) {
	if err := m.send(ctx, "mix.stopAgitation", hardware.StopAgitator(m.system.Mix.AgitatorRelay)); err != nil {
		return stepWait, err
	}
	return stepAdvance, nil
}

// readSensors pulls a reading and stores it with in-range flags
// computed against the configured acceptable bands.
func (m *mixMachine) readSensors(ctx context.Context) error {
	sr, err := m.transport.SensorReadings(ctx)
	if err != nil {
		return apperrors.Hardware("mix.sensorReadings", err)
	}

	ranges := m.system.SensorRanges
	m.rec.setSensors(SensorSnapshot{
		Conductivity:        sr.Conductivity,
		Acidity:             sr.Acidity,
		ConductivityInRange: sr.Conductivity >= ranges.ECMin && sr.Conductivity <= ranges.ECMax,
		AcidityInRange:      sr.Acidity >= ranges.PHMin && sr.Acidity <= ranges.PHMax,
		TakenAt:             m.now(),
	})
	return nil
}

// cleanup stops the sensor monitor before de-energizing agitation so a
// powered sensor never reads a draining mix.
func (m *mixMachine) cleanup(ctx context.Context) {
	m.sendCleanup(ctx, hardware.StopSensors())
	m.sendCleanup(ctx, hardware.StopAgitator(m.system.Mix.AgitatorRelay))
}
