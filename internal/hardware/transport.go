// Package hardware abstracts the device bus that actuates valves, pumps,
// flow meters, and sensors. The engine consumes the Transport interface;
// implementations translate commands into a line-oriented serial protocol
// or simulate devices in-process.
package hardware

import "context"

// FlowStatus is a flow meter's answer to a metering query.
type FlowStatus struct {
	CurrentVolume float64 `json:"currentVolume"`
	TargetVolume  float64 `json:"targetVolume"`
	Complete      bool    `json:"complete"`
}

// SensorReadings is a snapshot of the mix sensors.
type SensorReadings struct {
	Conductivity float64 `json:"conductivity"` // EC, mS/cm
	Acidity      float64 `json:"acidity"`      // pH
}

// Transport issues imperative commands and answers status queries.
// All calls are synchronous, fallible, and time-bounded so one wedged
// device cannot starve the engine's tick loop.
type Transport interface {
	// SendCommand sends an imperative command and returns the raw response.
	// A non-success response is reported as an error.
	SendCommand(ctx context.Context, cmd string) (string, error)

	// FlowStatus queries a flow meter's progress toward its target.
	FlowStatus(ctx context.Context, meterID int) (FlowStatus, error)

	// SensorReadings reads the current mix sensor values.
	// The sensor monitor must be started first.
	SensorReadings(ctx context.Context) (SensorReadings, error)

	// DoseStatus reports whether a dosing pump has finished its dispense.
	DoseStatus(ctx context.Context, pumpID int) (bool, error)

	// Ping verifies the controller is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying bus.
	Close() error
}
