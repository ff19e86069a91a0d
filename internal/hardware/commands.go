package hardware

import "fmt"

// Command builders keep the wire vocabulary in one place so step bodies
// never hand-format protocol strings.

// OpenValve opens a valve relay.
func OpenValve(valveID int) string {
	return fmt.Sprintf("VALVE OPEN %d", valveID)
}

// CloseValve closes a valve relay.
func CloseValve(valveID int) string {
	return fmt.Sprintf("VALVE CLOSE %d", valveID)
}

// StartFlow arms a flow meter with a target volume in gallons.
func StartFlow(meterID int, targetVolume float64) string {
	return fmt.Sprintf("FLOW START %d %.2f", meterID, targetVolume)
}

// StopFlow disarms a flow meter.
func StopFlow(meterID int) string {
	return fmt.Sprintf("FLOW STOP %d", meterID)
}

// StartAgitator energizes the mixing motor relay.
func StartAgitator(relayID int) string {
	return fmt.Sprintf("AGITATOR START %d", relayID)
}

// StopAgitator de-energizes the mixing motor relay.
func StopAgitator(relayID int) string {
	return fmt.Sprintf("AGITATOR STOP %d", relayID)
}

// StartSensors powers the EC/pH sensor monitor.
func StartSensors() string {
	return "SENSORS START"
}

// StopSensors powers down the EC/pH sensor monitor.
func StopSensors() string {
	return "SENSORS STOP"
}

// Dose runs a peristaltic pump for the given amount in milliliters.
func Dose(pumpID int, amountML float64) string {
	return fmt.Sprintf("DOSE %d %.2f", pumpID, amountML)
}
