package hardware

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SimTransport is an in-process transport that emulates the controller,
// so the service can run without physical devices. Flow meters ramp
// toward their target over a fixed number of polls and dosing pumps
// finish after a couple of status checks. Behavior is deterministic.
type SimTransport struct {
	mu       sync.Mutex
	valves   map[int]bool
	agitator map[int]bool
	flows    map[int]*simFlow
	doses    map[int]int // pump -> remaining polls until done
	sensors  bool

	// Sensor values reported while the monitor runs.
	EC float64
	PH float64

	// FlowPolls is how many status polls a flow takes to complete (default 4).
	FlowPolls int
}

type simFlow struct {
	current float64
	target  float64
	step    float64
}

// NewSim creates a simulator with mid-band sensor values.
func NewSim() *SimTransport {
	return &SimTransport{
		valves:    make(map[int]bool),
		agitator:  make(map[int]bool),
		flows:     make(map[int]*simFlow),
		doses:     make(map[int]int),
		EC:        1.8,
		PH:        6.0,
		FlowPolls: 4,
	}
}

// SendCommand interprets the controller vocabulary against simulated state.
func (s *SimTransport) SendCommand(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "VALVE":
		var id int
		if len(fields) != 3 {
			return "", fmt.Errorf("malformed valve command %q", cmd)
		}
		if _, err := fmt.Sscanf(fields[2], "%d", &id); err != nil {
			return "", fmt.Errorf("malformed valve id in %q", cmd)
		}
		s.valves[id] = fields[1] == "OPEN"
		return "OK", nil

	case "FLOW":
		if len(fields) < 2 {
			return "", fmt.Errorf("malformed flow command %q", cmd)
		}
		switch fields[1] {
		case "START":
			var id int
			var target float64
			if _, err := fmt.Sscanf(cmd, "FLOW START %d %f", &id, &target); err != nil {
				return "", fmt.Errorf("malformed flow command %q", cmd)
			}
			polls := s.FlowPolls
			if polls <= 0 {
				polls = 4
			}
			s.flows[id] = &simFlow{target: target, step: target / float64(polls)}
			return "OK", nil
		case "STOP":
			var id int
			if _, err := fmt.Sscanf(cmd, "FLOW STOP %d", &id); err != nil {
				return "", fmt.Errorf("malformed flow command %q", cmd)
			}
			delete(s.flows, id)
			return "OK", nil
		}
		return "", fmt.Errorf("unknown flow command %q", cmd)

	case "AGITATOR":
		var id int
		if len(fields) != 3 {
			return "", fmt.Errorf("malformed agitator command %q", cmd)
		}
		if _, err := fmt.Sscanf(fields[2], "%d", &id); err != nil {
			return "", fmt.Errorf("malformed agitator id in %q", cmd)
		}
		s.agitator[id] = fields[1] == "START"
		return "OK", nil

	case "SENSORS":
		if len(fields) != 2 {
			return "", fmt.Errorf("malformed sensors command %q", cmd)
		}
		s.sensors = fields[1] == "START"
		return "OK", nil

	case "DOSE":
		var id int
		var amount float64
		if _, err := fmt.Sscanf(cmd, "DOSE %d %f", &id, &amount); err != nil {
			return "", fmt.Errorf("malformed dose command %q", cmd)
		}
		s.doses[id] = 2
		return "OK", nil

	case "PING":
		return "PONG", nil
	}

	return "", fmt.Errorf("unknown command %q", cmd)
}

// FlowStatus advances the simulated flow one step and reports it.
func (s *SimTransport) FlowStatus(ctx context.Context, meterID int) (FlowStatus, error) {
	if err := ctx.Err(); err != nil {
		return FlowStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[meterID]
	if !ok {
		return FlowStatus{}, fmt.Errorf("flow meter %d not armed", meterID)
	}

	f.current += f.step
	if f.current >= f.target {
		f.current = f.target
	}
	return FlowStatus{
		CurrentVolume: f.current,
		TargetVolume:  f.target,
		Complete:      f.current >= f.target,
	}, nil
}

// SensorReadings reports the configured sensor values while monitoring.
func (s *SimTransport) SensorReadings(ctx context.Context) (SensorReadings, error) {
	if err := ctx.Err(); err != nil {
		return SensorReadings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sensors {
		return SensorReadings{}, fmt.Errorf("sensor monitor not running")
	}
	return SensorReadings{Conductivity: s.EC, Acidity: s.PH}, nil
}

// DoseStatus reports DONE after a fixed number of polls.
func (s *SimTransport) DoseStatus(ctx context.Context, pumpID int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, ok := s.doses[pumpID]
	if !ok {
		return true, nil
	}
	if remaining <= 1 {
		delete(s.doses, pumpID)
		return true, nil
	}
	s.doses[pumpID] = remaining - 1
	return false, nil
}

// Ping always succeeds.
func (s *SimTransport) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *SimTransport) Close() error {
	return nil
}

// ValveOpen reports simulated valve state (used by tests).
func (s *SimTransport) ValveOpen(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valves[id]
}

// AgitatorRunning reports simulated agitator state (used by tests).
func (s *SimTransport) AgitatorRunning(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agitator[id]
}

// Verify SimTransport implements Transport
var _ Transport = (*SimTransport)(nil)
