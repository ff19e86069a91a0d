package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tank maps a physical tank to its actuators and flow meter.
type Tank struct {
	ID          int     `yaml:"id"`
	Name        string  `yaml:"name"`
	FillValve   int     `yaml:"fill_valve"`   // inlet from the water supply
	OutletValve int     `yaml:"outlet_valve"` // outlet toward other tanks/zones
	InletValve  int     `yaml:"inlet_valve"`  // inlet when acting as a send destination
	FlowMeter   int     `yaml:"flow_meter"`
	MaxVolume   float64 `yaml:"max_volume"` // gallons
}

// DoseStage is one additive dispense in the mix recipe.
type DoseStage struct {
	Pump     int     `yaml:"pump"`
	AmountML float64 `yaml:"amount_ml"`
}

// MixSettings holds the mixing actuator, timer durations, and recipe.
type MixSettings struct {
	AgitatorRelay int           `yaml:"agitator_relay"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	FinalMix      time.Duration `yaml:"final_mix"`
	Recipe        []DoseStage   `yaml:"recipe"`
}

// SensorRanges holds the acceptable bands for mix sensor readings.
// Documented sources disagree on the conductivity band, so these are
// deployment configuration, never constants in step code.
type SensorRanges struct {
	ECMin float64 `yaml:"ec_min"`
	ECMax float64 `yaml:"ec_max"`
	PHMin float64 `yaml:"ph_min"`
	PHMax float64 `yaml:"ph_max"`
}

// System is the static hardware configuration loaded at startup.
// The engine never reloads it mid-flight.
type System struct {
	Tanks        []Tank       `yaml:"tanks"`
	Mix          MixSettings  `yaml:"mix"`
	SensorRanges SensorRanges `yaml:"sensor_ranges"`
	MinVolume    float64      `yaml:"min_volume"` // smallest transferable volume, gallons
}

// DefaultSystem returns a System with conservative defaults.
// Values are placeholders for tests and the simulator; production
// deployments supply their own YAML.
func DefaultSystem() *System {
	return &System{
		Tanks: []Tank{
			{ID: 1, Name: "Tank A", FillValve: 1, OutletValve: 2, InletValve: 3, FlowMeter: 1, MaxVolume: 100},
			{ID: 2, Name: "Tank B", FillValve: 4, OutletValve: 5, InletValve: 6, FlowMeter: 2, MaxVolume: 100},
		},
		Mix: MixSettings{
			AgitatorRelay: 7,
			InitialDelay:  20 * time.Second,
			FinalMix:      60 * time.Second,
		},
		SensorRanges: SensorRanges{
			ECMin: 1.2,
			ECMax: 2.2,
			PHMin: 5.5,
			PHMax: 6.5,
		},
		MinVolume: 0.5,
	}
}

// LoadSystem reads and validates a System from a YAML file.
func LoadSystem(path string) (*System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system config: %w", err)
	}

	sys := DefaultSystem()
	if err := yaml.Unmarshal(data, sys); err != nil {
		return nil, fmt.Errorf("failed to parse system config: %w", err)
	}

	if err := sys.Validate(); err != nil {
		return nil, err
	}
	return sys, nil
}

// Validate checks the system configuration for internal consistency.
func (s *System) Validate() error {
	if len(s.Tanks) == 0 {
		return fmt.Errorf("system config: at least one tank is required")
	}

	seen := make(map[int]bool, len(s.Tanks))
	for _, t := range s.Tanks {
		if t.ID <= 0 {
			return fmt.Errorf("system config: tank ID must be positive, got %d", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("system config: duplicate tank ID %d", t.ID)
		}
		seen[t.ID] = true

		if t.MaxVolume <= 0 {
			return fmt.Errorf("system config: tank %d max_volume must be positive", t.ID)
		}
		if t.FillValve <= 0 || t.OutletValve <= 0 || t.InletValve <= 0 {
			return fmt.Errorf("system config: tank %d has unmapped valves", t.ID)
		}
		if t.FlowMeter <= 0 {
			return fmt.Errorf("system config: tank %d has no flow meter", t.ID)
		}
	}

	if s.Mix.AgitatorRelay <= 0 {
		return fmt.Errorf("system config: mix agitator_relay is required")
	}
	if s.Mix.InitialDelay <= 0 || s.Mix.FinalMix <= 0 {
		return fmt.Errorf("system config: mix timer durations must be positive")
	}
	for i, d := range s.Mix.Recipe {
		if d.Pump <= 0 {
			return fmt.Errorf("system config: recipe stage %d has no pump", i)
		}
		if d.AmountML <= 0 {
			return fmt.Errorf("system config: recipe stage %d amount_ml must be positive", i)
		}
	}

	r := s.SensorRanges
	if r.ECMin >= r.ECMax {
		return fmt.Errorf("system config: ec_min must be below ec_max")
	}
	if r.PHMin >= r.PHMax {
		return fmt.Errorf("system config: ph_min must be below ph_max")
	}

	if s.MinVolume < 0 {
		return fmt.Errorf("system config: min_volume cannot be negative")
	}
	return nil
}

// Tank looks up a tank by ID.
func (s *System) Tank(id int) (*Tank, bool) {
	for i := range s.Tanks {
		if s.Tanks[i].ID == id {
			return &s.Tanks[i], true
		}
	}
	return nil, false
}
