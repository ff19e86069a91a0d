package hardware

import "testing"

func TestCommandBuilders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"open valve", OpenValve(3), "VALVE OPEN 3"},
		{"close valve", CloseValve(12), "VALVE CLOSE 12"},
		{"start flow", StartFlow(1, 50), "FLOW START 1 50.00"},
		{"start flow fractional", StartFlow(2, 12.5), "FLOW START 2 12.50"},
		{"stop flow", StopFlow(1), "FLOW STOP 1"},
		{"start agitator", StartAgitator(7), "AGITATOR START 7"},
		{"stop agitator", StopAgitator(7), "AGITATOR STOP 7"},
		{"start sensors", StartSensors(), "SENSORS START"},
		{"stop sensors", StopSensors(), "SENSORS STOP"},
		{"dose", Dose(2, 30), "DOSE 2 30.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
