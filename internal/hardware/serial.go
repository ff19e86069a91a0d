package hardware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds settings for the serial controller link.
type SerialConfig struct {
	Device  string        // e.g. /dev/ttyUSB0
	Baud    int           // default 115200
	Timeout time.Duration // per-command read deadline (default 2s)
}

// SerialTransport speaks the line-oriented controller protocol over a
// serial port. Commands and responses are single newline-terminated
// lines; imperative commands answer "OK" or "ERR <reason>".
//
// The port is a single shared bus, so one command is in flight at a time.
type SerialTransport struct {
	mu      sync.Mutex
	port    serial.Port
	reader  *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger
}

// OpenSerial opens the controller port and verifies it responds.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	t := &SerialTransport{
		port:    port,
		reader:  bufio.NewReader(port),
		timeout: cfg.Timeout,
		logger:  slog.With("component", "serial", "device", cfg.Device),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := t.Ping(ctx); err != nil {
		port.Close()
		return nil, fmt.Errorf("controller not responding on %s: %w", cfg.Device, err)
	}

	t.logger.Info("Serial controller connected", "baud", cfg.Baud)
	return t, nil
}

// SendCommand sends an imperative command and returns the raw response.
func (t *SerialTransport) SendCommand(ctx context.Context, cmd string) (string, error) {
	resp, err := t.roundTrip(ctx, cmd)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("controller rejected %q: %s", cmd, resp)
	}
	return resp, nil
}

// FlowStatus queries a flow meter. Response: "FLOW <meter> <current> <target> <0|1>".
func (t *SerialTransport) FlowStatus(ctx context.Context, meterID int) (FlowStatus, error) {
	resp, err := t.roundTrip(ctx, fmt.Sprintf("FLOW? %d", meterID))
	if err != nil {
		return FlowStatus{}, err
	}

	var id, complete int
	var fs FlowStatus
	if _, err := fmt.Sscanf(resp, "FLOW %d %f %f %d", &id, &fs.CurrentVolume, &fs.TargetVolume, &complete); err != nil {
		return FlowStatus{}, fmt.Errorf("malformed flow status %q: %w", resp, err)
	}
	if id != meterID {
		return FlowStatus{}, fmt.Errorf("flow status for meter %d, expected %d", id, meterID)
	}
	fs.Complete = complete == 1
	return fs, nil
}

// SensorReadings reads the mix sensors. Response: "SENSORS <ec> <ph>".
func (t *SerialTransport) SensorReadings(ctx context.Context) (SensorReadings, error) {
	resp, err := t.roundTrip(ctx, "SENSORS?")
	if err != nil {
		return SensorReadings{}, err
	}

	var sr SensorReadings
	if _, err := fmt.Sscanf(resp, "SENSORS %f %f", &sr.Conductivity, &sr.Acidity); err != nil {
		return SensorReadings{}, fmt.Errorf("malformed sensor reading %q: %w", resp, err)
	}
	return sr, nil
}

// DoseStatus reports whether a pump finished. Response: "DOSE <pump> DONE|BUSY".
func (t *SerialTransport) DoseStatus(ctx context.Context, pumpID int) (bool, error) {
	resp, err := t.roundTrip(ctx, fmt.Sprintf("DOSE? %d", pumpID))
	if err != nil {
		return false, err
	}

	var id int
	var state string
	if _, err := fmt.Sscanf(resp, "DOSE %d %s", &id, &state); err != nil {
		return false, fmt.Errorf("malformed dose status %q: %w", resp, err)
	}
	return state == "DONE", nil
}

// Ping verifies the controller answers.
func (t *SerialTransport) Ping(ctx context.Context) error {
	resp, err := t.roundTrip(ctx, "PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response %q", resp)
	}
	return nil
}

// Close releases the serial port.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}

// roundTrip writes one command line and reads one response line.
func (t *SerialTransport) roundTrip(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}

	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read failed after %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

// Verify SerialTransport implements Transport
var _ Transport = (*SerialTransport)(nil)
