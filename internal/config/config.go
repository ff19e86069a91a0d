// Package config provides service configuration from environment variables
// and static system configuration (tanks, actuators, sensor ranges) from YAML.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the batch service process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	TickInterval time.Duration // Engine tick cadence
	SystemFile   string        // Path to the YAML system configuration

	Transport    string // "serial" or "sim"
	SerialDevice string // e.g. /dev/ttyUSB0
	SerialBaud   int

	HistorySize       int    // recent terminal jobs kept in memory
	HistoryWebhookURL string // optional terminal-event webhook, empty = disabled
	HistoryWebhookKey string // HMAC signing key for webhook events
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		TickInterval: GetDurationEnv("TICK_INTERVAL", 500*time.Millisecond),
		SystemFile:   GetEnv("SYSTEM_CONFIG", "system.yaml"),

		Transport:    GetEnv("TRANSPORT", "sim"),
		SerialDevice: GetEnv("SERIAL_DEVICE", "/dev/ttyUSB0"),
		SerialBaud:   GetIntEnv("SERIAL_BAUD", 115200),

		HistorySize:       GetIntEnv("HISTORY_SIZE", 200),
		HistoryWebhookURL: GetEnv("HISTORY_WEBHOOK_URL", ""),
		HistoryWebhookKey: GetSecretFile(GetEnv("HISTORY_WEBHOOK_KEY_FILE", "")),
	}
}
