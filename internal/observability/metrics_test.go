package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs/fill", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/mix", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/send", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/v1/jobs/fill", 200, 0.100)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs/mix", 500, 0.001)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobStarted(ctx, "fill")
	metrics.RecordJobStarted(ctx, "mix")
	metrics.RecordJobFinished(ctx, "fill", "completed", 35.5)
	metrics.RecordJobFinished(ctx, "mix", "failed", 120.0)
	metrics.RecordJobFinished(ctx, "send", "stopped", 12.0)
	metrics.RecordJobsActive(ctx, 2)
	metrics.RecordTick(ctx, 0.002)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/fill", "/v1/jobs/{category}"},
		{"/v1/jobs/mix", "/v1/jobs/{category}"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
