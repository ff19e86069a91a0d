// Package observability provides metrics and instrumentation utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrCategory = "category"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with dynamic segments to reduce cardinality
	// /v1/jobs/fill -> /v1/jobs/{category}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func categoryAttr(category string) attribute.KeyValue {
	return attribute.String(attrCategory, category)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/v1/jobs/{category}"
	}
	return path
}

// WithCategory returns a metric option with the category attribute.
func WithCategory(category string) metric.MeasurementOption {
	return metric.WithAttributes(categoryAttr(category))
}

// WithOutcome returns a metric option with the outcome attribute.
func WithOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(outcomeAttr(outcome))
}
