// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrKind      = "kind"
	attrJobStatus = "job_status"
	attrReason    = "reason"
	attrDryRun    = "dry_run"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func dryRunAttr(dryRun bool) attribute.KeyValue {
	return attribute.Bool(attrDryRun, dryRun)
}

// normalizePath replaces the job ID segment with a placeholder:
// /v1/jobs/abc123/logs -> /v1/jobs/{jobId}/logs
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, sub, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + sub
	}
	return prefix + "{jobId}"
}
