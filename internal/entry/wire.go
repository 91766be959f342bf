package entry

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// timestampFormat is RFC3339 with millisecond precision, UTC, Z suffix.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// WireHTTPRequest is the wire shape of HTTP request metadata. Unset fields
// are absent from the JSON, not null.
type WireHTTPRequest struct {
	RequestMethod string `json:"requestMethod,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	RequestSize   string `json:"requestSize,omitempty"`
	ResponseSize  string `json:"responseSize,omitempty"`
	Status        int    `json:"status,omitempty"`
	Latency       string `json:"latency,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	ServerIP      string `json:"serverIp,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// WireEntry is the JSON shape of one entry in an entries:write request.
type WireEntry struct {
	LogName     string            `json:"logName"`
	Resource    *Resource         `json:"resource"`
	Timestamp   string            `json:"timestamp"`
	Severity    string            `json:"severity,omitempty"`
	InsertID    string            `json:"insertId,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	JSONPayload map[string]any    `json:"jsonPayload,omitempty"`
	HTTPRequest *WireHTTPRequest  `json:"httpRequest,omitempty"`
}

// WriteRequest is the body of a POST <endpoint>/entries:write call.
type WriteRequest struct {
	Entries        []WireEntry `json:"entries"`
	PartialSuccess bool        `json:"partialSuccess"`
}

// LogName builds the fully qualified log name for a project and log id.
// The log id is URL-escaped so that ids containing "/" become "%2F".
func LogName(projectID, logID string) string {
	return fmt.Sprintf("projects/%s/logs/%s", projectID, url.PathEscape(logID))
}

// ToWire converts an entry to its wire shape for the given destination.
// Entry labels are merged over the base source label; entry values win.
func ToWire(e Entry, logName string, resource *Resource, sourceLabel string) WireEntry {
	labels := map[string]string{"source": sourceLabel}
	for k, v := range e.Labels {
		labels[k] = v
	}

	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	wire := WireEntry{
		LogName:     logName,
		Resource:    resource,
		Timestamp:   timestamp.UTC().Format(timestampFormat),
		Severity:    e.Severity.String(),
		InsertID:    e.InsertID,
		Labels:      labels,
		JSONPayload: e.Payload,
	}

	if e.HTTPRequest != nil {
		wire.HTTPRequest = toWireHTTPRequest(e.HTTPRequest)
	}

	return wire
}

// toWireHTTPRequest maps request metadata to its wire shape, leaving
// zero-valued fields absent.
func toWireHTTPRequest(r *HTTPRequest) *WireHTTPRequest {
	wire := &WireHTTPRequest{
		RequestMethod: r.Method,
		RequestURL:    r.URL,
		Status:        r.Status,
		RemoteIP:      r.RemoteIP,
		ServerIP:      r.ServerIP,
		UserAgent:     r.UserAgent,
	}
	if r.RequestSize > 0 {
		wire.RequestSize = strconv.FormatInt(r.RequestSize, 10)
	}
	if r.ResponseSize > 0 {
		wire.ResponseSize = strconv.FormatInt(r.ResponseSize, 10)
	}
	if r.Latency > 0 {
		wire.Latency = fmt.Sprintf("%.3fs", r.Latency.Seconds())
	}
	return wire
}
