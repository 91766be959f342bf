// Package entry defines the log entry data model and its wire
// representation for the remote logging API.
package entry

import (
	"time"
)

// HTTPRequest carries optional request metadata attached to an entry.
// Zero-valued fields are omitted from the wire representation.
type HTTPRequest struct {
	Method       string
	URL          string
	RequestSize  int64
	ResponseSize int64
	Status       int
	Latency      time.Duration
	RemoteIP     string
	ServerIP     string
	UserAgent    string
}

// Entry is one structured log record submitted by the host.
// Entries are immutable once enqueued; the queue owns them until they are
// flushed or dropped.
type Entry struct {
	// Timestamp is the wall-clock event time with sub-second precision.
	Timestamp time.Time

	// Payload is the free-form structured payload.
	Payload map[string]any

	// HTTPRequest is optional request metadata.
	HTTPRequest *HTTPRequest

	// Severity of the entry. SeverityDefault means the host did not
	// classify it.
	Severity Severity

	// Labels is the entry-level label set. Keys are unique; values
	// override the session's base labels on the wire.
	Labels map[string]string

	// InsertID is a unique id assigned at submission, used by the remote
	// API for duplicate suppression under at-least-once delivery.
	InsertID string
}
