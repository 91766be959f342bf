package entry

import (
	"encoding/json"
	"strings"
)

// Severity is the ordered log severity scale of the remote API.
type Severity int32

const (
	SeverityDefault  Severity = 0
	SeverityDebug    Severity = 100
	SeverityInfo     Severity = 200
	SeverityNotice   Severity = 300
	SeverityWarning  Severity = 400
	SeverityError    Severity = 500
	SeverityCritical Severity = 600
)

// String returns the API name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "DEFAULT"
	}
}

// MarshalJSON encodes the severity as its API name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SeverityFromName parses an API severity name, case-insensitively.
// Unknown names map to DEFAULT so the status-based classification can
// still apply downstream.
func SeverityFromName(name string) Severity {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return SeverityDebug
	case "INFO":
		return SeverityInfo
	case "NOTICE":
		return SeverityNotice
	case "WARNING", "WARN":
		return SeverityWarning
	case "ERROR":
		return SeverityError
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityDefault
	}
}

// SeverityFromStatus classifies an entry from its HTTP response status.
// Applied only when the host has not already set a severity.
func SeverityFromStatus(status int) Severity {
	switch {
	case status >= 500:
		return SeverityError
	case status >= 400:
		return SeverityWarning
	case status >= 300:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}
