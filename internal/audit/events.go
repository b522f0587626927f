// Package audit defines security audit events and sinks.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind represents the kind of audit event.
type Kind string

// Event kinds.
const (
	KindAuthFailure       Kind = "auth_failure"
	KindAuthSuccess       Kind = "auth_success"
	KindTokenRefresh      Kind = "token_refresh"
	KindDeviceMismatch    Kind = "device_mismatch"
	KindCSRFMismatch      Kind = "csrf_mismatch"
	KindWAFDetection      Kind = "waf_detection"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindAddressBanned     Kind = "address_banned"
	KindAddressUnbanned   Kind = "address_unbanned"
	KindGeoBlocked        Kind = "geo_blocked"
	KindKeyRotation       Kind = "key_rotation"
	KindTwoFactorFailure  Kind = "two_factor_failure"
	KindTwoFactorSuccess  Kind = "two_factor_success"
	KindAdminAction       Kind = "admin_action"
)

// Severity represents the severity of an audit event.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a security audit event.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Kind is the kind of event.
	Kind Kind `json:"kind"`

	// Severity is the event severity.
	Severity Severity `json:"severity"`

	// Address is the client network address.
	Address string `json:"address,omitempty"`

	// Path is the request path.
	Path string `json:"path,omitempty"`

	// Method is the HTTP method.
	Method string `json:"method,omitempty"`

	// Detail is a human-readable description, kept internal-only.
	Detail string `json:"detail,omitempty"`

	// Subject is the account identifier, when known.
	Subject string `json:"subject,omitempty"`

	// Metadata carries additional structured context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates a new audit event with defaults.
func NewEvent(kind Kind, severity Severity) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Severity:  severity,
	}
}

// WithAddress sets the client address.
func (e *Event) WithAddress(address string) *Event {
	e.Address = address
	return e
}

// WithRequest sets the request path and method.
func (e *Event) WithRequest(method, path string) *Event {
	e.Method = method
	e.Path = path
	return e
}

// WithDetail sets the detail message.
func (e *Event) WithDetail(detail string) *Event {
	e.Detail = detail
	return e
}

// WithSubject sets the account identifier.
func (e *Event) WithSubject(subject string) *Event {
	e.Subject = subject
	return e
}

// WithMetadata adds a metadata entry.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
