package loadmodel

// ErrorKind is the transport/coordinator error taxonomy from spec §4.2/§7.
// These are classifications, never Go error encodings, carried as plain data
// so they flow through the SPSC queue and into persisted samples.
type ErrorKind string

const (
	ErrorNone             ErrorKind = "none"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorConnectionFailed ErrorKind = "connection_failed"
	ErrorDNS              ErrorKind = "dns_error"
	ErrorSSL              ErrorKind = "ssl_error"
	ErrorInvalidURL       ErrorKind = "invalid_url"
	ErrorInvalidMethod    ErrorKind = "invalid_method"
	ErrorScript           ErrorKind = "script_error"
	ErrorInternal         ErrorKind = "internal_error"
)

// ResponseError carries the kind + human message for a failed request.
type ResponseError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// PhaseTiming holds the per-request timing breakdown, each field in
// milliseconds. All fields are non-negative; TLSMs is zero for plaintext.
type PhaseTiming struct {
	TotalMs     float64 `json:"total_ms"`
	DNSMs       float64 `json:"dns_ms"`
	ConnectMs   float64 `json:"connect_ms"`
	TLSMs       float64 `json:"tls_ms"`
	FirstByteMs float64 `json:"first_byte_ms"`
	DownloadMs  float64 `json:"download_ms"`
}

// ResponseRecord is always returned by the transport, success or failure —
// network/protocol failures populate Error and leave Status at 0; they are
// never raised as exceptions (spec §4.2).
type ResponseRecord struct {
	Status             int           `json:"status"`
	StatusText         string        `json:"status_text,omitempty"`
	ResponseHeaders    []Header      `json:"response_headers,omitempty"`
	BodyBytes          []byte        `json:"body_bytes,omitempty"`
	BodySize           int64         `json:"body_size"`
	Timing             PhaseTiming   `json:"timing"`
	RequestHeadersSent []Header      `json:"request_headers_sent,omitempty"`
	RawRequestBytes    []byte        `json:"raw_request_bytes,omitempty"`
	Error              ResponseError `json:"error"`
}

// OK reports whether the response represents a successful outcome at the
// transport layer: no transport error. Status is not inspected, so a 4xx or
// 5xx is still "OK" here — it is a valid response, not a transport failure; callers
// needing the 5xx-failure distinction used by sampling policy should check
// Status directly.
func (r *ResponseRecord) OK() bool {
	return r.Error.Kind == ErrorNone
}
