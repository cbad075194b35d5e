// Package transport executes resolved HTTP requests against the target
// under test and produces ResponseRecords (spec §4.2). It never raises
// network/protocol failures as Go errors to its caller — every outcome,
// success or failure, is folded into a loadmodel.ResponseRecord so the
// event loop's hot path has a single return shape.
//
// Grounded on the teacher's internal/transport (error_mapping.go,
// phase_timing.go, streamable_http.go) and internal/vu/rate_limiter.go,
// generalised from MCP/JSON-RPC transport to plain HTTP and from the
// teacher's open OperationError taxonomy to spec's closed
// loadmodel.ErrorKind enum.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// classifyError maps an arbitrary error returned by the HTTP client into
// spec's closed ErrorKind taxonomy plus a human message.
func classifyError(err error) loadmodel.ResponseError {
	if err == nil {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorNone}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout, Message: "request timeout exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout, Message: "request cancelled"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorDNS, Message: dnsErr.Error()}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorSSL, Message: "certificate verification failed: " + certErr.Error()}
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorSSL, Message: "certificate signed by unknown authority"}
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorSSL, Message: "certificate hostname mismatch: " + hostErr.Host}
	}
	var tlsRecordErr *tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorSSL, Message: "TLS record header error"}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout, Message: opErr.Op + " timeout"}
		}
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) && errno == syscall.ETIMEDOUT {
			return loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout, Message: "connection timed out"}
		}
		return loadmodel.ResponseError{Kind: loadmodel.ErrorConnectionFailed, Message: opErr.Error()}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return loadmodel.ResponseError{Kind: loadmodel.ErrorTimeout, Message: "request timeout: " + urlErr.Op}
		}
		if strings.Contains(urlErr.Error(), "unsupported protocol scheme") || strings.Contains(urlErr.Error(), "missing protocol scheme") {
			return loadmodel.ResponseError{Kind: loadmodel.ErrorInvalidURL, Message: urlErr.Error()}
		}
		return classifyError(urlErr.Err)
	}

	errStr := err.Error()
	if strings.Contains(errStr, "tls:") || strings.Contains(errStr, "TLS") {
		return loadmodel.ResponseError{Kind: loadmodel.ErrorSSL, Message: errStr}
	}

	return loadmodel.ResponseError{Kind: loadmodel.ErrorConnectionFailed, Message: errStr}
}
