package transport

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// phaseTimingTracker accumulates httptrace callback timestamps for a single
// request. Callbacks fire from the transport's internal goroutines, so all
// field access is mutex-guarded.
type phaseTimingTracker struct {
	mu sync.Mutex

	startTime    time.Time
	dnsStart     time.Time
	dnsEnd       time.Time
	connectStart time.Time
	connectEnd   time.Time
	tlsStart     time.Time
	tlsEnd       time.Time
	gotFirstByte time.Time
	gotConn      time.Time
	reused       bool
	wroteRequest time.Time
}

func newPhaseTimingTracker() *phaseTimingTracker {
	return &phaseTimingTracker{startTime: time.Now()}
}

func (t *phaseTimingTracker) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.dnsEnd = time.Now()
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			t.connectStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			t.connectEnd = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.tlsEnd = time.Now()
			t.mu.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.gotConn = time.Now()
			t.reused = info.Reused
			t.mu.Unlock()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			t.mu.Lock()
			t.wroteRequest = time.Now()
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.gotFirstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

// compute renders the tracked timestamps into a loadmodel.PhaseTiming as of
// endTime. DNS/connect/TLS stay zero when the connection was reused, since
// those phases did not occur for this request.
func (t *phaseTimingTracker) compute(endTime time.Time) loadmodel.PhaseTiming {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt := loadmodel.PhaseTiming{
		TotalMs: msf(endTime.Sub(t.startTime)),
	}

	if !t.reused {
		if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
			pt.DNSMs = msf(t.dnsEnd.Sub(t.dnsStart))
		}
		if !t.connectStart.IsZero() && !t.connectEnd.IsZero() {
			pt.ConnectMs = msf(t.connectEnd.Sub(t.connectStart))
		}
		if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
			pt.TLSMs = msf(t.tlsEnd.Sub(t.tlsStart))
		}
	}

	if !t.gotFirstByte.IsZero() {
		baseline := t.startTime
		if !t.wroteRequest.IsZero() {
			baseline = t.wroteRequest
		} else if !t.gotConn.IsZero() {
			baseline = t.gotConn
		}
		pt.FirstByteMs = msf(t.gotFirstByte.Sub(baseline))
		pt.DownloadMs = msf(endTime.Sub(t.gotFirstByte))
	}

	return pt
}

// wasReused reports whether GotConn fired with a pooled connection, for
// callers tracking connection reuse (internal/metrics.ConnectionTracker).
func (t *phaseTimingTracker) wasReused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reused
}

func msf(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
