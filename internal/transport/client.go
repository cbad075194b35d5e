package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// RedirectMode selects the CheckRedirect policy applied to a Client.
type RedirectMode string

const (
	RedirectDeny       RedirectMode = "deny"
	RedirectFollow     RedirectMode = "follow"
	RedirectSameOrigin RedirectMode = "same_origin"
)

// Config configures a Client. It is immutable once passed to New; per-run
// settings (timeout, redirect count, TLS) live here rather than per request
// since the underlying *http.Transport is shared across a run's dispatch.
type Config struct {
	ConnectTimeout  time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	TLSSkipVerify   bool
	CABundle        []byte
	RedirectMode    RedirectMode
	MaxRedirects    int
	CaptureBody     bool // whether to retain response bodies (memory cost)
	MaxBodyBytes    int64
	// OnDial, if set, is called once per dispatched request with whether
	// the underlying TCP connection was served from http.Transport's idle
	// pool. Used to feed internal/metrics.ConnectionTracker without
	// coupling this package to the metrics aggregator.
	OnDial func(reused bool)
}

// DefaultConfig mirrors spec §6's recognised transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		MaxIdleConns:    512,
		MaxConnsPerHost: 0,
		RedirectMode:    RedirectFollow,
		MaxRedirects:    5,
		CaptureBody:     true,
		MaxBodyBytes:    1 << 20,
	}
}

// Client executes ResolvedRequests against the target under test. One
// Client is shared by every worker goroutine in a run's event loop; the
// underlying *http.Transport's connection pool is what gives the run
// realistic keep-alive behaviour.
type Client struct {
	http   *http.Client
	transport *http.Transport
	cfg    Config
}

// New builds a Client from cfg. Grounded on the teacher's
// StreamableHTTPAdapter.Connect, generalised from the teacher's private
// safeDialer (which blocks RFC1918 ranges for an MCP server-to-server
// trust boundary the load generator does not have) to a plain dialer,
// since spec's target is operator-supplied and not treated as untrusted.
func New(cfg Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if cfg.TLSSkipVerify || len(cfg.CABundle) > 0 {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
		if len(cfg.CABundle) > 0 {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(cfg.CABundle) {
				tlsConfig.RootCAs = pool
			}
		}
		transport.TLSClientConfig = tlsConfig
	}

	httpClient := &http.Client{
		Transport:     transport,
		CheckRedirect: buildCheckRedirect(cfg),
	}

	return &Client{http: httpClient, transport: transport, cfg: cfg}
}

func buildCheckRedirect(cfg Config) func(*http.Request, []*http.Request) error {
	if cfg.RedirectMode == RedirectDeny {
		return func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		if cfg.RedirectMode == RedirectSameOrigin && len(via) > 0 {
			if !strings.EqualFold(req.URL.Hostname(), via[0].URL.Hostname()) {
				return http.ErrUseLastResponse
			}
		}
		return nil
	}
}

// Close releases the connection pool. Called once a run finishes draining.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Execute dispatches one resolved request and always returns a
// ResponseRecord: network and protocol failures populate Error and leave
// Status at zero rather than being returned as a Go error (spec §4.2).
// Requests that never reach the wire (malformed URL, body construction or
// auth signing failure) also come back as a record with Error populated.
func (c *Client) Execute(ctx context.Context, reqSpec loadmodel.ResolvedRequest, timeoutMs int64) loadmodel.ResponseRecord {
	record := loadmodel.ResponseRecord{}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	bodyReader, contentType, err := buildBody(reqSpec.Body)
	if err != nil {
		record.Error = loadmodel.ResponseError{Kind: loadmodel.ErrorInternal, Message: err.Error()}
		return record
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(reqSpec.Method), reqSpec.URL, bodyReader)
	if err != nil {
		if _, parseErr := url.Parse(reqSpec.URL); parseErr != nil {
			record.Error = loadmodel.ResponseError{Kind: loadmodel.ErrorInvalidURL, Message: err.Error()}
		} else {
			record.Error = loadmodel.ResponseError{Kind: loadmodel.ErrorInternal, Message: err.Error()}
		}
		return record
	}

	for _, h := range reqSpec.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	if signer := signerFor(reqSpec.Auth.Kind); reqSpec.Auth.Kind != loadmodel.AuthNone {
		if signErr := signer.Sign(ctx, httpReq, reqSpec.Auth, c.http); signErr != nil {
			record.Error = loadmodel.ResponseError{Kind: loadmodel.ErrorInternal, Message: "auth: " + signErr.Error()}
			return record
		}
	}

	tracker := newPhaseTimingTracker()
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(httpReq.Context(), tracker.trace()))

	record.RequestHeadersSent = cloneHeaders(httpReq.Header)

	resp, err := c.http.Do(httpReq)
	endTime := time.Now()
	record.Timing = tracker.compute(endTime)
	if c.cfg.OnDial != nil {
		c.cfg.OnDial(tracker.wasReused())
	}

	if err != nil {
		record.Error = classifyError(err)
		return record
	}
	defer resp.Body.Close()

	record.Status = resp.StatusCode
	record.StatusText = resp.Status
	record.ResponseHeaders = headersToSlice(resp.Header)

	if c.cfg.CaptureBody {
		limit := c.cfg.MaxBodyBytes
		if limit <= 0 {
			limit = 1 << 20
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
		if readErr != nil && readErr != io.EOF {
			record.Error = classifyError(readErr)
			return record
		}
		record.BodyBytes = body
	}
	if resp.ContentLength >= 0 {
		record.BodySize = resp.ContentLength
	} else {
		record.BodySize = int64(len(record.BodyBytes))
	}

	record.Error = loadmodel.ResponseError{Kind: loadmodel.ErrorNone}
	return record
}

func buildBody(body loadmodel.RequestBody) (io.Reader, string, error) {
	switch body.Kind {
	case loadmodel.BodyNone, "":
		return nil, "", nil
	case loadmodel.BodyJSON:
		return bytes.NewReader(body.Content), "application/json", nil
	case loadmodel.BodyText:
		return bytes.NewReader(body.Content), "text/plain; charset=utf-8", nil
	case loadmodel.BodyFormURLEncoded:
		return bytes.NewReader(body.Content), "application/x-www-form-urlencoded", nil
	case loadmodel.BodyBinary:
		return bytes.NewReader(body.Content), "application/octet-stream", nil
	case loadmodel.BodyMultipart:
		return buildMultipartBody(body.Content)
	default:
		return nil, "", fmt.Errorf("unsupported body kind %q", body.Kind)
	}
}

// buildMultipartBody interprets body.Content as a single opaque field named
// "payload"; templates requiring richer multipart shapes compose the parts
// themselves and send BodyBinary with an explicit Content-Type header.
func buildMultipartBody(content []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormField("payload")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func cloneHeaders(h http.Header) []loadmodel.Header {
	out := make([]loadmodel.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, loadmodel.Header{Name: name, Value: v})
		}
	}
	return out
}

func headersToSlice(h http.Header) []loadmodel.Header {
	return cloneHeaders(h)
}

func bodyBytes(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
