// Package loadmodel holds the plain data types shared across the load-generation
// core: request templates, resolved requests, responses, profiles, runs, and
// the metrics/sample records the aggregator and persistence layer exchange.
package loadmodel

// Method is an HTTP verb recognised by a request template.
type Method string

const (
	MethodGET     Method = "GET"
	MethodPOST    Method = "POST"
	MethodPUT     Method = "PUT"
	MethodDELETE  Method = "DELETE"
	MethodPATCH   Method = "PATCH"
	MethodHEAD    Method = "HEAD"
	MethodOPTIONS Method = "OPTIONS"
)

// BodyKind tags the shape of a request body.
type BodyKind string

const (
	BodyNone           BodyKind = "none"
	BodyJSON           BodyKind = "json"
	BodyText           BodyKind = "text"
	BodyFormURLEncoded BodyKind = "form-urlencoded"
	BodyMultipart      BodyKind = "multipart"
	BodyBinary         BodyKind = "binary"
)

// RequestBody is a tagged union over the supported body encodings.
// Content is opaque bytes; interpretation is governed by Kind.
type RequestBody struct {
	Kind    BodyKind `json:"kind"`
	Content []byte   `json:"content,omitempty"`
}

// AuthKind tags the shape of a request's authentication.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthDigest AuthKind = "digest"
	AuthOAuth2 AuthKind = "oauth2"
	AuthAWSSig AuthKind = "aws-sig-v4"
)

// Auth is a tagged union over the supported authentication schemes. Only the
// fields relevant to Kind are populated.
type Auth struct {
	Kind AuthKind `json:"kind"`

	// AuthBearer
	Token string `json:"token,omitempty"`

	// AuthBasic / AuthDigest
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// AuthOAuth2 (client-credentials grant)
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// AuthAWSSig
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Region          string `json:"region,omitempty"`
	Service         string `json:"service,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
}

// Header is one ordered key/value pair. Comparison against an existing header
// name is case-insensitive; order is preserved for wire fidelity.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPRequestTemplate is the immutable request definition a run is built
// from. A snapshot is stored in the run record once the run starts.
type HTTPRequestTemplate struct {
	Method          Method      `json:"method"`
	URL             string      `json:"url"` // may contain unresolved {{name}} variables
	Headers         []Header    `json:"headers,omitempty"`
	Body            RequestBody `json:"body"`
	Auth            Auth        `json:"auth"`
	PreScript       string      `json:"pre_script,omitempty"`
	TestScript      string      `json:"test_script,omitempty"`
	TimeoutMs       int64       `json:"timeout_ms"`
	// FollowRedirects/MaxRedirects/VerifyTLS are pointers so that an omitted
	// field means "use the daemon's configured transport default" rather
	// than the bool/int zero value: a template that never mentions
	// verify_tls must not silently disable TLS verification, and one that
	// never mentions follow_redirects must not silently stop following
	// them. A caller sets the pointer only when overriding the default.
	FollowRedirects *bool `json:"follow_redirects,omitempty"`
	MaxRedirects    *int  `json:"max_redirects,omitempty"`
	VerifyTLS       *bool `json:"verify_tls,omitempty"`
}

// HeaderValue returns the first header value matching name, case-insensitively.
func (t *HTTPRequestTemplate) HeaderValue(name string) (string, bool) {
	for _, h := range t.Headers {
		if equalFoldASCII(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ResolvedRequest is the product of an HTTPRequestTemplate resolved against a
// variable context: literal URL, literal headers, literal body bytes, fit for
// the wire. It carries no back-reference to its source template.
type ResolvedRequest struct {
	Method  Method      `json:"method"`
	URL     string      `json:"url"`
	Headers []Header    `json:"headers,omitempty"`
	Body    RequestBody `json:"body"`
	Auth    Auth        `json:"auth"`
}
