package capture

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/apitrail/apitrail/internal/store"
)

// Defaults for write-time admission policy. Redaction and truncation
// happen exactly once, when a raw transaction is normalized; they are
// never re-derived later.
const (
	DefaultMaxBodyBytes = 100 * 1024
	RedactedValue       = "[REDACTED]"
	TruncationMarker    = "... [truncated]"
)

// sensitiveHeaders are matched case-insensitively and replaced with
// RedactedValue. The redaction is irreversible.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
	"api-key":       {},
}

// staticExtensions mark asset fetches that are noise for API analysis.
var staticExtensions = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".html": {}, ".htm": {},
}

// RawTransaction is one observed request/response pair as delivered by
// the capture collaborator, before any policy is applied.
type RawTransaction struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	DurationMS      int64             `json:"duration"`
}

// Kind classifies a transaction as API traffic or a static asset fetch.
type Kind int

const (
	KindAPI Kind = iota
	KindStatic
)

// Normalizer turns raw transactions into store-ready calls. It is
// stateless: every output is a pure function of the input and the
// configured limits.
type Normalizer struct {
	maxBodyBytes int
	sensitive    map[string]struct{}
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxBodyBytes overrides the 100 KiB truncation threshold.
func WithMaxBodyBytes(n int) Option {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.maxBodyBytes = n
		}
	}
}

// WithSensitiveHeaders adds header names to the redaction set.
func WithSensitiveHeaders(names ...string) Option {
	return func(nz *Normalizer) {
		for _, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if n != "" {
				nz.sensitive[n] = struct{}{}
			}
		}
	}
}

func NewNormalizer(opts ...Option) *Normalizer {
	nz := &Normalizer{
		maxBodyBytes: DefaultMaxBodyBytes,
		sensitive:    make(map[string]struct{}, len(sensitiveHeaders)),
	}
	for k := range sensitiveHeaders {
		nz.sensitive[k] = struct{}{}
	}
	for _, o := range opts {
		o(nz)
	}
	return nz
}

// Normalize applies redaction and truncation and returns a call ready
// for insertion. Session binding, seq and id are assigned by the store.
func (nz *Normalizer) Normalize(raw RawTransaction) store.Call {
	c := store.Call{
		Timestamp:       time.Now().UTC(),
		Method:          raw.Method,
		URL:             raw.URL,
		RequestHeaders:  nz.redact(raw.RequestHeaders),
		ResponseHeaders: nz.redact(raw.ResponseHeaders),
		Status:          raw.Status,
		StatusText:      raw.StatusText,
		DurationMS:      raw.DurationMS,
	}
	c.RequestBody = nz.truncateRequest(raw.RequestBody)
	c.ResponseBody, c.ResponseBodyTruncated = nz.truncateResponse(raw.ResponseBody)
	return c
}

// Classify reports whether the transaction looks like API traffic or a
// static asset fetch, judged by URL extension first and response
// content type second.
func (nz *Normalizer) Classify(raw RawTransaction) Kind {
	if u, err := url.Parse(raw.URL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if _, ok := staticExtensions[ext]; ok {
			return KindStatic
		}
	}
	ct := strings.ToLower(contentType(raw.ResponseHeaders))
	switch {
	case strings.Contains(ct, "json"), strings.Contains(ct, "xml"),
		strings.Contains(ct, "grpc"), strings.Contains(ct, "protobuf"):
		return KindAPI
	case strings.HasPrefix(ct, "text/html"), strings.HasPrefix(ct, "text/css"),
		strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "font/"),
		strings.Contains(ct, "javascript"):
		return KindStatic
	}
	return KindAPI
}

func (nz *Normalizer) redact(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, sensitive := nz.sensitive[strings.ToLower(k)]; sensitive {
			out[k] = RedactedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// truncateRequest cuts oversized request bodies and appends a trailing
// marker so the cut is visible in exports.
func (nz *Normalizer) truncateRequest(body string) string {
	if len(body) <= nz.maxBodyBytes {
		return body
	}
	return body[:nz.maxBodyBytes] + TruncationMarker
}

// truncateResponse cuts oversized response bodies; the truncation is
// carried as a flag rather than an in-band marker so structured bodies
// stay parseable up to the cut.
func (nz *Normalizer) truncateResponse(body string) (string, bool) {
	if len(body) <= nz.maxBodyBytes {
		return body, false
	}
	return body[:nz.maxBodyBytes], true
}

// ContentType extracts the response content type from a call's
// redacted headers, case-insensitively.
func ContentType(c store.Call) string {
	return contentType(c.ResponseHeaders)
}

func contentType(h map[string]string) string {
	for k, v := range h {
		if strings.EqualFold(k, "content-type") {
			return v
		}
	}
	return ""
}
