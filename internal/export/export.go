package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/apitrail/apitrail/internal/capture"
	"github.com/apitrail/apitrail/internal/metrics"
	"github.com/apitrail/apitrail/internal/store"
)

// ErrSessionNotFound is returned when the requested session does not exist.
var ErrSessionNotFound = errors.New("export: session not found")

// topEndpointLimit caps the per-export endpoint frequency table.
const topEndpointLimit = 20

// Summary is the aggregate emitted on the meta line.
type Summary struct {
	Calls        int             `json:"calls"`
	Errors       int             `json:"errors"`
	Hosts        []string        `json:"hosts"`
	TopEndpoints []EndpointCount `json:"topEndpoints"`
}

// EndpointCount is a (method, path-without-query) frequency entry.
type EndpointCount struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Count  int    `json:"count"`
}

type sessionMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	SourceURL string `json:"sourceUrl,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type metaLine struct {
	Type    string      `json:"type"`
	Session sessionMeta `json:"session"`
	Summary Summary     `json:"summary"`
}

type requestPart struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

type responsePart struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
	Truncated  bool              `json:"truncated"`
}

type callLine struct {
	Type      string       `json:"type"`
	Seq       int          `json:"seq"`
	Timestamp string       `json:"timestamp"`
	Request   requestPart  `json:"request"`
	Response  responsePart `json:"response"`
	Duration  int64        `json:"duration"`
}

// WriteSession serializes a session as line-oriented UTF-8 text: one
// meta line, then one line per call in ascending seq order. The output
// is a projection of store state at read time; callers that need a
// consistent artifact stop recording first.
func WriteSession(ctx context.Context, w io.Writer, st store.Store, sessionID string) error {
	start := time.Now()
	sess, err := st.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	calls, err := st.GetCallsBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	meta := metaLine{
		Type: "meta",
		Session: sessionMeta{
			ID:        sess.ID,
			Name:      sess.Name,
			Status:    string(sess.Status),
			SourceURL: sess.SourceURL,
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: sess.UpdatedAt.UTC().Format(time.RFC3339),
		},
		Summary: Summarize(calls),
	}
	if err := enc.Encode(meta); err != nil {
		return err
	}
	for _, c := range calls {
		line := callLine{
			Type:      "call",
			Seq:       c.Seq,
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
			Request: requestPart{
				Method:  c.Method,
				URL:     c.URL,
				Headers: c.RequestHeaders,
				Body:    bodyValue(c.RequestBody, requestContentType(c)),
			},
			Response: responsePart{
				Status:     c.Status,
				StatusText: c.StatusText,
				Headers:    c.ResponseHeaders,
				Body:       bodyValue(c.ResponseBody, capture.ContentType(c)),
				Truncated:  c.ResponseBodyTruncated,
			},
			Duration: c.DurationMS,
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	metrics.IncExport()
	metrics.ObserveExportDuration(time.Since(start).Seconds())
	return nil
}

// ExportSession buffers WriteSession output.
func ExportSession(ctx context.Context, st store.Store, sessionID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteSession(ctx, &buf, st, sessionID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Summarize computes the meta-line aggregate over calls in seq order.
func Summarize(calls []store.Call) Summary {
	sum := Summary{
		Calls: len(calls),
		Hosts: []string{},
	}
	seenHosts := make(map[string]struct{})
	type endpointKey struct{ method, path string }
	counts := make(map[endpointKey]int)
	order := make([]endpointKey, 0)

	for _, c := range calls {
		if c.Status >= 400 {
			sum.Errors++
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			continue
		}
		if h := u.Hostname(); h != "" {
			if _, ok := seenHosts[h]; !ok {
				seenHosts[h] = struct{}{}
				sum.Hosts = append(sum.Hosts, h)
			}
		}
		k := endpointKey{method: c.Method, path: u.Path}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	// Stable sort on descending count keeps first-seen order for ties.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > topEndpointLimit {
		order = order[:topEndpointLimit]
	}
	sum.TopEndpoints = make([]EndpointCount, 0, len(order))
	for _, k := range order {
		sum.TopEndpoints = append(sum.TopEndpoints, EndpointCount{
			Method: k.method,
			Path:   k.path,
			Count:  counts[k],
		})
	}
	return sum
}

// Filename suggests an artifact name for a session export.
func Filename(sess store.Session) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, sess.Name)
	id := sess.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s.ndjson", name, id)
}

// bodyValue embeds a JSON body structurally when the declared content
// type says json and the payload parses; anything else degrades to the
// raw text. It never fails.
func bodyValue(body, contentType string) any {
	if body == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") && json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	return body
}

func requestContentType(c store.Call) string {
	for k, v := range c.RequestHeaders {
		if strings.EqualFold(k, "content-type") {
			return v
		}
	}
	return ""
}
