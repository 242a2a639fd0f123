package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/apitrail/apitrail/internal/store"
	"github.com/apitrail/apitrail/internal/store/memory"
)

func seedSession(t *testing.T, st *memory.DB, calls ...store.Call) store.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "checkout flow", "https://shop.example.com")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, c := range calls {
		if _, err := st.AddCall(ctx, sess.ID, c); err != nil {
			t.Fatalf("add call: %v", err)
		}
	}
	return sess
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not valid JSON: %v\n%s", err, sc.Text())
		}
		out = append(out, m)
	}
	return out
}

func TestExportSessionNotFound(t *testing.T) {
	st := memory.New()
	_, err := ExportSession(context.Background(), st, "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExportEmptySession(t *testing.T) {
	st := memory.New()
	sess := seedSession(t, st)
	data, err := ExportSession(context.Background(), st, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := decodeLines(t, data)
	if len(lines) != 1 {
		t.Fatalf("expected 1 meta line, got %d", len(lines))
	}
	if lines[0]["type"] != "meta" {
		t.Fatalf("first line type = %v", lines[0]["type"])
	}
	var meta metaLine
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta.Summary.Calls != 0 || meta.Summary.Errors != 0 {
		t.Fatalf("empty summary has counts: %+v", meta.Summary)
	}
	if meta.Summary.Hosts == nil || meta.Summary.TopEndpoints == nil {
		t.Fatalf("summary slices must be non-nil for deterministic output")
	}
}

func TestExportMetaFirstThenCallsInSeqOrder(t *testing.T) {
	st := memory.New()
	sess := seedSession(t, st,
		store.Call{Method: "GET", URL: "https://api.example.com/users", Status: 200, StatusText: "OK", DurationMS: 12},
		store.Call{Method: "POST", URL: "https://api.example.com/orders", Status: 500, StatusText: "Internal Server Error", DurationMS: 80},
		store.Call{Method: "GET", URL: "https://auth.example.com/token", Status: 401, StatusText: "Unauthorized"},
	)

	data, err := ExportSession(context.Background(), st, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := decodeLines(t, data)
	if len(lines) != 4 {
		t.Fatalf("expected meta + 3 calls, got %d lines", len(lines))
	}
	if lines[0]["type"] != "meta" {
		t.Fatalf("meta line must come first")
	}
	for i, line := range lines[1:] {
		if line["type"] != "call" {
			t.Fatalf("line %d type = %v", i+1, line["type"])
		}
		if int(line["seq"].(float64)) != i+1 {
			t.Fatalf("line %d seq = %v, want %d", i+1, line["seq"], i+1)
		}
	}

	var meta metaLine
	if err := json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta.Summary.Calls != 3 {
		t.Fatalf("summary calls = %d", meta.Summary.Calls)
	}
	if meta.Summary.Errors != 2 {
		t.Fatalf("summary errors = %d (status >= 400 counts)", meta.Summary.Errors)
	}
	wantHosts := []string{"api.example.com", "auth.example.com"}
	if len(meta.Summary.Hosts) != 2 || meta.Summary.Hosts[0] != wantHosts[0] || meta.Summary.Hosts[1] != wantHosts[1] {
		t.Fatalf("hosts = %v, want %v (first-seen order)", meta.Summary.Hosts, wantHosts)
	}
	if meta.Session.ID != sess.ID || meta.Session.Name != "checkout flow" {
		t.Fatalf("session meta = %+v", meta.Session)
	}
}

func TestExportDeterministic(t *testing.T) {
	st := memory.New()
	sess := seedSession(t, st,
		store.Call{Method: "GET", URL: "https://api.example.com/a", Status: 200},
		store.Call{Method: "GET", URL: "https://api.example.com/b", Status: 200},
	)
	ctx := context.Background()
	first, err := ExportSession(ctx, st, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	second, err := ExportSession(ctx, st, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("repeated export over unchanged store differs")
	}
}

func TestBodyValueJSONPassthrough(t *testing.T) {
	st := memory.New()
	sess := seedSession(t, st,
		store.Call{
			Method:          "GET",
			URL:             "https://api.example.com/users",
			ResponseHeaders: map[string]string{"Content-Type": "application/json"},
			ResponseBody:    `{"id": 1}`,
			Status:          200,
		},
		store.Call{
			Method:          "GET",
			URL:             "https://api.example.com/broken",
			ResponseHeaders: map[string]string{"Content-Type": "application/json"},
			ResponseBody:    `{"id": `,
			Status:          200,
		},
		store.Call{
			Method:          "GET",
			URL:             "https://api.example.com/plain",
			ResponseHeaders: map[string]string{"Content-Type": "text/plain"},
			ResponseBody:    `{"looks": "like json"}`,
			Status:          200,
		},
	)

	data, err := ExportSession(context.Background(), st, sess.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := decodeLines(t, data)

	body1 := lines[1]["response"].(map[string]any)["body"]
	if m, ok := body1.(map[string]any); !ok || m["id"].(float64) != 1 {
		t.Fatalf("valid JSON body not embedded structurally: %#v", body1)
	}
	body2 := lines[2]["response"].(map[string]any)["body"]
	if s, ok := body2.(string); !ok || s != `{"id": ` {
		t.Fatalf("invalid JSON body must degrade to text: %#v", body2)
	}
	body3 := lines[3]["response"].(map[string]any)["body"]
	if s, ok := body3.(string); !ok || s != `{"looks": "like json"}` {
		t.Fatalf("non-JSON content type must stay text: %#v", body3)
	}
}

func TestSummarizeTopEndpoints(t *testing.T) {
	calls := []store.Call{
		{Method: "GET", URL: "https://h/a?q=1", Status: 200},
		{Method: "GET", URL: "https://h/b", Status: 200},
		{Method: "GET", URL: "https://h/a?q=2", Status: 200},
		{Method: "POST", URL: "https://h/b", Status: 200},
	}
	sum := Summarize(calls)
	if len(sum.TopEndpoints) != 3 {
		t.Fatalf("expected 3 endpoint entries, got %d", len(sum.TopEndpoints))
	}
	top := sum.TopEndpoints[0]
	if top.Method != "GET" || top.Path != "/a" || top.Count != 2 {
		t.Fatalf("query string must not split endpoints: %+v", top)
	}
	// Ties keep first-seen order.
	if sum.TopEndpoints[1].Path != "/b" || sum.TopEndpoints[1].Method != "GET" {
		t.Fatalf("tie order not stable: %+v", sum.TopEndpoints)
	}
}

func TestSummarizeTopEndpointLimit(t *testing.T) {
	var calls []store.Call
	for i := 0; i < topEndpointLimit+5; i++ {
		calls = append(calls, store.Call{
			Method: "GET",
			URL:    "https://h/endpoint-" + string(rune('a'+i)),
			Status: 200,
		})
	}
	sum := Summarize(calls)
	if len(sum.TopEndpoints) != topEndpointLimit {
		t.Fatalf("endpoint table size = %d, want %d", len(sum.TopEndpoints), topEndpointLimit)
	}
}

func TestFilename(t *testing.T) {
	sess := store.Session{ID: "2f6b1c3e-9d7a-4a7f-9a1c-0123456789ab", Name: "checkout flow #2"}
	got := Filename(sess)
	if got != "checkout-flow--2-2f6b1c3e.ndjson" {
		t.Fatalf("filename = %q", got)
	}
}
