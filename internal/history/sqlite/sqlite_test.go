package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apitrail/apitrail/internal/history"
)

func TestSinkAppendsEvents(t *testing.T) {
	sink, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	events := []history.Event{
		{From: "idle", To: "recording", SessionID: "s1", OperationID: "op-1", OccurredAt: time.Now().UTC()},
		{From: "recording", To: "error", SessionID: "s1", Error: "detach failed", OccurredAt: time.Now().UTC()},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM transition_history;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}

	var from, to, errMsg string
	if err := sink.db.QueryRow(`
		SELECT from_state, to_state, error FROM transition_history ORDER BY id DESC LIMIT 1;`).
		Scan(&from, &to, &errMsg); err != nil {
		t.Fatalf("query: %v", err)
	}
	if from != "recording" || to != "error" || errMsg != "detach failed" {
		t.Fatalf("last row: %s %s %q", from, to, errMsg)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
