package history

import (
	"context"
	"time"
)

// Event is one lifecycle transition exported to external analytics
// systems. It is an audit record, separate from the recorder's own
// snapshot persistence.
type Event struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	SessionID   string    `json:"session_id,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Sink is a destination for transition history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
