package client

import "time"

// commandRequest is the body sent to the /record/* endpoints.
type commandRequest struct {
	Name        string `json:"name,omitempty"`
	SourceURL   string `json:"sourceUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
}

// envelope mirrors the daemon's {success,state}/{success,error} shape.
type envelope struct {
	Success bool           `json:"success"`
	State   *StateSnapshot `json:"state,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StateSnapshot is the lifecycle view returned by command endpoints.
type StateSnapshot struct {
	State             string     `json:"state"`
	SessionID         string     `json:"sessionId,omitempty"`
	StartTime         time.Time  `json:"startTime,omitempty"`
	PauseTime         *time.Time `json:"pauseTime,omitempty"`
	RecordedRequests  int        `json:"recordedRequests"`
	PendingOperations []string   `json:"pendingOperations,omitempty"`
	Error             *LastError `json:"error,omitempty"`
}

// LastError is the persisted detail of the most recent failed transition.
type LastError struct {
	FromState    string    `json:"fromState"`
	ToState      string    `json:"toState"`
	ErrorMessage string    `json:"errorMessage"`
	Timestamp    time.Time `json:"timestamp"`
}

// Session mirrors the store's session record.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	CallCount int       `json:"callCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RawTransaction is one observed request/response pair delivered to the
// ingest endpoint.
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
