// Package audit records structured, append-only audit events: state
// transitions, votes, uploads, and integrity failures. It deliberately
// does not attempt to be the proof chain (see internal/proof) — the
// audit log exists even for events that never produce a proof record,
// such as a rejected request or a failed unwrap.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSecurity EventType = "SECURITY"
	EventSystem   EventType = "SYSTEM"
)

// Event is a single structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	Principal string                 `json:"principal,omitempty"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource, principal string, metadata map[string]interface{}) error
}

type logger struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

// NewLogger returns a Logger writing newline-delimited "AUDIT: <json>"
// records to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter returns a Logger writing to w — used in tests to
// capture events, and in production to redirect to a file or pipe.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{w: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, eventType EventType, action, resource, principal string, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.New().String(),
		Principal: principal,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}
