package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), EventMutation, "vote", "req-1", "alice", map[string]interface{}{"decision": "yes"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	require.True(t, strings.HasSuffix(line, "\n"))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(line, "AUDIT: "), "\n")), &event))
	assert.Equal(t, EventMutation, event.Type)
	assert.Equal(t, "vote", event.Action)
	assert.Equal(t, "req-1", event.Resource)
	assert.Equal(t, "alice", event.Principal)
	assert.NotEmpty(t, event.ID)
}

func TestRecordWithoutMetadataOmitsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Record(context.Background(), EventAccess, "list_parties", "", "", nil))
	assert.NotContains(t, buf.String(), `"metadata"`)
}

func TestRecordIsSafeForConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_ = l.Record(context.Background(), EventSystem, "concurrent", "r", "p", nil)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	assert.Equal(t, 20, strings.Count(buf.String(), "AUDIT: "))
}

func TestNewLoggerWithNilWriterFallsBackToStdout(t *testing.T) {
	l := NewLoggerWithWriter(nil)
	assert.NotNil(t, l)
	assert.Equal(t, os.Stdout, l.(*logger).w)
}
