package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fieldkit/mcpcore/internal/storage"
)

func marshalEvent(ev storage.Event) ([]byte, error) {
	return json.Marshal(ev.Data)
}

// FormatSSE renders one event as an SSE frame: an `id:` line so clients can
// track Last-Event-ID, an `event:` line, one or more `data:` lines (split on
// newlines per the SSE wire format), and an optional `retry:` hint.
func FormatSSE(ev storage.Event) ([]byte, error) {
	payload, err := marshalEvent(ev)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(ev.ID, 10))
	buf.WriteByte('\n')

	if ev.EventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.EventType)
		buf.WriteByte('\n')
	}

	for _, line := range strings.Split(string(payload), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	if ev.Retry != nil {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.FormatInt(*ev.Retry, 10))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// KeepaliveFrame is the idle-stream keepalive frame (spec.md §4.F): a
// data-only SSE message intermediaries won't buffer or close the
// connection over, distinct from an event carrying a real notification.
func KeepaliveFrame() []byte {
	return []byte("data: {\"type\":\"keepalive\"}\n\n")
}
