package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every JSON hub protocol message.
const recordSeparator byte = 0x1e

type messageType int

const (
	msgInvocation       messageType = 1
	msgStreamItem       messageType = 2
	msgCompletion       messageType = 3
	msgStreamInvocation messageType = 4
	msgCancelInvocation messageType = 5
	msgPing             messageType = 6
	msgClose            messageType = 7
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// hubMessage is the union of every message shape the client reads or writes.
type hubMessage struct {
	Type           messageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// invocationMessage always serialises arguments, the server rejects a
// missing array.
type invocationMessage struct {
	Type         messageType   `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
}

func encodeRecord(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// splitRecords returns the complete records in a frame. A trailing fragment
// without separator is reported as an error.
func splitRecords(frame []byte) ([][]byte, error) {
	var records [][]byte
	for len(frame) > 0 {
		i := bytes.IndexByte(frame, recordSeparator)
		if i < 0 {
			return records, fmt.Errorf("incomplete hub record (%d bytes)", len(frame))
		}
		if i > 0 {
			records = append(records, frame[:i])
		}
		frame = frame[i+1:]
	}
	return records, nil
}

func decodeMessage(record []byte) (hubMessage, error) {
	var msg hubMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		return hubMessage{}, fmt.Errorf("decode hub message: %w", err)
	}
	return msg, nil
}

// argumentText renders the first argument of a push as text. String
// arguments are unquoted; anything else is passed through as raw JSON.
func argumentText(args []json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err == nil {
		return s
	}
	return string(args[0])
}
