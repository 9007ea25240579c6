package protocol

import (
	"encoding/json"
	"strings"
)

// Typed content payloads. ParseContent returns exactly one of these, so a
// switch over the result covers every message shape the client understands;
// anything else comes back as UnknownContent with the raw bytes intact.

type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

type StreamContent struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

type ExecuteResultContent struct {
	ExecutionCount int                        `json:"execution_count"`
	Data           map[string]json.RawMessage `json:"data"`
	Metadata       map[string]any             `json:"metadata"`
}

type DisplayDataContent struct {
	Data     map[string]json.RawMessage `json:"data"`
	Metadata map[string]any             `json:"metadata"`
}

type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type ExecuteReplyContent struct {
	Status         string `json:"status"` // "ok", "error", "aborted"
	ExecutionCount int    `json:"execution_count"`
}

// UnknownContent preserves payloads for message types this client does not
// handle. Kept raw so nothing is lost if a caller wants to inspect it.
type UnknownContent struct {
	MsgType string
	Raw     json.RawMessage
}

// ParseContent decodes the envelope's content according to its msg_type.
func (m *Message) ParseContent() (any, error) {
	switch m.Header.MsgType {
	case MsgStatus:
		var c StatusContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	case MsgStream:
		var c StreamContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	case MsgExecuteResult:
		var c ExecuteResultContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	case MsgDisplayData:
		var c DisplayDataContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	case MsgError:
		var c ErrorContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	case MsgExecuteReply:
		var c ExecuteReplyContent
		err := json.Unmarshal(m.Content, &c)
		return c, err
	default:
		return UnknownContent{MsgType: m.Header.MsgType, Raw: m.Content}, nil
	}
}

// mimePriority orders render candidates richest-first.
var mimePriority = []string{"image/png", "text/html", "text/plain"}

// RichestMime picks the best displayable entry from a mime bundle and
// returns its mime type plus the decoded text. Jupyter encodes bundle values
// as either a string or a list of strings; both are handled. Returns
// ("", "") when nothing displayable is present.
func RichestMime(data map[string]json.RawMessage) (mime, text string) {
	for _, want := range mimePriority {
		raw, ok := data[want]
		if !ok {
			continue
		}
		if s, ok := decodeMimeValue(raw); ok {
			return want, s
		}
	}
	return "", ""
}

func decodeMimeValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, ""), true
	}
	return "", false
}
