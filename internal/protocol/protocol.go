// Package protocol implements the Jupyter kernel messaging envelope and the
// typed content payloads the client produces and consumes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version advertised in every header.
const ProtocolVersion = "5.3"

// Channels multiplexed over the single kernel WebSocket.
const (
	ChannelShell   = "shell"
	ChannelControl = "control"
	ChannelIOPub   = "iopub"
	ChannelStdin   = "stdin"
)

// Message types produced by this client.
const (
	MsgExecuteRequest    = "execute_request"
	MsgInterruptRequest  = "interrupt_request"
	MsgKernelInfoRequest = "kernel_info_request"
)

// Message types consumed from the kernel.
const (
	MsgStatus        = "status"
	MsgStream        = "stream"
	MsgExecuteResult = "execute_result"
	MsgDisplayData   = "display_data"
	MsgError         = "error"
	MsgExecuteReply  = "execute_reply"
)

// Execution states carried by status messages.
const (
	StateIdle     = "idle"
	StateBusy     = "busy"
	StateStarting = "starting"
)

// Header identifies a message and its origin session.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Version  string `json:"version"`
	Date     string `json:"date,omitempty"`
}

// Message is the Jupyter wire envelope. Content stays raw until the caller
// asks for the typed payload via ParseContent.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
}

// NewMessage builds an outgoing envelope with a fresh msg_id.
func NewMessage(session, msgType, channel string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  session,
			Username: "kernelbook",
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339),
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a raw frame into an envelope. Content is kept raw.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ExecuteRequest asks the kernel to run a block of code.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// NewExecuteRequest builds the standard execute payload for one cell.
func NewExecuteRequest(code string) ExecuteRequest {
	return ExecuteRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	}
}

// InterruptRequest has no fields; the kernel id travels in the REST path or
// the control channel routing, not the payload.
type InterruptRequest struct{}

// KernelInfoRequest probes a freshly opened channel.
type KernelInfoRequest struct{}
