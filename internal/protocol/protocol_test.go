package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("sess-1", MsgExecuteRequest, ChannelShell, NewExecuteRequest("print(1)"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Header.MsgType != MsgExecuteRequest {
		t.Errorf("MsgType = %q, want %q", msg.Header.MsgType, MsgExecuteRequest)
	}
	if msg.Header.Session != "sess-1" {
		t.Errorf("Session = %q, want sess-1", msg.Header.Session)
	}
	if msg.Header.Version != ProtocolVersion {
		t.Errorf("Version = %q, want %q", msg.Header.Version, ProtocolVersion)
	}
	if msg.Channel != ChannelShell {
		t.Errorf("Channel = %q, want shell", msg.Channel)
	}
	if _, err := uuid.Parse(msg.Header.MsgID); err != nil {
		t.Errorf("MsgID %q is not a valid UUID: %v", msg.Header.MsgID, err)
	}
}

func TestMsgIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg, err := NewMessage("s", MsgKernelInfoRequest, ChannelShell, KernelInfoRequest{})
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if seen[msg.Header.MsgID] {
			t.Fatalf("duplicate msg_id %q", msg.Header.MsgID)
		}
		seen[msg.Header.MsgID] = true
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig, err := NewMessage("sess-1", MsgExecuteRequest, ChannelShell, NewExecuteRequest("x = 1"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Header.MsgID != orig.Header.MsgID {
		t.Errorf("MsgID = %q, want %q", decoded.Header.MsgID, orig.Header.MsgID)
	}
	content, err := decoded.ParseContent()
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	// execute_request is not a consumed type, so it round-trips as unknown.
	u, ok := content.(UnknownContent)
	if !ok {
		t.Fatalf("content = %T, want UnknownContent", content)
	}
	var req ExecuteRequest
	if err := json.Unmarshal(u.Raw, &req); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if req.Code != "x = 1" {
		t.Errorf("Code = %q, want %q", req.Code, "x = 1")
	}
	if req.Silent {
		t.Error("Silent = true, want false")
	}
	if !req.StoreHistory {
		t.Error("StoreHistory = false, want true")
	}
}

func TestParseContentVariants(t *testing.T) {
	tests := []struct {
		msgType string
		content string
		check   func(t *testing.T, got any)
	}{
		{
			msgType: MsgStatus,
			content: `{"execution_state":"idle"}`,
			check: func(t *testing.T, got any) {
				c, ok := got.(StatusContent)
				if !ok {
					t.Fatalf("got %T, want StatusContent", got)
				}
				if c.ExecutionState != StateIdle {
					t.Errorf("ExecutionState = %q, want idle", c.ExecutionState)
				}
			},
		},
		{
			msgType: MsgStream,
			content: `{"name":"stdout","text":"1\n"}`,
			check: func(t *testing.T, got any) {
				c, ok := got.(StreamContent)
				if !ok {
					t.Fatalf("got %T, want StreamContent", got)
				}
				if c.Text != "1\n" {
					t.Errorf("Text = %q, want %q", c.Text, "1\n")
				}
			},
		},
		{
			msgType: MsgError,
			content: `{"ename":"ZeroDivisionError","evalue":"division by zero","traceback":["tb1","tb2"]}`,
			check: func(t *testing.T, got any) {
				c, ok := got.(ErrorContent)
				if !ok {
					t.Fatalf("got %T, want ErrorContent", got)
				}
				if c.EName != "ZeroDivisionError" {
					t.Errorf("EName = %q", c.EName)
				}
				if len(c.Traceback) != 2 {
					t.Errorf("Traceback len = %d, want 2", len(c.Traceback))
				}
			},
		},
		{
			msgType: MsgExecuteReply,
			content: `{"status":"ok","execution_count":3}`,
			check: func(t *testing.T, got any) {
				c, ok := got.(ExecuteReplyContent)
				if !ok {
					t.Fatalf("got %T, want ExecuteReplyContent", got)
				}
				if c.Status != "ok" || c.ExecutionCount != 3 {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			msgType: "comm_open",
			content: `{"comm_id":"abc"}`,
			check: func(t *testing.T, got any) {
				c, ok := got.(UnknownContent)
				if !ok {
					t.Fatalf("got %T, want UnknownContent", got)
				}
				if c.MsgType != "comm_open" {
					t.Errorf("MsgType = %q", c.MsgType)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			m := &Message{
				Header:  Header{MsgID: "m1", MsgType: tt.msgType},
				Content: json.RawMessage(tt.content),
			}
			got, err := m.ParseContent()
			if err != nil {
				t.Fatalf("ParseContent: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestRichestMime(t *testing.T) {
	raw := func(s string) json.RawMessage { return json.RawMessage(s) }

	tests := []struct {
		name     string
		data     map[string]json.RawMessage
		wantMime string
		wantText string
	}{
		{
			name:     "png beats html and plain",
			data:     map[string]json.RawMessage{"image/png": raw(`"iVBOR=="`), "text/html": raw(`"<b>x</b>"`), "text/plain": raw(`"x"`)},
			wantMime: "image/png",
			wantText: "iVBOR==",
		},
		{
			name:     "html beats plain",
			data:     map[string]json.RawMessage{"text/html": raw(`"<b>x</b>"`), "text/plain": raw(`"x"`)},
			wantMime: "text/html",
			wantText: "<b>x</b>",
		},
		{
			name:     "plain only",
			data:     map[string]json.RawMessage{"text/plain": raw(`"42"`)},
			wantMime: "text/plain",
			wantText: "42",
		},
		{
			name:     "list-of-strings value",
			data:     map[string]json.RawMessage{"text/plain": raw(`["a\n","b\n"]`)},
			wantMime: "text/plain",
			wantText: "a\nb\n",
		},
		{
			name:     "nothing displayable",
			data:     map[string]json.RawMessage{"application/json": raw(`{"x":1}`)},
			wantMime: "",
			wantText: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, text := RichestMime(tt.data)
			if mime != tt.wantMime || text != tt.wantText {
				t.Errorf("RichestMime = (%q, %q), want (%q, %q)", mime, text, tt.wantMime, tt.wantText)
			}
		})
	}
}
