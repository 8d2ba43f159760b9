// Package wire defines the JSON messages exchanged with clients. Every
// message is an object tagged by a "type" field.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server message types.
const (
	TypeVoiceInput    = "voice_input"
	TypePing          = "ping"
	TypeActionConfirm = "action_confirm"
)

// Server -> client message types.
const (
	TypeResponseChunk = "response_chunk"
	TypeAction        = "action"
	TypeError         = "error"
	TypePong          = "pong"
)

// Error codes carried by Error messages.
const (
	CodeProtocolError        = "PROTOCOL_ERROR"
	CodeUnknownIntent        = "UNKNOWN_INTENT"
	CodePluginTimeout        = "PLUGIN_TIMEOUT"
	CodePluginError          = "PLUGIN_ERROR"
	CodePluginUnavailable    = "PLUGIN_UNAVAILABLE"
	CodeInferenceUnavailable = "INFERENCE_UNAVAILABLE"
	CodeStreamReorder        = "STREAM_REORDER"
)

// ClientMessage is the union of everything a client may send. Type decides
// which fields are meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// voice_input
	Transcription string `json:"transcription,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"` // client clock, informational only

	// ping
	State string `json:"state,omitempty"`

	// action_confirm
	ActionID string `json:"action_id,omitempty"`
	Status   string `json:"status,omitempty"`

	ClientID string `json:"client_id,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case TypeVoiceInput:
		if msg.Transcription == "" {
			return ClientMessage{}, fmt.Errorf("voice_input without transcription")
		}
	case TypePing:
	case TypeActionConfirm:
		if msg.ActionID == "" {
			return ClientMessage{}, fmt.Errorf("action_confirm without action_id")
		}
	case "":
		return ClientMessage{}, fmt.Errorf("message without type")
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}

// ResponseChunk is one ordered piece of a streamed reply.
type ResponseChunk struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	IsFinal    bool   `json:"is_final"`
	ChunkIndex int    `json:"chunk_index"`
}

// Action announces a completed plugin call to the client, which may confirm
// it with action_confirm.
type Action struct {
	Type         string         `json:"type"`
	ActionID     string         `json:"action_id"`
	Plugin       string         `json:"plugin"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params,omitempty"`
	ResponseText string         `json:"response_text,omitempty"`
}

// Error reports a failure. Recoverable errors leave the session open.
type Error struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Pong acknowledges a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func NewResponseChunk(content string, isFinal bool, index int) ResponseChunk {
	return ResponseChunk{Type: TypeResponseChunk, Content: content, IsFinal: isFinal, ChunkIndex: index}
}

func NewAction(actionID, pluginName, action string, params map[string]any, responseText string) Action {
	return Action{Type: TypeAction, ActionID: actionID, Plugin: pluginName, Action: action, Params: params, ResponseText: responseText}
}

func NewError(code, message string, recoverable bool) Error {
	return Error{Type: TypeError, Code: code, Message: message, Recoverable: recoverable}
}

func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: now.UTC().Format(time.RFC3339)}
}

// Encode marshals any server message. Marshalling these fixed shapes cannot
// fail; Encode panics on programmer error rather than return an error that
// every call site would ignore.
func Encode(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("wire: encode %T: %v", msg, err))
	}
	return data
}
