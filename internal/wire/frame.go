// Package wire defines the websocket frame vocabulary shared with the
// chat server and its JSON encoding.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the top-level frame discriminator.
type FrameType string

const (
	TypeText   FrameType = "text"
	TypeSystem FrameType = "system"
)

// SystemSubType discriminates system frames.
type SystemSubType string

const (
	TypingStarted SystemSubType = "typing_started"
	TypingStopped SystemSubType = "typing_stopped"
	Online        SystemSubType = "online"
)

// ProtocolError marks a frame the client could not make sense of. The
// frame is dropped; the connection stays up.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s: %v", e.Reason, e.Err)
	}
	return "wire: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Frame is the tagged union of everything crossing the socket.
type Frame interface {
	frameType() FrameType
}

// TextPayload is the server-side view of a chat message.
type TextPayload struct {
	ID             string    `json:"id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// TextFrame carries a chat message. Outbound frames fill Content,
// ConversationID and ClientMessageID; inbound frames carry Payload plus
// the echoed ClientMessageID when the message originated here.
type TextFrame struct {
	ClientMessageID string       `json:"client_message_id,omitempty"`
	Content         string       `json:"content,omitempty"`
	ConversationID  string       `json:"conversation_id,omitempty"`
	Payload         *TextPayload `json:"payload,omitempty"`
}

func (TextFrame) frameType() FrameType { return TypeText }

// SystemPayload identifies the sender of a system signal.
type SystemPayload struct {
	SenderID string `json:"sender_id"`
}

// SystemFrame carries typing and liveness signals.
type SystemFrame struct {
	SubType        SystemSubType  `json:"sub_type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        *SystemPayload `json:"payload,omitempty"`
}

func (SystemFrame) frameType() FrameType { return TypeSystem }

// Encode serializes a frame with its type tag.
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case TextFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			TextFrame
		}{TypeText, fr})
	case SystemFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			SystemFrame
		}{TypeSystem, fr})
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unencodable frame %T", f)}
	}
}

// Decode parses a raw frame into its concrete type. Unknown types and
// sub-types yield a ProtocolError.
func Decode(data []byte) (Frame, error) {
	var env struct {
		Type            FrameType       `json:"type"`
		SubType         SystemSubType   `json:"sub_type"`
		ClientMessageID string          `json:"client_message_id"`
		Content         string          `json:"content"`
		ConversationID  string          `json:"conversation_id"`
		Payload         json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}

	switch env.Type {
	case TypeText:
		f := TextFrame{
			ClientMessageID: env.ClientMessageID,
			Content:         env.Content,
			ConversationID:  env.ConversationID,
		}
		if len(env.Payload) > 0 {
			var p TextPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, &ProtocolError{Reason: "malformed text payload", Err: err}
			}
			f.Payload = &p
		}
		return f, nil

	case TypeSystem:
		switch env.SubType {
		case TypingStarted, TypingStopped, Online:
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unknown system sub_type %q", env.SubType)}
		}
		f := SystemFrame{
			SubType:        env.SubType,
			ConversationID: env.ConversationID,
		}
		if len(env.Payload) > 0 {
			var p SystemPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, &ProtocolError{Reason: "malformed system payload", Err: err}
			}
			f.Payload = &p
		}
		return f, nil

	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", env.Type)}
	}
}
