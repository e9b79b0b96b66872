package push

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Frame types on the push channel.
const (
	TypeNewMessage         = "new-message"
	TypeReaction           = "message-reaction"
	TypeReadUpdate         = "message-read-update"
	TypeTyping             = "typing-in-conversation"
	TypeCredentialsRotated = "credentials-rotated"
	TypeAuthError          = "auth-error"
	TypePong               = "pong"

	TypeJoinRoom  = "join-room"
	TypeLeaveRoom = "leave-room"
	TypePing      = "ping"
)

// Frame is the envelope of every push message. Room is set on events
// broadcast to a room and empty on events addressed to the user directly.
type Frame struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is the bus payload for a decoded server event.
type Inbound[T any] struct {
	Room string `json:"room,omitempty"`
	Data T      `json:"data"`
}

// Bus payload types for the push.* kinds.
type (
	NewMessage = Inbound[chat.Message]
	Reaction   = Inbound[chat.Reaction]
	ReadUpdate = Inbound[chat.ReadUpdate]
	Typing     = Inbound[chat.TypingSignal]
)

// Connected is the payload of bus.KindConnected.
type Connected struct {
	ConnectionID string `json:"connection_id"`
}

// Disconnected is the payload of bus.KindDisconnected.
type Disconnected struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason,omitempty"`
}

type roomData struct {
	Room string `json:"room"`
}

type rotatedData struct {
	Token string `json:"token"`
}

type authErrorData struct {
	Reason string `json:"reason"`
}

func newFrame(typ string, data any) (Frame, error) {
	if data == nil {
		return Frame{Type: typ}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Data: raw}, nil
}
