package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type statusPayload struct {
	Profile       string    `json:"profile"`
	UserID        string    `json:"user_id,omitempty"`
	State         string    `json:"state"`
	StateSince    time.Time `json:"state_since"`
	UptimeMs      int64     `json:"uptime_ms"`
	Active        string    `json:"active,omitempty"`
	Focused       bool      `json:"focused"`
	Unread        int       `json:"unread"`
	Conversations int       `json:"conversations"`
	Rooms         []string  `json:"rooms"`
}

// messageView exposes the delivery status, which the wire format omits.
type messageView struct {
	chat.Message
	Status chat.DeliveryStatus `json:"status"`
}

type viewPayload struct {
	Active        string              `json:"active,omitempty"`
	Focused       bool                `json:"focused"`
	Unread        int                 `json:"unread"`
	HasMore       bool                `json:"has_more"`
	ReadState     string              `json:"read_state"`
	Rooms         []string            `json:"rooms"`
	Typing        []string            `json:"typing"`
	Conversations []chat.Conversation `json:"conversations"`
	Messages      []messageView       `json:"messages"`
}

type eventPayload struct {
	EventID          string `json:"event_id"`
	Profile          string `json:"profile"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

func newViewPayload(v intsync.View) viewPayload {
	out := viewPayload{
		Active:        v.Active,
		Focused:       v.Focused,
		Unread:        v.Unread,
		HasMore:       v.HasMore,
		ReadState:     string(v.ReadState),
		Rooms:         nonNil(v.Rooms),
		Typing:        nonNil(v.Typing),
		Conversations: nonNil(v.Conversations),
		Messages:      make([]messageView, 0, len(v.Messages)),
	}
	for _, m := range v.Messages {
		out.Messages = append(out.Messages, messageView{Message: m, Status: m.Status})
	}
	return out
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("convert %T: %w", v, err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
