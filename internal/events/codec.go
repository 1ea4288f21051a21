package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the JSON frame exchanged over the realtime transport.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrLocalEvent is returned when encoding an event that never goes on the wire.
var ErrLocalEvent = errors.New("events: local event cannot be encoded")

var decoders = map[Kind]func(json.RawMessage) (Event, error){
	KindAuthenticate:      decodeAs[Authenticate],
	KindJoinConversation:  decodeAs[JoinConversation],
	KindLeaveConversation: decodeAs[LeaveConversation],
	KindSendMessage:       decodeAs[SendMessage],
	KindTyping:            decodeAs[Typing],
	KindAuthenticated:     decodeAs[Authenticated],
	KindAuthError:         decodeAs[AuthError],
	KindNewMessage:        decodeAs[NewMessage],
	KindMessageSent:       decodeAs[MessageSent],
	KindUserTyping:        decodeAs[UserTyping],
	KindMessageEdited:     decodeAs[MessageEdited],
	KindMessageDeleted:    decodeAs[MessageDeleted],
	KindUserOnline:        decodeAs[UserOnline],
	KindUserOffline:       decodeAs[UserOffline],
}

func decodeAs[E Event](data json.RawMessage) (Event, error) {
	var e E
	if len(data) == 0 || string(data) == "null" {
		return e, nil
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// IsWire reports whether events of kind k travel over the transport.
func IsWire(k Kind) bool {
	_, ok := decoders[k]
	return ok
}

// Encode wraps a wire event into an envelope.
func Encode(evt Event) (Envelope, error) {
	if !IsWire(evt.Kind()) {
		return Envelope{}, fmt.Errorf("%w: %s", ErrLocalEvent, evt.Kind())
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", evt.Kind(), err)
	}
	return Envelope{Event: evt.Kind(), Data: data}, nil
}

// Decode maps an envelope to its typed event. Names without a decoder yield
// Unknown rather than an error.
func Decode(env Envelope) (Event, error) {
	dec, ok := decoders[env.Event]
	if !ok {
		return Unknown{Name: string(env.Event), Data: env.Data}, nil
	}
	evt, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return evt, nil
}
