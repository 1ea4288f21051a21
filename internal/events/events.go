// Package events defines the typed realtime chat events. Wire events keep the
// names the server speaks; local events are synthesized by the client core.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the name of an event. For wire events it is the frame's event name.
type Kind string

// Outbound wire events.
const (
	KindAuthenticate      Kind = "authenticate"
	KindJoinConversation  Kind = "join_conversation"
	KindLeaveConversation Kind = "leave_conversation"
	KindSendMessage       Kind = "send_message"
	KindTyping            Kind = "typing"
)

// Inbound wire events.
const (
	KindAuthenticated  Kind = "authenticated"
	KindAuthError      Kind = "auth_error"
	KindNewMessage     Kind = "new_message"
	KindMessageSent    Kind = "message_sent"
	KindUserTyping     Kind = "user_typing"
	KindMessageEdited  Kind = "message_edited"
	KindMessageDeleted Kind = "message_deleted"
	KindUserOnline     Kind = "user_online"
	KindUserOffline    Kind = "user_offline"
)

// Local events, never written to the wire.
const (
	KindConnectionStatus Kind = "connection_status"
	KindReconnectFailed  Kind = "reconnect_failed"
	KindError            Kind = "error"
	KindStateChanged     Kind = "state_changed"
	KindDeliveryUpdated  Kind = "delivery_updated"
	KindTypingChanged    Kind = "typing_changed"
	KindUnknown          Kind = "unknown"
)

// Event is implemented by every event struct in this package.
type Event interface {
	Kind() Kind
}

// ID is an identifier the server may send either as a JSON number or a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// IDFromInt formats a numeric identifier.
func IDFromInt(n int64) ID { return ID(strconv.FormatInt(n, 10)) }

// User is the authenticated principal returned by the server.
type User struct {
	ID     ID     `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MessagePayload is the message shape shared by new_message, message_sent and
// the REST API.
type MessagePayload struct {
	ID             ID        `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       ID        `json:"senderId"`
	ReceiverID     ID        `json:"receiverId"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	TempID         string    `json:"tempId,omitempty"`
}

// Outbound.

type Authenticate struct {
	Token string `json:"token"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	ReceiverID     ID     `json:"receiverId"`
	TempID         string `json:"tempId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserID         ID     `json:"userId,omitempty"`
}

// Inbound.

type Authenticated struct {
	User User `json:"user"`
}

// AuthError carries the server's rejection reason. The server sends either a
// bare string or an object with a message field.
type AuthError struct {
	Message string `json:"message"`
}

func (e *AuthError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.Message)
	}
	type plain AuthError
	var p plain
	if len(b) > 0 && !bytes.Equal(b, []byte("null")) {
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
	}
	*e = AuthError(p)
	return nil
}

type NewMessage struct {
	MessagePayload
}

// MessageSent confirms the client's own send; TempID echoes the local id.
type MessageSent struct {
	MessagePayload
}

type UserTyping struct {
	UserID         ID     `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageEdited struct {
	MessageID      ID     `json:"messageId"`
	NewMessage     string `json:"newMessage"`
	ConversationID string `json:"conversationId,omitempty"`
}

type MessageDeleted struct {
	MessageID      ID     `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type UserOnline struct {
	UserID ID `json:"userId"`
}

type UserOffline struct {
	UserID ID `json:"userId"`
}

// Local.

// ConnectionStatus is published on every transport connect and disconnect.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// ReconnectFailed is published once the bounded retry policy is exhausted.
type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

// Error is a transport, decode or listener failure converted to an event.
type Error struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

type StateChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DeliveryUpdated reports a delivery state change the engine applied outside
// a direct caller, such as a confirmation timeout.
type DeliveryUpdated struct {
	LocalID        string `json:"localId"`
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
}

type TypingChanged struct {
	ConversationID string `json:"conversationId"`
	UserID         ID     `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Unknown is an inbound frame whose name has no typed decoder.
type Unknown struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (Authenticate) Kind() Kind      { return KindAuthenticate }
func (JoinConversation) Kind() Kind  { return KindJoinConversation }
func (LeaveConversation) Kind() Kind { return KindLeaveConversation }
func (SendMessage) Kind() Kind       { return KindSendMessage }
func (Typing) Kind() Kind            { return KindTyping }
func (Authenticated) Kind() Kind     { return KindAuthenticated }
func (AuthError) Kind() Kind         { return KindAuthError }
func (NewMessage) Kind() Kind        { return KindNewMessage }
func (MessageSent) Kind() Kind       { return KindMessageSent }
func (UserTyping) Kind() Kind        { return KindUserTyping }
func (MessageEdited) Kind() Kind     { return KindMessageEdited }
func (MessageDeleted) Kind() Kind    { return KindMessageDeleted }
func (UserOnline) Kind() Kind        { return KindUserOnline }
func (UserOffline) Kind() Kind       { return KindUserOffline }
func (ConnectionStatus) Kind() Kind  { return KindConnectionStatus }
func (ReconnectFailed) Kind() Kind   { return KindReconnectFailed }
func (Error) Kind() Kind             { return KindError }
func (StateChanged) Kind() Kind      { return KindStateChanged }
func (DeliveryUpdated) Kind() Kind   { return KindDeliveryUpdated }
func (TypingChanged) Kind() Kind     { return KindTypingChanged }
func (Unknown) Kind() Kind           { return KindUnknown }
