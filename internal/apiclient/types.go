package apiclient

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/besafe/chat/internal/events"
)

// Defaults applied to conversation list items with missing fields.
const (
	DefaultName   = "Usuário"
	DefaultAvatar = "https://via.placeholder.com/50"
)

// Conversation is one row of the conversation list.
type Conversation struct {
	ID            string
	ContactID     string
	Name          string
	Avatar        string
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
}

// rawConversation accepts the field spellings the server has used.
type rawConversation struct {
	ID              *events.ID      `json:"id"`
	ConversationID  *events.ID      `json:"conversationId"`
	ContactID       *events.ID      `json:"contactId"`
	OtherUserID     *events.ID      `json:"otherUserId"`
	OtherUser       *rawUser        `json:"otherUser"`
	User            *rawUser        `json:"user"`
	Name            *string         `json:"name"`
	Avatar          *string         `json:"avatar"`
	LastMessage     json.RawMessage `json:"lastMessage"`
	LastMessageTime *string         `json:"lastMessageTime"`
	UpdatedAt       *string         `json:"updatedAt"`
	UnreadCount     json.RawMessage `json:"unreadCount"`
}

type rawUser struct {
	ID     events.ID `json:"id"`
	Name   string    `json:"name"`
	Avatar string    `json:"avatar"`
}

// decodeConversation turns one list item into a Conversation, filling gaps
// with defaults. It fails only when the item is not an object or names no
// contact at all.
func decodeConversation(raw json.RawMessage) (Conversation, bool) {
	var r rawConversation
	if err := json.Unmarshal(raw, &r); err != nil {
		return Conversation{}, false
	}

	other := r.OtherUser
	if other == nil {
		other = r.User
	}

	var c Conversation
	switch {
	case r.ContactID != nil && *r.ContactID != "":
		c.ContactID = r.ContactID.String()
	case r.OtherUserID != nil && *r.OtherUserID != "":
		c.ContactID = r.OtherUserID.String()
	case other != nil && other.ID != "":
		c.ContactID = other.ID.String()
	default:
		return Conversation{}, false
	}
	switch {
	case r.ConversationID != nil && *r.ConversationID != "":
		c.ID = r.ConversationID.String()
	case r.ID != nil && *r.ID != "":
		c.ID = r.ID.String()
	}

	c.Name = DefaultName
	if r.Name != nil && strings.TrimSpace(*r.Name) != "" {
		c.Name = *r.Name
	} else if other != nil && strings.TrimSpace(other.Name) != "" {
		c.Name = other.Name
	}
	c.Avatar = DefaultAvatar
	if r.Avatar != nil && *r.Avatar != "" {
		c.Avatar = *r.Avatar
	} else if other != nil && other.Avatar != "" {
		c.Avatar = other.Avatar
	}

	c.LastMessage, c.LastMessageAt = decodeLastMessage(r.LastMessage)
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = parseTime(r.LastMessageTime)
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = parseTime(r.UpdatedAt)
	}
	c.UnreadCount = decodeCount(r.UnreadCount)
	return c, true
}

// decodeLastMessage accepts either a plain string or a message object.
func decodeLastMessage(raw json.RawMessage) (string, time.Time) {
	if len(raw) == 0 {
		return "", time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, time.Time{}
	}
	var obj struct {
		Message   string `json:"message"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", time.Time{}
	}
	return obj.Message, parseTime(&obj.CreatedAt)
}

func decodeCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func parseTime(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ReceiverID     string `json:"receiverId"`
	Message        string `json:"message"`
	TempID         string `json:"tempId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Session is the result of a login.
type Session struct {
	Token string      `json:"token"`
	User  events.User `json:"user"`
}
