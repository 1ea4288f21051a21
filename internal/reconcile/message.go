// Package reconcile merges optimistic local messages with server-confirmed and
// server-pushed messages into one ordered, de-duplicated sequence per
// conversation.
package reconcile

import (
	"strconv"
	"time"

	"github.com/besafe/chat/internal/events"
)

// State is the delivery state of a message.
type State int

const (
	Pending State = iota
	Sent
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// MatchWindow is how far apart two reports of the same send may be stamped
// and still be treated as one message.
const MatchWindow = time.Second

// serverIDPrefix marks local ids derived from a server id.
const serverIDPrefix = "srv:"

// Message is an immutable message record. Transitions return a new value.
type Message struct {
	LocalID        string
	ServerID       string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	CreatedAt      time.Time
	State          State
	Edited         bool
}

// Confirmed returns m as delivered, merged with the server's copy in.
func (m Message) Confirmed(in Message) Message {
	out := m
	out.State = Sent
	if in.ServerID != "" {
		out.ServerID = in.ServerID
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if in.Body != "" {
		out.Body = in.Body
	}
	if in.Edited {
		out.Edited = true
	}
	return out
}

// Failed returns m marked as undeliverable.
func (m Message) Failed() Message {
	out := m
	out.State = Failed
	return out
}

// WithBody returns m with an edited body.
func (m Message) WithBody(body string) Message {
	out := m
	out.Body = body
	out.Edited = true
	return out
}

// sameContent reports whether m and in carry the same sender, body and receiver.
func (m Message) sameContent(in Message) bool {
	return m.SenderID == in.SenderID && m.ReceiverID == in.ReceiverID && m.Body == in.Body
}

// ServerLocalID is the local id given to server messages that carry no client
// correlation id.
func ServerLocalID(serverID string) string {
	return serverIDPrefix + serverID
}

// FromPayload converts a wire message into a delivered record.
func FromPayload(p events.MessagePayload) Message {
	m := Message{
		LocalID:        p.TempID,
		ServerID:       p.ID.String(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID.String(),
		ReceiverID:     p.ReceiverID.String(),
		Body:           p.Message,
		CreatedAt:      p.CreatedAt,
		State:          Sent,
	}
	if m.LocalID == "" && m.ServerID != "" {
		m.LocalID = ServerLocalID(m.ServerID)
	}
	if m.ConversationID == "" {
		m.ConversationID = ConversationKey(m.SenderID, m.ReceiverID)
	}
	return m
}

// ConversationKey derives the id of the one-to-one conversation between a
// and b. Numeric ids are ordered numerically.
func ConversationKey(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	if less(b, a) {
		a, b = b, a
	}
	return a + "_" + b
}

func less(a, b string) bool {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}
