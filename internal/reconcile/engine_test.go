package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/besafe/chat/internal/events"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	e := NewEngine(nil, nil)
	now := t0
	e.now = func() time.Time { return now }
	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("local-%d", seq)
	}
	e.SetSelf("7")
	return e, &now
}

func TestSendLocalIsPending(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")

	msgs := e.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.LocalID != id || m.State != Pending || m.SenderID != "7" || m.ReceiverID != "42" {
		t.Fatalf("got %+v", m)
	}
}

func TestSendLocalPreservesCallOrder(t *testing.T) {
	e, now := testEngine(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, e.SendLocal("c1", fmt.Sprintf("m%d", i), "42"))
		*now = now.Add(10 * time.Millisecond)
	}
	msgs := e.Messages("c1")
	for i, m := range msgs {
		if m.LocalID != ids[i] {
			t.Fatalf("position %d holds %s, want %s", i, m.LocalID, ids[i])
		}
	}
}

func TestDefaultLocalIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newLocalID()
		if seen[id] {
			t.Fatalf("duplicate local id %s", id)
		}
		seen[id] = true
	}
}

// Scenario: "Oi" to contact 42 in c1 while authenticated, then message_sent
// echoes the temp id with server id 999.
func TestConfirmationReplacesInPlace(t *testing.T) {
	e, now := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")

	*now = now.Add(300 * time.Millisecond)
	out := e.ApplyIncoming(FromPayload(events.MessagePayload{
		ID: "999", ConversationID: "c1", SenderID: "7", ReceiverID: "42",
		Message: "Oi", CreatedAt: t0.Add(250 * time.Millisecond), TempID: id,
	}))

	if out.Action != Replaced || out.Index != 0 {
		t.Fatalf("outcome = %+v, want replaced at 0", out)
	}
	msgs := e.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.State != Sent || m.ServerID != "999" || m.LocalID != id {
		t.Fatalf("got %+v, want sent with serverId 999", m)
	}
}

func TestConfirmationKeepsPositionAmongOthers(t *testing.T) {
	e, now := testEngine(t)
	first := e.SendLocal("c1", "um", "42")
	*now = now.Add(time.Second)
	second := e.SendLocal("c1", "dois", "42")
	*now = now.Add(time.Second)
	e.SendLocal("c1", "três", "42")

	e.ApplyIncoming(Message{LocalID: second, ServerID: "2", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: "dois", CreatedAt: t0.Add(time.Second)})

	msgs := e.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].LocalID != first || msgs[1].LocalID != second || msgs[1].State != Sent {
		t.Fatalf("order or state broken: %+v", msgs)
	}
	if msgs[0].State != Pending || msgs[2].State != Pending {
		t.Fatal("unrelated entries changed state")
	}
}

func TestFuzzyMatchWithinWindow(t *testing.T) {
	tests := []struct {
		name    string
		delta   time.Duration
		body    string
		wantLen int
	}{
		{"same instant", 0, "Oi", 1},
		{"just inside window", 999 * time.Millisecond, "Oi", 1},
		{"at window edge", time.Second, "Oi", 1},
		{"earlier stamp", -800 * time.Millisecond, "Oi", 1},
		{"outside window", 1500 * time.Millisecond, "Oi", 2},
		{"different body", 0, "Olá", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := testEngine(t)
			e.SendLocal("c1", "Oi", "42")
			e.ApplyIncoming(Message{ServerID: "5", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: tt.body, CreatedAt: t0.Add(tt.delta)})
			if got := len(e.Messages("c1")); got != tt.wantLen {
				t.Fatalf("got %d messages, want %d", got, tt.wantLen)
			}
		})
	}
}

// Broadcast first without temp id, confirmation second with it: still one entry.
func TestBroadcastThenConfirmation(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")
	payload := events.MessagePayload{ID: "999", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Message: "Oi", CreatedAt: t0.Add(100 * time.Millisecond)}

	if out := e.ApplyIncoming(FromPayload(payload)); out.Action != Replaced {
		t.Fatalf("broadcast outcome = %v, want replaced", out.Action)
	}
	payload.TempID = id
	if out := e.ApplyIncoming(FromPayload(payload)); out.Action != Replaced {
		t.Fatalf("confirmation outcome = %v, want replaced", out.Action)
	}
	msgs := e.Messages("c1")
	if len(msgs) != 1 || msgs[0].State != Sent || msgs[0].LocalID != id {
		t.Fatalf("got %+v", msgs)
	}
}

func TestDuplicateServerPushIsIdempotent(t *testing.T) {
	e, _ := testEngine(t)
	in := FromPayload(events.MessagePayload{ID: "10", ConversationID: "c1", SenderID: "42", ReceiverID: "7", Message: "Olá", CreatedAt: t0})

	if out := e.ApplyIncoming(in); out.Action != Appended {
		t.Fatalf("first outcome = %v, want appended", out.Action)
	}
	if out := e.ApplyIncoming(in); out.Action != Replaced {
		t.Fatalf("second outcome = %v, want replaced", out.Action)
	}
	if len(e.Messages("c1")) != 1 {
		t.Fatal("duplicate push created a second entry")
	}
}

func TestDistinctServerIDsAreNotMerged(t *testing.T) {
	e, _ := testEngine(t)
	e.ApplyIncoming(Message{ServerID: "1", ConversationID: "c1", SenderID: "42", ReceiverID: "7", Body: "ok", CreatedAt: t0})
	e.ApplyIncoming(Message{ServerID: "2", ConversationID: "c1", SenderID: "42", ReceiverID: "7", Body: "ok", CreatedAt: t0.Add(200 * time.Millisecond)})

	if got := len(e.Messages("c1")); got != 2 {
		t.Fatalf("got %d messages, want 2", got)
	}
}

func TestFailedEntriesAreNotFuzzyMatched(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")
	e.MarkFailed(id)

	e.ApplyIncoming(Message{ServerID: "3", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: "Oi", CreatedAt: t0})
	msgs := e.Messages("c1")
	if len(msgs) != 2 || msgs[0].State != Failed {
		t.Fatalf("got %+v, want failed entry kept and new one appended", msgs)
	}
}

func TestLateConfirmationRevivesFailed(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")
	e.MarkFailed(id)

	e.ApplyIncoming(Message{LocalID: id, ServerID: "3", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: "Oi", CreatedAt: t0})
	msgs := e.Messages("c1")
	if len(msgs) != 1 || msgs[0].State != Sent {
		t.Fatalf("got %+v", msgs)
	}
}

func TestMarkFailed(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")

	if !e.MarkFailed(id) {
		t.Fatal("MarkFailed on pending should succeed")
	}
	if e.MarkFailed("nope") {
		t.Fatal("MarkFailed on unknown id should report false")
	}
	m, _ := e.Find(id)
	if m.State != Failed {
		t.Fatalf("state = %v, want failed", m.State)
	}
}

func TestMarkFailedDoesNotDowngradeSent(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")
	e.ApplyIncoming(Message{LocalID: id, ServerID: "1", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: "Oi"})

	if e.MarkFailed(id) {
		t.Fatal("confirmed message must not become failed")
	}
}

func TestDiscard(t *testing.T) {
	e, _ := testEngine(t)
	a := e.SendLocal("c1", "a", "42")
	b := e.SendLocal("c1", "b", "42")

	if !e.Discard(a) {
		t.Fatal("Discard failed")
	}
	msgs := e.Messages("c1")
	if len(msgs) != 1 || msgs[0].LocalID != b {
		t.Fatalf("got %+v", msgs)
	}
	// Index must follow the shift.
	if !e.MarkFailed(b) {
		t.Fatal("MarkFailed after Discard lost track of remaining entry")
	}
}

func history() []Message {
	return []Message{
		{ServerID: "1", SenderID: "7", ReceiverID: "42", Body: "Oi", CreatedAt: t0},
		{ServerID: "2", SenderID: "42", ReceiverID: "7", Body: "Olá", CreatedAt: t0.Add(time.Minute)},
		{ServerID: "2", SenderID: "42", ReceiverID: "7", Body: "Olá", CreatedAt: t0.Add(time.Minute)},
		{ServerID: "3", SenderID: "7", ReceiverID: "42", Body: "Tudo bem?", CreatedAt: t0.Add(2 * time.Minute)},
	}
}

func TestLoadHistoryIsIdempotent(t *testing.T) {
	e, _ := testEngine(t)
	e.LoadHistory("c1", history())
	first := e.Messages("c1")
	e.LoadHistory("c1", history())
	second := e.Messages("c1")

	if len(first) != 3 {
		t.Fatalf("got %d messages, want 3 after dedup", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("entry %d differs: %+v vs %+v", i, first[i], second[i])
		}
		if first[i].State != Sent {
			t.Fatalf("entry %d state = %v, want sent", i, first[i].State)
		}
	}
}

func TestLoadHistoryReplacesSequence(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "rascunho", "42")
	e.LoadHistory("c1", history())

	if _, ok := e.Find(id); ok {
		t.Fatal("LoadHistory should replace the whole sequence")
	}
	if len(e.Messages("c1")) != 3 {
		t.Fatal("unexpected sequence length")
	}
}

func TestResyncKeepsUnconfirmedLocals(t *testing.T) {
	e, _ := testEngine(t)
	e.LoadHistory("c1", history())
	delivered := e.SendLocal("c1", "entregue", "42")
	lost := e.SendLocal("c1", "perdida", "42")
	e.MarkFailed(lost)

	snapshot := append(history(), Message{ServerID: "4", SenderID: "7", ReceiverID: "42", Body: "entregue", CreatedAt: t0.Add(300 * time.Millisecond)})
	e.Resync("c1", snapshot)

	msgs := e.Messages("c1")
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5: %+v", len(msgs), msgs)
	}
	if msgs[3].LocalID != delivered || msgs[3].State != Sent || msgs[3].ServerID != "4" {
		t.Fatalf("delivered local not merged into snapshot: %+v", msgs[3])
	}
	if msgs[4].LocalID != lost || msgs[4].State != Failed {
		t.Fatalf("failed local not carried over: %+v", msgs[4])
	}
	// Late confirmation for the delivered one still lands in place.
	if out := e.ApplyIncoming(Message{LocalID: delivered, ServerID: "4", ConversationID: "c1", SenderID: "7", ReceiverID: "42", Body: "entregue"}); out.Index != 3 {
		t.Fatalf("late confirmation landed at %d", out.Index)
	}
}

func TestApplyEditAndDelete(t *testing.T) {
	e, _ := testEngine(t)
	e.LoadHistory("c1", history())

	edited, ok := e.ApplyEdit("2", "Olá!")
	if !ok || edited.Body != "Olá!" || !edited.Edited {
		t.Fatalf("ApplyEdit = %+v, %v", edited, ok)
	}
	if _, ok := e.ApplyEdit("404", "x"); ok {
		t.Fatal("edit of unknown id should report false")
	}

	if _, ok := e.ApplyDelete("1"); !ok {
		t.Fatal("ApplyDelete failed")
	}
	msgs := e.Messages("c1")
	if len(msgs) != 2 || msgs[0].ServerID != "2" || msgs[0].Body != "Olá!" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestApplyIncomingDerivesConversation(t *testing.T) {
	e, _ := testEngine(t)
	out := e.ApplyIncoming(Message{ServerID: "1", SenderID: "42", ReceiverID: "7", Body: "Oi"})
	if out.Action != Appended || out.Message.ConversationID != "7_42" {
		t.Fatalf("got %+v", out)
	}
	if out := e.ApplyIncoming(Message{Body: "órfã"}); out.Action != Ignored {
		t.Fatalf("message without routing should be ignored, got %v", out.Action)
	}
}

func TestConfirmationFollowsOwnerConversation(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")
	// Server answers with its own conversation id scheme.
	e.ApplyIncoming(Message{LocalID: id, ServerID: "9", ConversationID: "7_42", SenderID: "7", ReceiverID: "42", Body: "Oi"})

	if msgs := e.Messages("c1"); len(msgs) != 1 || msgs[0].State != Sent {
		t.Fatalf("got %+v", msgs)
	}
	if len(e.Messages("7_42")) != 0 {
		t.Fatal("confirmation created a second conversation")
	}
}

func TestConfirmationWithOnlyLocalID(t *testing.T) {
	e, _ := testEngine(t)
	id := e.SendLocal("c1", "Oi", "42")

	out := e.ApplyIncoming(FromPayload(events.MessagePayload{ID: "999", Message: "Oi", TempID: id}))
	if out.Action != Replaced || out.Index != 0 {
		t.Fatalf("outcome = %+v, want replaced at 0", out)
	}
	msgs := e.Messages("c1")
	if len(msgs) != 1 || msgs[0].State != Sent || msgs[0].ServerID != "999" || msgs[0].ConversationID != "c1" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestConversationSnapshotAndDrop(t *testing.T) {
	e, _ := testEngine(t)
	e.LoadHistory("c1", history())

	conv, ok := e.Conversation("c1")
	if !ok {
		t.Fatal("conversation missing")
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "42" || conv.Participants[1] != "7" {
		t.Fatalf("participants = %v", conv.Participants)
	}
	if !conv.LastActivity.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("last activity = %v", conv.LastActivity)
	}

	e.Drop("c1")
	if _, ok := e.Conversation("c1"); ok {
		t.Fatal("conversation survived Drop")
	}
	if _, ok := e.Find(ServerLocalID("1")); ok {
		t.Fatal("owner index survived Drop")
	}
}

func TestMessageTransitionsDoNotMutate(t *testing.T) {
	m := Message{LocalID: "a", Body: "Oi", State: Pending}
	f := m.Failed()
	c := m.Confirmed(Message{ServerID: "1"})
	w := m.WithBody("Olá")

	if m.State != Pending || m.Body != "Oi" || m.ServerID != "" {
		t.Fatalf("original mutated: %+v", m)
	}
	if f.State != Failed || c.State != Sent || c.ServerID != "1" || w.Body != "Olá" || !w.Edited {
		t.Fatal("transitions produced wrong records")
	}
}

func TestConversationKey(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"42", "7", "7_42"},
		{"7", "42", "7_42"},
		{"abc", "abd", "abc_abd"},
		{"", "1", ""},
	}
	for _, tt := range tests {
		if got := ConversationKey(tt.a, tt.b); got != tt.want {
			t.Errorf("ConversationKey(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
