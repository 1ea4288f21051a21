package bus

import (
	"testing"
	"time"

	"github.com/besafe/chat/internal/events"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(10, events.KindConnectionStatus)
	defer unsub()

	b.Publish(events.ConnectionStatus{Connected: true})

	select {
	case evt := <-ch:
		if evt.Kind() != events.KindConnectionStatus {
			t.Errorf("got kind %q, want connection_status", evt.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestKindFiltering(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(10, events.KindNewMessage)
	defer unsub()

	b.Publish(events.ConnectionStatus{Connected: true})
	b.Publish(events.NewMessage{})

	select {
	case evt := <-ch:
		if evt.Kind() != events.KindNewMessage {
			t.Errorf("got kind %q, want new_message", evt.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure connection event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllKinds(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(10)
	defer unsub()

	b.Publish(events.UserOnline{UserID: "1"})
	b.Publish(events.ReconnectFailed{Attempts: 5})
	if len(ch) != 2 {
		t.Fatalf("got %d buffered events, want 2", len(ch))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(10, events.KindConnectionStatus)
	unsub()
	unsub() // second call is a no-op

	b.Publish(events.ConnectionStatus{})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(1, events.KindError)
	defer unsub()

	b.Publish(events.Error{Op: "one"})
	// This should be dropped (non-blocking).
	b.Publish(events.Error{Op: "two"})

	evt := <-ch
	if evt.(events.Error).Op != "one" {
		t.Errorf("got %v, want op one", evt)
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		On(b, func(events.UserTyping) { got = append(got, i) })
	}
	b.Publish(events.UserTyping{IsTyping: true})

	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("got order %v, want [0 1 2]", got)
	}
}

func TestTypedHandlerReceivesPayload(t *testing.T) {
	b := New(nil)
	var got events.MessageEdited
	On(b, func(e events.MessageEdited) { got = e })

	b.Publish(events.MessageEdited{MessageID: "9", NewMessage: "editada"})
	if got.MessageID != "9" || got.NewMessage != "editada" {
		t.Fatalf("got %+v", got)
	}
}

func TestPanickingHandlerDoesNotBreakDispatch(t *testing.T) {
	b := New(nil)
	called := false
	On(b, func(events.NewMessage) { panic("boom") })
	On(b, func(events.NewMessage) { called = true })

	b.Publish(events.NewMessage{})
	if !called {
		t.Fatal("second handler not invoked after first panicked")
	}
}

func TestOff(t *testing.T) {
	b := New(nil)
	calls := 0
	sub := On(b, func(events.UserOffline) { calls++ })
	keep := On(b, func(events.UserOffline) { calls += 10 })

	b.Off(sub)
	b.Off(sub)
	b.Publish(events.UserOffline{})

	if calls != 10 {
		t.Fatalf("got calls=%d, want 10", calls)
	}
	if b.Count(events.KindUserOffline) != 1 {
		t.Fatalf("got count %d, want 1", b.Count(events.KindUserOffline))
	}
	b.Off(keep)
}

func TestOffDuringDispatch(t *testing.T) {
	b := New(nil)
	var sub Subscription
	calls := 0
	sub = On(b, func(events.UserOnline) {
		calls++
		b.Off(sub)
	})

	b.Publish(events.UserOnline{})
	b.Publish(events.UserOnline{})
	if calls != 1 {
		t.Fatalf("got calls=%d, want 1", calls)
	}
}

func TestClearKeepsSubscriptions(t *testing.T) {
	b := New(nil)
	On(b, func(events.NewMessage) { t.Error("handler survived Clear") })
	ch, unsub := b.Subscribe(1, events.KindNewMessage)
	defer unsub()

	b.Clear()
	b.Publish(events.NewMessage{})

	if b.Count(events.KindNewMessage) != 0 {
		t.Fatal("handlers not cleared")
	}
	if len(ch) != 1 {
		t.Fatal("subscription should still receive events")
	}
}
