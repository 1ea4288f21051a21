package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/clock"
	"github.com/besafe/chat/internal/events"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []events.Typing
}

func (f *fakeChannel) Emit(_ context.Context, evt events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt.(events.Typing))
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) frames() []events.Typing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Typing(nil), f.sent...)
}

type recorder struct {
	mu  sync.Mutex
	got []events.TypingChanged
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt.(events.TypingChanged))
}

func newSignaler(t *testing.T, connected bool) (*Signaler, *fakeChannel, *clock.Manual, *recorder) {
	t.Helper()
	ch := &fakeChannel{connected: connected}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	rec := &recorder{}
	s := New(ch, rec, clk, nil, nil)
	t.Cleanup(s.Close)
	return s, ch, clk, rec
}

func TestSetTypingSuppressedWhileDisconnected(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, false)
	ctx := context.Background()

	s.SetTyping(ctx, "c1", true, "7")
	s.SetTyping(ctx, "c1", false, "7")
	clk.Advance(time.Minute)

	// Reconnecting later must not flush anything queued.
	ch.connected = true
	clk.Advance(time.Minute)
	if got := ch.frames(); len(got) != 0 {
		t.Fatalf("sent %v while disconnected", got)
	}
	if clk.Pending() != 0 {
		t.Fatal("timer armed while disconnected")
	}
}

func TestDebounceAutoStops(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, true)
	s.SetTyping(context.Background(), "c1", true, "7")

	clk.Advance(1999 * time.Millisecond)
	if got := ch.frames(); len(got) != 1 || !got[0].IsTyping {
		t.Fatalf("frames = %v, want one typing=true", got)
	}
	clk.Advance(time.Millisecond)
	got := ch.frames()
	if len(got) != 2 || got[1].IsTyping {
		t.Fatalf("frames = %v, want auto typing=false after 2s", got)
	}
	if s.IsLocalTyping("c1") {
		t.Fatal("still typing after debounce")
	}
}

func TestKeystrokeResetsDebounce(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, true)
	ctx := context.Background()

	s.SetTyping(ctx, "c1", true, "7")
	clk.Advance(1500 * time.Millisecond)
	s.SetTyping(ctx, "c1", true, "7")
	clk.Advance(1500 * time.Millisecond)

	for _, f := range ch.frames() {
		if !f.IsTyping {
			t.Fatal("debounce fired despite a newer keystroke")
		}
	}
	clk.Advance(500 * time.Millisecond)
	got := ch.frames()
	if got[len(got)-1].IsTyping {
		t.Fatal("debounce did not fire 2s after the last keystroke")
	}
}

// lateScheduler models timers that already fired when Stop is called: Stop
// never prevents the task from running.
type lateScheduler struct{ *clock.Manual }

type lateTask struct{}

func (lateTask) Stop() bool { return false }

func (l lateScheduler) AfterFunc(d time.Duration, f func()) clock.Task {
	l.Manual.AfterFunc(d, f)
	return lateTask{}
}

func TestStaleDebounceDoesNotStopTyping(t *testing.T) {
	ch := &fakeChannel{connected: true}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := New(ch, &recorder{}, lateScheduler{clk}, nil, nil)
	t.Cleanup(s.Close)
	ctx := context.Background()

	s.SetTyping(ctx, "c1", true, "7")
	clk.Advance(1500 * time.Millisecond)
	s.SetTyping(ctx, "c1", true, "7")
	clk.Advance(1 * time.Second) // first debounce runs here

	for _, f := range ch.frames() {
		if !f.IsTyping {
			t.Fatal("superseded debounce sent typing=false")
		}
	}
	if !s.IsLocalTyping("c1") {
		t.Fatal("superseded debounce cleared local typing")
	}
	clk.Advance(time.Second)
	if got := ch.frames(); got[len(got)-1].IsTyping {
		t.Fatal("current debounce did not fire")
	}
}

func TestTypingRefreshIsThrottled(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, true)
	ctx := context.Background()

	// Keystrokes every 250ms for 4.5 seconds.
	for i := 0; i < 18; i++ {
		s.SetTyping(ctx, "c1", true, "7")
		clk.Advance(250 * time.Millisecond)
	}
	trues := 0
	for _, f := range ch.frames() {
		if f.IsTyping {
			trues++
		}
	}
	if trues != 3 {
		t.Fatalf("sent %d typing=true frames, want 3 (t=0, 2s, 4s)", trues)
	}
}

func TestExplicitStop(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, true)
	ctx := context.Background()

	s.SetTyping(ctx, "c1", true, "7")
	s.SetTyping(ctx, "c1", false, "7")
	clk.Advance(time.Minute)

	got := ch.frames()
	if len(got) != 2 || got[1].IsTyping {
		t.Fatalf("frames = %v, want true then false only", got)
	}
	if got[0].ConversationID != "c1" || got[0].UserID != "7" {
		t.Fatalf("frame = %+v", got[0])
	}
}

// Scenario: two typing=true events one second apart and no false: the
// indicator stays on and clears three seconds after the last one.
func TestPeerTypingRefreshedNotStacked(t *testing.T) {
	s, _, clk, rec := newSignaler(t, true)
	peer := events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: true}

	s.HandlePeer(peer)
	clk.Advance(time.Second)
	s.HandlePeer(peer)

	clk.Advance(2999 * time.Millisecond)
	if !s.IsPeerTyping("c1", "42") {
		t.Fatal("indicator dropped before 3s after the last refresh")
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
	clk.Advance(time.Millisecond)
	if s.IsPeerTyping("c1", "42") {
		t.Fatal("indicator stuck after expiry")
	}
	if len(rec.got) != 2 || !rec.got[0].IsTyping || rec.got[1].IsTyping {
		t.Fatalf("changes = %+v, want on then off", rec.got)
	}
}

func TestPeerExplicitFalse(t *testing.T) {
	s, _, clk, rec := newSignaler(t, true)
	s.HandlePeer(events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: true})
	s.HandlePeer(events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: false})
	s.HandlePeer(events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: false})

	if s.IsPeerTyping("c1", "42") || clk.Pending() != 0 {
		t.Fatal("explicit false did not clear the peer")
	}
	if len(rec.got) != 2 {
		t.Fatalf("changes = %+v, want exactly on and off", rec.got)
	}
}

func TestOwnTypingEchoIgnored(t *testing.T) {
	s, _, _, _ := newSignaler(t, true)
	s.SetTyping(context.Background(), "c1", true, "7")
	s.HandlePeer(events.UserTyping{UserID: "7", ConversationID: "c1", IsTyping: true})
	if len(s.TypingPeers("c1")) != 0 {
		t.Fatal("own typing echo treated as a peer")
	}
}

func TestWatchHandlesPresenceAndDisconnect(t *testing.T) {
	s, _, clk, rec := newSignaler(t, true)
	b := bus.New(nil)
	s.Watch(b)

	b.Publish(events.UserOnline{UserID: "42"})
	b.Publish(events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: true})
	if !s.IsOnline("42") || !s.IsPeerTyping("c1", "42") {
		t.Fatal("bus events not applied")
	}
	b.Publish(events.UserOffline{UserID: "42"})
	if s.IsOnline("42") {
		t.Fatal("offline not applied")
	}

	b.Publish(events.ConnectionStatus{Connected: false})
	if s.IsPeerTyping("c1", "42") || clk.Pending() != 0 {
		t.Fatal("disconnect did not clear peer state")
	}
	if last := rec.got[len(rec.got)-1]; last.IsTyping {
		t.Fatal("disconnect did not announce cleared indicator")
	}
}

func TestClearConversationAndClose(t *testing.T) {
	s, ch, clk, _ := newSignaler(t, true)
	b := bus.New(nil)
	s.Watch(b)

	s.SetTyping(context.Background(), "c1", true, "7")
	s.HandlePeer(events.UserTyping{UserID: "42", ConversationID: "c1", IsTyping: true})
	s.HandlePeer(events.UserTyping{UserID: "43", ConversationID: "c2", IsTyping: true})

	s.ClearConversation("c1")
	if clk.Pending() != 1 {
		t.Fatalf("pending = %d, want only c2's expiry", clk.Pending())
	}
	clk.Advance(time.Minute)
	if len(ch.frames()) != 1 {
		t.Fatal("cleared conversation still auto-emitted")
	}

	s.Close()
	if b.Count(events.KindUserTyping) != 0 {
		t.Fatal("handlers survived Close")
	}
}
