package keys

import (
	"slices"
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestHintsOrder(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal("quit", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Visible: true})
	r.AddGlobal("help", &Action{Key: tcell.KeyRune, Rune: '?', Description: "?:help", Visible: true})
	r.AddView("chat", "retry", &Action{Key: tcell.KeyRune, Rune: 'r', Description: "r:retry", Visible: true})
	r.AddView("chat", "hidden", &Action{Key: tcell.KeyCtrlL, Description: "ctrl-l"})

	got := r.Hints("chat")
	want := []string{"r:retry", "?:help", "q:quit"}
	if !slices.Equal(got, want) {
		t.Errorf("Hints(chat) = %v, want %v", got, want)
	}
	if got := r.Hints("chats"); !slices.Equal(got, []string{"?:help", "q:quit"}) {
		t.Errorf("Hints(chats) = %v", got)
	}

	r.AddView("chat", "back", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:back", Visible: true})
	if got := r.Hints("chat"); !slices.Equal(got, []string{"q:back", "r:retry", "?:help"}) {
		t.Errorf("shadowed Hints(chat) = %v", got)
	}
}

func TestHandleEventViewShadowsGlobal(t *testing.T) {
	r := NewRegistry()
	var fired string
	r.AddGlobal("quit", &Action{Key: tcell.KeyRune, Rune: 'q', Handler: func() { fired = "global" }})
	r.AddView("chat", "back", &Action{Key: tcell.KeyRune, Rune: 'q', Handler: func() { fired = "view" }})

	if !r.HandleEvent("chat", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("expected a match")
	}
	if fired != "view" {
		t.Errorf("fired = %q, want view", fired)
	}

	fired = ""
	r.HandleEvent("chats", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone))
	if fired != "global" {
		t.Errorf("fired = %q, want global", fired)
	}

	if r.HandleEvent("chats", tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)) {
		t.Error("Enter should not match")
	}
}
