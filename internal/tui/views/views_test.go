package views

import (
	"strings"
	"testing"
	"time"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/reconcile"
	"github.com/besafe/chat/internal/tui/ui"
)

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"skin tone", "\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"zwj family", "\U0001F468\u200d\U0001F469", "\U0001F468\U0001F469"},
		{"variation selector", "\u2764\ufe0f", "\u2764"},
		{"control bytes", "a\x1b[31mb", "a[31mb"},
		{"newline kept", "a\nb", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeForTerminal(tt.in); got != tt.want {
				t.Errorf("sanitizeForTerminal(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConversationListFilter(t *testing.T) {
	cl := NewConversationList(ui.DefaultTheme())
	cl.Update([]apiclient.Conversation{
		{ContactID: "2", Name: "Alice", LastMessage: "see you"},
		{ContactID: "3", Name: "Bob", LastMessage: "hello"},
		{ContactID: "4", Name: apiclient.DefaultName, LastMessage: "Hello again"},
	})

	if got := cl.ContactByIndex(2); got != "3" {
		t.Errorf("ContactByIndex(2) = %q", got)
	}

	cl.SetFilter("HELLO")
	if got := cl.ContactByIndex(1); got != "3" {
		t.Errorf("filtered ContactByIndex(1) = %q, want 3", got)
	}
	if got := cl.ContactByIndex(2); got != "4" {
		t.Errorf("filtered ContactByIndex(2) = %q, want 4", got)
	}
	if got := cl.ContactByIndex(3); got != "" {
		t.Errorf("filtered ContactByIndex(3) = %q, want empty", got)
	}
	if !strings.Contains(cl.GetTitle(), "(2/3)") {
		t.Errorf("title = %q", cl.GetTitle())
	}

	cl.ClearFilter()
	if got := cl.ContactByIndex(1); got != "2" {
		t.Errorf("ContactByIndex(1) = %q", got)
	}
	if got := cl.ContactByIndex(0); got != "" {
		t.Errorf("ContactByIndex(0) = %q", got)
	}
}

func TestFormatTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if got := formatTimestamp(time.Time{}, now); got != "" {
		t.Errorf("zero time = %q", got)
	}
	if got := formatTimestamp(now.Add(-time.Hour), now); got != "14:00" {
		t.Errorf("same day = %q", got)
	}
	if got := formatTimestamp(now.AddDate(0, 0, -2), now); got != "03/08" {
		t.Errorf("older = %q", got)
	}
}

func TestFormatMessageMarkers(t *testing.T) {
	theme := ui.DefaultTheme()
	base := reconcile.Message{SenderID: "1", ReceiverID: "2", Body: "hi [red]"}

	sent := base
	sent.State = reconcile.Sent
	out := formatMessage(sent, "1", theme)
	if !strings.Contains(out, "You") {
		t.Errorf("own message should be labelled You: %q", out)
	}
	if strings.Contains(out, "sending") || strings.Contains(out, "failed") {
		t.Errorf("sent message carries a marker: %q", out)
	}
	if !strings.Contains(out, "hi [red[]") {
		t.Errorf("body not escaped: %q", out)
	}

	pending := base
	pending.State = reconcile.Pending
	if out := formatMessage(pending, "1", theme); !strings.Contains(out, "sending...") {
		t.Errorf("pending marker missing: %q", out)
	}

	failed := base
	failed.State = reconcile.Failed
	if out := formatMessage(failed, "1", theme); !strings.Contains(out, ":retry") {
		t.Errorf("failed marker missing: %q", out)
	}

	peer := base.WithBody("edited")
	peer.SenderID = "2"
	out = formatMessage(peer, "1", theme)
	if strings.Contains(out, "You") || !strings.Contains(out, "(edited)") {
		t.Errorf("peer message = %q", out)
	}
}
