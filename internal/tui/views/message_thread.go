package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/besafe/chat/internal/reconcile"
	"github.com/besafe/chat/internal/tui/ui"
)

// MessageThread shows one conversation above its composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	contact  string
	online   bool
	onSend   func(text string)
	onTyping func(typing bool)
	onBlur   func()
}

// NewMessageThread creates the thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if mt.onTyping != nil {
			mt.onTyping(strings.TrimSpace(text) != "")
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := composer.GetText()
			if strings.TrimSpace(text) == "" || mt.onSend == nil {
				return
			}
			mt.onSend(text)
			composer.SetText("")
		case tcell.KeyEscape:
			if mt.onBlur != nil {
				mt.onBlur()
			}
		}
	})
	return mt
}

// SetContact switches the header to a new contact and clears the composer.
func (mt *MessageThread) SetContact(contactID string) {
	mt.contact = contactID
	mt.online = false
	mt.composer.SetText("")
	mt.messages.Clear()
	mt.renderTitle()
}

// SetOnSend sets the callback for Enter in the composer.
func (mt *MessageThread) SetOnSend(fn func(text string)) { mt.onSend = fn }

// SetOnTyping sets the callback fired as the composer fills or empties.
func (mt *MessageThread) SetOnTyping(fn func(typing bool)) { mt.onTyping = fn }

// SetOnBlur sets the callback for Esc in the composer.
func (mt *MessageThread) SetOnBlur(fn func()) { mt.onBlur = fn }

func (mt *MessageThread) renderTitle() {
	presence := "offline"
	color := mt.theme.PendingColor
	if mt.online {
		presence, color = "online", mt.theme.OnlineColor
	}
	mt.messages.SetTitle(fmt.Sprintf(" %s [%s]%s[-] ", display(mt.contact), ui.Tag(color), presence))
}

// Update redraws the conversation. peerTyping appends a typing line.
func (mt *MessageThread) Update(msgs []reconcile.Message, self string, peerTyping, online bool) {
	if online != mt.online {
		mt.online = online
		mt.renderTitle()
	}
	mt.messages.Clear()
	for _, m := range msgs {
		_, _ = fmt.Fprint(mt.messages, formatMessage(m, self, mt.theme))
	}
	if peerTyping {
		_, _ = fmt.Fprintf(mt.messages, "[%s::i]%s is typing...[-:-:-]\n", ui.Tag(mt.theme.PendingColor), display(mt.contact))
	}
	mt.messages.ScrollToEnd()
}

// Messages returns the message pane, for focus management.
func (mt *MessageThread) Messages() *tview.TextView { return mt.messages }

// Composer returns the input field, for focus management.
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }

// formatMessage renders one message as a header line and its body.
// Unconfirmed messages are dimmed; failed ones are flagged for retry.
func formatMessage(m reconcile.Message, self string, theme *ui.Theme) string {
	sender, color := m.SenderID, theme.PeerColor
	if m.SenderID == self {
		sender, color = "You", theme.OwnColor
	}

	var marker string
	switch m.State {
	case reconcile.Pending:
		marker = fmt.Sprintf(" [%s]sending...[-]", ui.Tag(theme.PendingColor))
	case reconcile.Failed:
		marker = fmt.Sprintf(" [%s::b]failed, :retry to resend[-:-:-]", ui.Tag(theme.FailedColor))
	}
	if m.Edited {
		marker += " [::d](edited)[-:-:-]"
	}

	return fmt.Sprintf("[%s::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
		ui.Tag(color), display(sender), formatClock(m.CreatedAt), marker, display(m.Body))
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}
