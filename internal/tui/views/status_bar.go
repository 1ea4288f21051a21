package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/besafe/chat/internal/status"
	"github.com/besafe/chat/internal/tui/model"
	"github.com/besafe/chat/internal/tui/ui"
)

// StatusBar shows the profile, the signed-in user, the connection state,
// the current flash message and key hints.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	user    string
	state   status.State
	flash   *model.FlashMessage
	hints   []string
}

// NewStatusBar creates an empty status bar.
func NewStatusBar(theme *ui.Theme, profile string) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	sb := &StatusBar{TextView: tv, theme: theme, profile: profile, state: status.Disconnected}
	sb.render()
	return sb
}

// Set updates every field at once.
func (sb *StatusBar) Set(user string, state status.State, flash *model.FlashMessage, hints []string) {
	sb.user, sb.state, sb.flash, sb.hints = user, state, flash, hints
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.line())
}

func (sb *StatusBar) line() string {
	user := sb.user
	if user == "" {
		user = "signed out"
	}
	stateColor := sb.theme.FlashWarnColor
	switch sb.state {
	case status.Authenticated:
		stateColor = sb.theme.OnlineColor
	case status.Disconnected:
		stateColor = sb.theme.FlashErrColor
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | [%s]%s[-]",
		display(sb.profile), display(user), ui.Tag(stateColor), strings.ToLower(string(sb.state)))
	if sb.flash != nil {
		color := sb.theme.FlashInfoColor
		switch sb.flash.Level {
		case model.FlashWarn:
			color = sb.theme.FlashWarnColor
		case model.FlashErr:
			color = sb.theme.FlashErrColor
		}
		line += fmt.Sprintf(" | [%s]%s[-]", ui.Tag(color), display(sb.flash.Text))
	}
	if len(sb.hints) > 0 {
		line += fmt.Sprintf(" | [%s]%s[-]", ui.Tag(sb.theme.MenuKeyColor), tview.Escape(strings.Join(sb.hints, " ")))
	}
	return line
}
