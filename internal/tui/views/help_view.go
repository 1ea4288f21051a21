package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/besafe/chat/internal/tui/ui"
)

// helpText uses {k} to open a key color tag.
const helpText = `
  [::b]Global Keys[-:-:-]

  {k}:[-:-:-]       Command mode         {k}Esc[-:-:-]    Cancel / Go back
  {k}?[-:-:-]       Help                 {k}Ctrl-C[-:-:-] Quit immediately

  [::b]Conversation List[-:-:-]

  {k}Enter[-:-:-]   Open conversation    {k}/[-:-:-]      Filter
  {k}1-9[-:-:-]     Jump to Nth chat     {k}0[-:-:-]      Clear filter
  {k}n[-:-:-]       New conversation     {k}q[-:-:-]      Quit

  [::b]Conversation[-:-:-]

  {k}i[-:-:-]       Focus composer       {k}Enter[-:-:-]  Send (in composer)
  {k}r[-:-:-]       Retry failed sends   {k}Esc[-:-:-]    Back to the list

  [::b]Commands (: mode)[-:-:-]

  {k}:login <user id>[-:-:-]    Sign in
  {k}:logout[-:-:-]             Sign out and forget the token
  {k}:chat <contact id>[-:-:-]  Open a conversation
  {k}:retry[-:-:-]              Resend failed messages
  {k}:refresh[-:-:-]            Reload the list and the open conversation
  {k}:help[-:-:-] / {k}:h[-:-:-]          Show this help
  {k}:quit[-:-:-] / {k}:q[-:-:-]          Quit
`

// HelpView displays the key binding reference.
type HelpView struct {
	*tview.TextView
}

// NewHelpView creates the help page.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	kc := fmt.Sprintf("[%s::b]", ui.Tag(theme.MenuKeyColor))
	_, _ = fmt.Fprint(tv, strings.ReplaceAll(helpText, "{k}", kc))
	return &HelpView{TextView: tv}
}
