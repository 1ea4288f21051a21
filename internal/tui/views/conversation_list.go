// Package views holds the tview widgets of the terminal client.
package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/besafe/chat/internal/apiclient"
	"github.com/besafe/chat/internal/tui/ui"
)

// ConversationList is the table of conversations, most recent first.
type ConversationList struct {
	*tview.Table
	theme  *ui.Theme
	items  []apiclient.Conversation
	filter string
	now    func() time.Time
}

// NewConversationList creates the conversation table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme, now: time.Now}
	cl.render()
	return cl
}

// Update replaces the rows, keeping the selected contact selected.
func (cl *ConversationList) Update(items []apiclient.Conversation) {
	selected := cl.SelectedContact()
	cl.items = items
	cl.render()
	if selected == "" {
		return
	}
	for i, c := range cl.visible() {
		if c.ContactID == selected {
			cl.Select(i+1, 0)
			return
		}
	}
}

// SetFilter narrows the rows to names and previews containing filter.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter shows every row again.
func (cl *ConversationList) ClearFilter() {
	cl.SetFilter("")
}

// Filter returns the active filter.
func (cl *ConversationList) Filter() string { return cl.filter }

func (cl *ConversationList) visible() []apiclient.Conversation {
	if cl.filter == "" {
		return cl.items
	}
	var out []apiclient.Conversation
	for _, c := range cl.items {
		if containsFold(c.Name, cl.filter) || containsFold(c.ContactID, cl.filter) || containsFold(c.LastMessage, cl.filter) {
			out = append(out, c)
		}
	}
	return out
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" NAME", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" UNREAD", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	rows := cl.visible()
	for i, c := range rows {
		row := i + 1
		name := c.Name
		if name == "" || name == apiclient.DefaultName {
			name = fmt.Sprintf("%s %s", apiclient.DefaultName, c.ContactID)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("%d", c.UnreadCount)
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+display(name)).SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(" "+display(firstLine(c.LastMessage))).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(c.LastMessageAt, cl.now())).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(unread).SetTextColor(cl.theme.CounterColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(rows), len(cl.items), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.items)))
	}
}

// SelectedContact returns the contact id of the selected row.
func (cl *ConversationList) SelectedContact() string {
	row, _ := cl.GetSelection()
	return cl.ContactByIndex(row)
}

// ContactByIndex returns the contact of the Nth visible row (1-based).
func (cl *ConversationList) ContactByIndex(n int) string {
	rows := cl.visible()
	if n < 1 || n > len(rows) {
		return ""
	}
	return rows[n-1].ContactID
}

func formatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
