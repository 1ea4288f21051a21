// Package tui is the terminal front-end of the chat client.
package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/tui/keys"
	"github.com/besafe/chat/internal/tui/model"
	"github.com/besafe/chat/internal/tui/ui"
	"github.com/besafe/chat/internal/tui/views"
)

const (
	pageChats = "chats"
	pageChat  = "chat"
	pageHelp  = "help"
)

// Options configures the application shell.
type Options struct {
	Profile string
	// SignedOut opens the sign-in prompt on start.
	SignedOut bool
}

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	root      *tview.Flex
	vm        *model.ViewModel
	opts      Options
	registry  *keys.Registry
	statusBar *views.StatusBar
	list      *views.ConversationList
	thread    *views.MessageThread
	help      *views.HelpView
	prompt    *ui.Prompt

	// lastPage is where Esc returns to from help.
	lastPage string
	// promptReturn receives focus when the prompt closes.
	promptReturn tview.Primitive
	typingCh     chan bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application over vm.
func NewApp(vm *model.ViewModel, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        vm,
		opts:      opts,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme, opts.Profile),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		help:      views.NewHelpView(theme),
		prompt:    ui.NewPrompt(theme),
		lastPage:  pageChats,
		typingCh:  make(chan bool, 16),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: func() { a.Stop() },
	})
	a.registry.AddGlobal("help", &keys.Action{
		Rune: '?', Key: tcell.KeyRune,
		Description: "?:help", Visible: true,
		Handler: func() { a.showHelp() },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Description: ":cmd", Visible: true,
		Handler: func() { a.showPrompt(ui.PromptCommand, "") },
	})

	a.registry.AddView(pageChats, "filter", &keys.Action{
		Rune: '/', Key: tcell.KeyRune,
		Description: "/:filter", Visible: true,
		Handler: func() { a.showPrompt(ui.PromptFilter, a.list.Filter()) },
	})
	a.registry.AddView(pageChats, "new", &keys.Action{
		Rune: 'n', Key: tcell.KeyRune,
		Description: "n:new", Visible: true,
		Handler: func() { a.showPrompt(ui.PromptCommand, "chat ") },
	})
	a.registry.AddView(pageChats, "clear", &keys.Action{
		Rune: '0', Key: tcell.KeyRune,
		Handler: func() { a.list.ClearFilter() },
	})

	a.registry.AddView(pageChat, "compose", &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageChat, "retry", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:retry", Visible: true,
		Handler: func() { go a.retry() },
	})
	a.registry.AddView(pageChat, "back", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:back", Visible: true,
		Handler: func() { a.back() },
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if contact := a.list.ContactByIndex(row); contact != "" {
			a.openChat(contact)
		}
	})

	a.thread.SetOnSend(func(text string) {
		if err := a.vm.Send(text); err != nil {
			a.vm.Flash.Err(err)
			a.render()
		}
	})
	a.thread.SetOnTyping(func(typing bool) {
		select {
		case a.typingCh <- typing:
		default:
		}
	})
	a.thread.SetOnBlur(func() { a.app.SetFocus(a.thread.Messages()) })

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		case ui.PromptFilter:
			a.list.SetFilter(text)
		case ui.PromptLogin:
			go a.signIn(text)
		}
	})
	a.prompt.SetOnCancel(func() {
		if a.prompt.Mode() == ui.PromptFilter {
			a.list.ClearFilter()
		}
		a.hidePrompt()
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageChats, a.list, true, true)
	a.pages.AddPage(pageChat, a.thread, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(a.root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Text inputs handle every key, Esc included.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		page, _ := a.pages.GetFrontPage()
		if event.Key() == tcell.KeyEscape {
			switch page {
			case pageHelp:
				a.switchTo(a.lastPage)
			case pageChat:
				a.back()
			case pageChats:
				a.list.ClearFilter()
			}
			return nil
		}

		if page == pageChats && event.Key() == tcell.KeyRune && event.Rune() >= '1' && event.Rune() <= '9' {
			if contact := a.list.ContactByIndex(int(event.Rune() - '0')); contact != "" {
				a.openChat(contact)
			}
			return nil
		}

		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

// render copies view model state into the widgets. Runs on the UI goroutine.
func (a *App) render() {
	a.list.Update(a.vm.List.Items())
	if sc := a.vm.Screen(); sc != nil {
		a.thread.Update(sc.Messages(), a.vm.Self(), sc.PeerTyping(), sc.ContactOnline())
	}
	page, _ := a.pages.GetFrontPage()
	var flash *model.FlashMessage
	if msg, ok := a.vm.Flash.Current(); ok {
		flash = &msg
	}
	a.statusBar.Set(a.vm.Self(), a.vm.State(), flash, a.registry.Hints(page))
}

func (a *App) switchTo(page string) {
	a.pages.SwitchToPage(page)
	switch page {
	case pageChats:
		a.app.SetFocus(a.list)
	case pageChat:
		a.app.SetFocus(a.thread.Composer())
	case pageHelp:
		a.app.SetFocus(a.help)
	}
	a.render()
}

func (a *App) showHelp() {
	if page, _ := a.pages.GetFrontPage(); page != pageHelp {
		a.lastPage = page
	}
	a.switchTo(pageHelp)
}

func (a *App) showPrompt(mode ui.PromptMode, text string) {
	a.promptReturn = a.app.GetFocus()
	a.prompt.Activate(mode)
	a.prompt.SetText(text)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	if a.promptReturn != nil {
		a.app.SetFocus(a.promptReturn)
	}
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "login":
		if cmd.Args == "" {
			a.showPrompt(ui.PromptLogin, "")
			return
		}
		go a.signIn(cmd.Args)
	case "logout":
		go a.signOut()
	case "chat":
		if cmd.Args == "" {
			a.vm.Flash.Warn("usage: :chat <contact id>")
			break
		}
		a.openChat(cmd.Args)
	case "retry":
		go a.retry()
	case "refresh":
		go a.refresh()
	case "help":
		a.showHelp()
	case "quit":
		a.Stop()
	case "":
	default:
		a.vm.Flash.Warn("unknown command: " + cmd.Name)
	}
	a.render()
}

// The helpers below run off the UI goroutine and queue their redraws.

func (a *App) signIn(userID string) {
	err := a.vm.SignIn(a.ctx, userID)
	if err != nil {
		a.vm.Flash.Err(err)
	}
	a.app.QueueUpdateDraw(func() {
		if page, _ := a.pages.GetFrontPage(); page == pageChat && a.vm.Screen() == nil {
			a.switchTo(pageChats)
		}
		a.render()
	})
}

func (a *App) signOut() {
	if err := a.vm.SignOut(a.ctx); err != nil {
		a.vm.Flash.Err(err)
	}
	a.app.QueueUpdateDraw(func() {
		a.switchTo(pageChats)
		a.showPrompt(ui.PromptLogin, "")
	})
}

func (a *App) openChat(contactID string) {
	go func() {
		err := a.vm.Open(a.ctx, contactID)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				if errors.Is(err, chat.ErrNotSignedIn) {
					a.vm.Flash.Warn("sign in first with :login <user id>")
				} else {
					a.vm.Flash.Err(err)
				}
				a.render()
				return
			}
			a.thread.SetContact(contactID)
			a.switchTo(pageChat)
		})
	}()
}

func (a *App) back() {
	a.switchTo(pageChats)
	go func() {
		a.vm.CloseConversation()
		a.app.QueueUpdateDraw(a.render)
	}()
}

func (a *App) retry() {
	n, err := a.vm.RetryFailed()
	switch {
	case err != nil:
		a.vm.Flash.Err(err)
	case n == 0:
		a.vm.Flash.Info("nothing to retry")
	default:
		a.vm.Flash.Info(fmt.Sprintf("retrying %d message(s)", n))
	}
	a.app.QueueUpdateDraw(a.render)
}

func (a *App) refresh() {
	if err := a.vm.List.Load(a.ctx); err != nil {
		a.vm.Flash.Err(err)
	}
	if sc := a.vm.Screen(); sc != nil {
		if err := sc.Refresh(a.ctx); err != nil {
			a.vm.Flash.Err(err)
		}
	}
	a.app.QueueUpdateDraw(a.render)
}

// Run starts the TUI application and blocks until it quits.
func (a *App) Run() error {
	a.vm.Start(a.ctx)
	defer a.vm.Stop()

	go a.refreshLoop()
	go a.typingLoop()

	a.render()
	if a.opts.SignedOut {
		a.showPrompt(ui.PromptLogin, "")
	} else if last := a.vm.LastConversation(a.ctx); last != "" {
		a.openChat(last)
	}
	return a.app.Run()
}

// refreshLoop redraws on view model changes, and once a second so flash
// messages expire.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.vm.RefreshCh():
		case <-ticker.C:
		case <-a.ctx.Done():
			return
		}
		a.app.QueueUpdateDraw(a.render)
	}
}

// typingLoop forwards composer activity in order without blocking input.
func (a *App) typingLoop() {
	for {
		select {
		case typing := <-a.typingCh:
			a.vm.Typing(typing)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
