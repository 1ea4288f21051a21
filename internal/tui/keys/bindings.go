// Package keys maps key events to named actions per view.
package keys

import (
	"slices"

	"github.com/gdamore/tcell/v2"
)

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds keybindings organized by scope.
type Registry struct {
	Global map[string]*Action
	Views  map[string]map[string]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{
		Global: make(map[string]*Action),
		Views:  make(map[string]map[string]*Action),
	}
}

// AddGlobal registers a global keybinding.
func (r *Registry) AddGlobal(name string, action *Action) {
	r.Global[name] = action
}

// AddView registers a view-specific keybinding.
func (r *Registry) AddView(view, name string, action *Action) {
	if r.Views[view] == nil {
		r.Views[view] = make(map[string]*Action)
	}
	r.Views[view][name] = action
}

// Hints returns visible keybinding descriptions for a view, view bindings
// first, each group sorted by name.
func (r *Registry) Hints(view string) []string {
	var hints []string
	for _, a := range sorted(r.Views[view]) {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	for _, a := range sorted(r.Global) {
		if a.Visible && !shadowed(r.Views[view], a) {
			hints = append(hints, a.Description)
		}
	}
	return hints
}

// shadowed reports whether a view binding takes the key of global action g.
func shadowed(view map[string]*Action, g *Action) bool {
	for _, a := range view {
		if a.Key == g.Key && (a.Key != tcell.KeyRune || a.Rune == g.Rune) {
			return true
		}
	}
	return false
}

func sorted(m map[string]*Action) []*Action {
	out := make([]*Action, 0, len(m))
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

// HandleEvent dispatches a key event to matching action in the given view.
// Returns true if a handler matched.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey) bool {
	// View bindings shadow global ones.
	for _, a := range sorted(r.Views[view]) {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	for _, a := range sorted(r.Global) {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
