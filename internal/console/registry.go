package console

import (
	"context"
	"fmt"
	"sort"
)

// Action is a console command handler.
type Action struct {
	Usage       string
	Description string
	Handler     func(ctx context.Context, cmd Command) error
}

// Registry holds the commands by name, aliases included.
type Registry struct {
	actions map[string]*Action
	names   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Add registers an action under name and any aliases. Only name is listed
// in the help.
func (r *Registry) Add(name string, action *Action, aliases ...string) {
	if _, ok := r.actions[name]; !ok {
		r.names = append(r.names, name)
	}
	r.actions[name] = action
	for _, alias := range aliases {
		r.actions[alias] = action
	}
}

// Lookup returns the action for a command name.
func (r *Registry) Lookup(name string) (*Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Help returns one usage line per command, sorted by name.
func (r *Registry) Help() []string {
	names := append([]string(nil), r.names...)
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, n := range names {
		a := r.actions[n]
		lines = append(lines, fmt.Sprintf("  %-34s %s", a.Usage, a.Description))
	}
	return lines
}
