// Package methods holds the registry that maps wire method names to
// handlers. A registry is immutable once built; unknown names are
// detected at dispatch time, never at startup.
package methods

import (
	"context"
	"fmt"
	"sort"
)

// Call carries everything a handler receives for one inbound request.
type Call struct {
	// Conn identifies the connection the request arrived on. It is
	// stable for the connection's lifetime and opaque beyond that.
	Conn string
	// Method is the wire name the handler was resolved under.
	Method string
	// Params holds the request parameters in wire order. It is never
	// nil; an absent params field arrives as an empty slice.
	Params []any
}

// HandlerFunc is the uniform handler signature. The returned values
// populate the success envelope: a single value is sent bare, several
// as an ordered sequence. A non-nil error sends its message verbatim
// to the peer instead.
type HandlerFunc func(ctx context.Context, call *Call) ([]any, error)

// Param documents one positional parameter for introspection.
type Param struct {
	Name   string `json:"name"`
	Schema any    `json:"schema,omitempty"`
}

// Method pairs a handler with its registry metadata.
type Method struct {
	Name    string
	Doc     string
	Params  []Param
	Handler HandlerFunc
}

// Map is an immutable method registry.
type Map struct {
	byName map[string]*Method
	names  []string
}

// NewMap builds a registry from explicit method entries. Entries must
// carry unique, non-empty names and a handler.
func NewMap(entries ...*Method) (*Map, error) {
	byName := make(map[string]*Method, len(entries))
	for _, m := range entries {
		if m.Name == "" {
			return nil, fmt.Errorf("methods: entry with empty name")
		}
		if m.Handler == nil {
			return nil, fmt.Errorf("methods: method %q has no handler", m.Name)
		}
		if _, exists := byName[m.Name]; exists {
			return nil, fmt.Errorf("methods: duplicate method %q", m.Name)
		}
		byName[m.Name] = m
	}
	return &Map{byName: byName, names: sortedNames(byName)}, nil
}

// FromHandlers builds a registry from bare handler functions keyed by
// method name.
func FromHandlers(handlers map[string]HandlerFunc) *Map {
	byName := make(map[string]*Method, len(handlers))
	for name, fn := range handlers {
		byName[name] = &Method{Name: name, Handler: fn}
	}
	return &Map{byName: byName, names: sortedNames(byName)}
}

// Resolve looks up a method by its wire name.
func (m *Map) Resolve(name string) (*Method, bool) {
	entry, ok := m.byName[name]
	return entry, ok
}

// Names returns the registered method names in sorted order.
func (m *Map) Names() []string {
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

// Len reports the number of registered methods.
func (m *Map) Len() int { return len(m.byName) }

func sortedNames(byName map[string]*Method) []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
