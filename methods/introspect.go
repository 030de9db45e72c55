package methods

import "context"

// Wire names under which introspection is served.
const (
	ListMethodsName = "system.listMethods"
	DescribeName    = "system.describe"
)

// WithIntrospection returns a copy of m extended with the system.*
// methods: system.listMethods returns the sorted method names, and
// system.describe returns per-method documentation and positional
// parameter schemas. Existing entries under those names are replaced.
func WithIntrospection(m *Map) *Map {
	byName := make(map[string]*Method, m.Len()+2)
	for name, entry := range m.byName {
		byName[name] = entry
	}
	ext := &Map{byName: byName}
	byName[ListMethodsName] = &Method{
		Name: ListMethodsName,
		Doc:  "List the names of all callable methods.",
		Handler: func(ctx context.Context, call *Call) ([]any, error) {
			return []any{ext.Names()}, nil
		},
	}
	byName[DescribeName] = &Method{
		Name: DescribeName,
		Doc:  "Describe every method: documentation and positional parameters.",
		Handler: func(ctx context.Context, call *Call) ([]any, error) {
			return []any{ext.describe()}, nil
		},
	}
	ext.names = sortedNames(byName)
	return ext
}

type methodInfo struct {
	Doc    string  `json:"doc,omitempty"`
	Params []Param `json:"params,omitempty"`
}

func (m *Map) describe() map[string]methodInfo {
	out := make(map[string]methodInfo, len(m.byName))
	for name, entry := range m.byName {
		out[name] = methodInfo{Doc: entry.Doc, Params: entry.Params}
	}
	return out
}
