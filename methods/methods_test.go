package methods

import (
	"context"
	"reflect"
	"testing"
)

func echoHandler(ctx context.Context, call *Call) ([]any, error) {
	return call.Params, nil
}

func TestNewMapValidation(t *testing.T) {
	if _, err := NewMap(&Method{Name: "", Handler: echoHandler}); err == nil {
		t.Error("NewMap accepted an empty method name")
	}
	if _, err := NewMap(&Method{Name: "a"}); err == nil {
		t.Error("NewMap accepted an entry without a handler")
	}
	if _, err := NewMap(
		&Method{Name: "a", Handler: echoHandler},
		&Method{Name: "a", Handler: echoHandler},
	); err == nil {
		t.Error("NewMap accepted a duplicate name")
	}
}

func TestResolve(t *testing.T) {
	m := FromHandlers(map[string]HandlerFunc{
		"echo": echoHandler,
	})

	entry, ok := m.Resolve("echo")
	if !ok {
		t.Fatal("Resolve(echo) missed")
	}
	if entry.Name != "echo" {
		t.Errorf("entry.Name = %q", entry.Name)
	}
	if _, ok := m.Resolve("nope"); ok {
		t.Error("Resolve(nope) hit")
	}
}

func TestNamesSorted(t *testing.T) {
	m := FromHandlers(map[string]HandlerFunc{
		"zeta":  echoHandler,
		"alpha": echoHandler,
		"mid":   echoHandler,
	})
	want := []string{"alpha", "mid", "zeta"}
	if got := m.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	// Callers must not be able to mutate the registry through the
	// returned slice.
	m.Names()[0] = "mutated"
	if got := m.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() after caller mutation = %v, want %v", got, want)
	}
}

func TestWithIntrospection(t *testing.T) {
	base := FromHandlers(map[string]HandlerFunc{
		"echo": echoHandler,
	})
	m := WithIntrospection(base)

	entry, ok := m.Resolve(ListMethodsName)
	if !ok {
		t.Fatal("system.listMethods not registered")
	}
	values, err := entry.Handler(context.Background(), &Call{Method: ListMethodsName, Params: []any{}})
	if err != nil {
		t.Fatalf("listMethods: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("listMethods returned %d values, want 1", len(values))
	}
	names, ok := values[0].([]string)
	if !ok {
		t.Fatalf("listMethods value is %T", values[0])
	}
	want := []string{"echo", DescribeName, ListMethodsName}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("listMethods = %v, want %v", names, want)
	}

	entry, ok = m.Resolve(DescribeName)
	if !ok {
		t.Fatal("system.describe not registered")
	}
	values, err = entry.Handler(context.Background(), &Call{Method: DescribeName, Params: []any{}})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	info, ok := values[0].(map[string]methodInfo)
	if !ok {
		t.Fatalf("describe value is %T", values[0])
	}
	if _, ok := info["echo"]; !ok {
		t.Error("describe output lacks echo")
	}
	if _, ok := info[ListMethodsName]; !ok {
		t.Error("describe output lacks system.listMethods")
	}

	// The original registry is untouched.
	if _, ok := base.Resolve(ListMethodsName); ok {
		t.Error("WithIntrospection mutated its argument")
	}
}
