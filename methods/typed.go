package methods

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// Errors returned to the peer when wire params cannot be bound to a
// typed argument struct.
var (
	ErrParamCount   = errors.New("invalid number of params")
	ErrInvalidParam = errors.New("invalid params")
)

// MethodOption configures NewTyped.
type MethodOption func(*methodConfig)

type methodConfig struct {
	doc string
}

// WithDoc sets the documentation string served by system.describe.
func WithDoc(doc string) MethodOption {
	return func(c *methodConfig) { c.doc = doc }
}

// NewTyped builds a registry entry around a struct-argument function.
// Wire params bind positionally to the fields of A, and the parameter
// metadata served by system.describe is reflected from A.
func NewTyped[A any](name string, fn func(ctx context.Context, call *Call, args A) ([]any, error), opts ...MethodOption) *Method {
	cfg := methodConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Method{
		Name:    name,
		Doc:     cfg.doc,
		Params:  reflectParams[A](),
		Handler: Typed(fn),
	}
}

// Typed adapts a struct-argument function to the positional wire
// convention: params[i] binds to the i-th bindable field of A in
// declaration order. A must be a struct type; anything else panics at
// construction.
func Typed[A any](fn func(ctx context.Context, call *Call, args A) ([]any, error)) HandlerFunc {
	fields := bindableFields(reflect.TypeFor[A]())
	return func(ctx context.Context, call *Call) ([]any, error) {
		if len(call.Params) != len(fields) {
			return nil, ErrParamCount
		}
		var args A
		v := reflect.ValueOf(&args).Elem()
		for i, idx := range fields {
			raw, err := json.Marshal(call.Params[i])
			if err != nil {
				return nil, ErrInvalidParam
			}
			if err := json.Unmarshal(raw, v.Field(idx).Addr().Interface()); err != nil {
				return nil, ErrInvalidParam
			}
		}
		return fn(ctx, call, args)
	}
}

// bindableFields returns the indices of the fields that bind to wire
// params: exported fields not excluded with json:"-".
func bindableFields(typ reflect.Type) []int {
	if typ.Kind() != reflect.Struct {
		panic("methods: typed argument type must be a struct")
	}
	var idx []int
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name == "-" {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

func reflectParams[A any]() []Param {
	typ := reflect.TypeFor[A]()
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))

	var params []Param
	for _, i := range bindableFields(typ) {
		f := typ.Field(i)
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" {
			name = tag
		}
		p := Param{Name: name}
		if s != nil && s.Properties != nil {
			if fs, ok := s.Properties.Get(name); ok {
				p.Schema = fs
			}
		}
		params = append(params, p)
	}
	return params
}
