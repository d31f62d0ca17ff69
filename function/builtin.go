package function

import (
	"context"
	"fmt"
	"strings"
)

// BuiltinLocation is the artifact location of the built-in functions.
const BuiltinLocation = "builtin"

// builtinClass groups the built-in string and list helpers.
const builtinClass = "grel"

// Builtins returns a registry holding the built-in functions under
// location "builtin", class "grel".
func Builtins() *Registry {
	r := NewRegistry()
	for name, b := range builtinFuncs {
		// Names are unique within the table.
		_ = r.Register(BuiltinLocation, builtinClass+"."+name, b.arity, b.fn)
	}
	return r
}

type builtin struct {
	arity int
	fn    Func
}

var builtinFuncs = map[string]builtin{
	"toUpperCase": {1, stringFunc(strings.ToUpper)},
	"toLowerCase": {1, stringFunc(strings.ToLower)},
	"trim":        {1, stringFunc(strings.TrimSpace)},
	"length": {1, func(_ context.Context, args []any) (any, error) {
		s, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return int64(len([]rune(s))), nil
	}},
	"concat": {-1, func(_ context.Context, args []any) (any, error) {
		var sb strings.Builder
		for i := range args {
			s, err := argString(args, i)
			if err != nil {
				return nil, err
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	}},
	"replace": {3, func(_ context.Context, args []any) (any, error) {
		s, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		from, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		to, err := argString(args, 2)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, from, to), nil
	}},
	"join": {2, func(_ context.Context, args []any) (any, error) {
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("argument 0: expected list, got %T", args[0])
		}
		sep, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		parts := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := formatValue(v)
			if !ok {
				continue
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, sep), nil
	}},
	"sum": {1, func(_ context.Context, args []any) (any, error) {
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("argument 0: expected list, got %T", args[0])
		}
		var total float64
		for i, v := range list {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d: expected number, got %T", i, v)
			}
			total += f
		}
		return total, nil
	}},
}

func stringFunc(f func(string) string) Func {
	return func(_ context.Context, args []any) (any, error) {
		s, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return f(s), nil
	}
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("argument %d: missing", i)
	}
	s, ok := formatValue(args[i])
	if !ok {
		return "", fmt.Errorf("argument %d: no value", i)
	}
	return s, nil
}
