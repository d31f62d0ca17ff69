package function

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	reg := Builtins()

	tests := []struct {
		name string
		args []any
		want any
	}{
		{"toUpperCase", []any{"abc"}, "ABC"},
		{"toLowerCase", []any{"ABC"}, "abc"},
		{"trim", []any{"  x  "}, "x"},
		{"length", []any{"héllo"}, int64(5)},
		{"concat", []any{"a", int64(1), 2.5}, "a12.5"},
		{"replace", []any{"a-b-c", "-", "+"}, "a+b+c"},
		{"join", []any{[]any{"a", float64(2), nil}, ","}, "a,2"},
		{"sum", []any{[]any{float64(1), 2.5}}, 3.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := reg.Resolve(ctx, Source{Location: BuiltinLocation, ClassName: "grel", MethodName: tt.name}, len(tt.args))
			require.NoError(t, err)

			got, err := fn(ctx, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltins_BadArguments(t *testing.T) {
	ctx := context.Background()
	reg := Builtins()

	join, err := reg.Resolve(ctx, Source{Location: BuiltinLocation, ClassName: "grel", MethodName: "join"}, 2)
	require.NoError(t, err)
	_, err = join(ctx, []any{"not a list", ","})
	assert.Error(t, err)

	sum, err := reg.Resolve(ctx, Source{Location: BuiltinLocation, ClassName: "grel", MethodName: "sum"}, 1)
	require.NoError(t, err)
	_, err = sum(ctx, []any{[]any{"x"}})
	assert.Error(t, err)

	upper, err := reg.Resolve(ctx, Source{Location: BuiltinLocation, ClassName: "grel", MethodName: "toUpperCase"}, 1)
	require.NoError(t, err)
	_, err = upper(ctx, []any{nil})
	assert.Error(t, err)
}
