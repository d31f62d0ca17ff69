package function

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semrml/term"
)

// firstModule is a hand-assembled module exporting memory, a bump
// allocator (wasm_alloc), a no-op wasm_free and first(ptr, len), which
// returns the input with its outer brackets dropped. Called with the JSON
// argument array ["ada"] it yields the JSON string "ada".
var firstModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,

	// type: (i32)->i32, (i32 i32)->(), (i32 i32)->i64
	0x01, 0x11, 0x03,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x00,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,

	// function
	0x03, 0x04, 0x03, 0x00, 0x01, 0x02,

	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,

	// global: mut i32 = 1024 (heap pointer)
	0x06, 0x07, 0x01, 0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b,

	// export
	0x07, 0x2b, 0x04,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0a, 'w', 'a', 's', 'm', '_', 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x09, 'w', 'a', 's', 'm', '_', 'f', 'r', 'e', 'e', 0x00, 0x01,
	0x05, 'f', 'i', 'r', 's', 't', 0x00, 0x02,

	// code
	0x0a, 0x23, 0x03,
	// wasm_alloc: old := heap; heap += size; return old
	0x0b, 0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b,
	// wasm_free
	0x02, 0x00, 0x0b,
	// first: (u64(ptr+1) << 32) | u64(len-2)
	0x12, 0x00,
	0x20, 0x00, 0x41, 0x01, 0x6a, 0xad, 0x42, 0x20, 0x86,
	0x20, 0x01, 0x41, 0x02, 0x6b, 0xad, 0x84,
	0x0b,
}

func writeFirstModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.wasm"), firstModule, 0o644))
	return dir
}

func TestWASMResolver_InvokeThroughChain(t *testing.T) {
	ctx := context.Background()
	w := NewWASMResolver(writeFirstModule(t))
	t.Cleanup(func() { _ = w.Close(ctx) })

	tr, err := NewTransformation("first", Source{Location: "first.wasm", MethodName: "first"},
		[]Parameter{EmptyParameter(String, pValue, 0)},
		[]Parameter{EmptyParameter(String, pOut, 0)},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Bind(ChainResolver{Builtins(), w}).Resolve(ctx))
	assert.Equal(t, Resolved, tr.State())

	out, ok, err := tr.Invoke(ctx, map[string]string{pValue: "ada"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []term.Term{term.NewLiteral("ada")}, out)

	// The module is cached: a second resolve reuses the loaded instance.
	fn, err := w.Resolve(ctx, Source{Location: "first.wasm", MethodName: "first"}, 1)
	require.NoError(t, err)
	got, err := fn(ctx, []any{"lovelace"})
	require.NoError(t, err)
	assert.Equal(t, "lovelace", got)
}

func TestWASMResolver_ConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	w := NewWASMResolver(writeFirstModule(t))
	t.Cleanup(func() { _ = w.Close(ctx) })

	fn, err := w.Resolve(ctx, Source{Location: "first.wasm", MethodName: "first"}, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("value-%d", i)
			got, err := fn(ctx, []any{want})
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("got %v, want %s", got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestWASMResolver_LoadedModuleReasons(t *testing.T) {
	ctx := context.Background()
	w := NewWASMResolver(writeFirstModule(t))
	t.Cleanup(func() { _ = w.Close(ctx) })

	tests := []struct {
		name   string
		method string
		reason ResolutionReason
	}{
		{"unknown export", "upper", SymbolMissing},
		{"wrong signature", "wasm_alloc", SignatureMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Resolve(ctx, Source{Location: "first.wasm", MethodName: tt.method}, 1)
			var re *ResolutionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.reason, re.Reason)
		})
	}
}
