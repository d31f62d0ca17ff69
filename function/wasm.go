package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ArtifactInvalid is returned when an artifact exists but cannot be loaded.
const ArtifactInvalid ResolutionReason = "artifact_invalid"

// WASMResolver resolves sources whose location is a .wasm artifact.
//
// The export named by the source method is called with one JSON array of
// positional arguments and must return JSON. Strings cross the boundary as
// (ptr, len) pairs allocated through the module's wasm_alloc / wasm_free
// exports; the result is packed as (ptr << 32) | len.
type WASMResolver struct {
	dir string

	mu      sync.Mutex
	runtime wazero.Runtime
	modules map[string]*wasmModule
}

// wasmModule is one instantiated artifact. Module instances are not
// re-entrant, so calls are serialized.
type wasmModule struct {
	mu  sync.Mutex
	mod api.Module
}

// NewWASMResolver creates a resolver. Relative locations resolve against dir.
func NewWASMResolver(dir string) *WASMResolver {
	return &WASMResolver{dir: dir, modules: make(map[string]*wasmModule)}
}

// Resolve implements Resolver. Non-.wasm locations are reported missing so
// that a ChainResolver can try other resolvers.
func (w *WASMResolver) Resolve(ctx context.Context, src Source, _ int) (Func, error) {
	if !strings.HasSuffix(src.Location, ".wasm") {
		return nil, &ResolutionError{Source: src, Reason: ArtifactMissing}
	}

	m, err := w.load(ctx, src)
	if err != nil {
		return nil, err
	}

	target := m.mod.ExportedFunction(src.MethodName)
	if target == nil {
		return nil, &ResolutionError{Source: src, Reason: SymbolMissing}
	}
	def := target.Definition()
	if len(def.ParamTypes()) != 2 || len(def.ResultTypes()) != 1 {
		return nil, &ResolutionError{
			Source: src,
			Reason: SignatureMismatch,
			Err:    fmt.Errorf("export %s must be (ptr, len) -> packed result", src.MethodName),
		}
	}
	if m.mod.ExportedFunction("wasm_alloc") == nil || m.mod.ExportedFunction("wasm_free") == nil {
		return nil, &ResolutionError{
			Source: src,
			Reason: SignatureMismatch,
			Err:    errors.New("artifact must export wasm_alloc and wasm_free"),
		}
	}

	name := src.MethodName
	return func(ctx context.Context, args []any) (any, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}

		m.mu.Lock()
		output, err := callJSON(ctx, m.mod, name, input)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}

		var result any
		if err := json.Unmarshal(output, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", name, err)
		}
		return result, nil
	}, nil
}

// Close releases every loaded module.
func (w *WASMResolver) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(ctx)
	w.runtime = nil
	w.modules = make(map[string]*wasmModule)
	return err
}

func (w *WASMResolver) load(ctx context.Context, src Source) (*wasmModule, error) {
	path := src.Location
	if !filepath.IsAbs(path) && w.dir != "" {
		path = filepath.Join(w.dir, path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.modules[path]; ok {
		return m, nil
	}

	code, err := os.ReadFile(path)
	if err != nil {
		reason := ArtifactInvalid
		if errors.Is(err, os.ErrNotExist) {
			reason = ArtifactMissing
		}
		return nil, &ResolutionError{Source: src, Reason: reason, Err: err}
	}

	if w.runtime == nil {
		r := wazero.NewRuntime(ctx)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			_ = r.Close(ctx)
			return nil, &ResolutionError{Source: src, Reason: ArtifactInvalid, Err: fmt.Errorf("wasi: %w", err)}
		}
		w.runtime = r
	}

	compiled, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, &ResolutionError{Source: src, Reason: ArtifactInvalid, Err: fmt.Errorf("compile: %w", err)}
	}

	mod, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(path))
	if err != nil {
		return nil, &ResolutionError{Source: src, Reason: ArtifactInvalid, Err: fmt.Errorf("instantiate: %w", err)}
	}

	m := &wasmModule{mod: mod}
	w.modules[path] = m
	return m, nil
}

// callJSON runs the shared-memory protocol for a bytes-in, bytes-out call.
func callJSON(ctx context.Context, mod api.Module, fnName string, input []byte) ([]byte, error) {
	allocFn := mod.ExportedFunction("wasm_alloc")
	freeFn := mod.ExportedFunction("wasm_free")
	targetFn := mod.ExportedFunction(fnName)

	size := uint64(len(input))
	var ptr uint64
	if size > 0 {
		results, err := allocFn.Call(ctx, size)
		if err != nil {
			return nil, fmt.Errorf("wasm alloc for %s (size=%d): %w", fnName, size, err)
		}
		ptr = results[0]
		if ptr == 0 {
			return nil, fmt.Errorf("wasm alloc returned null for %s (size=%d)", fnName, size)
		}
		if !mod.Memory().Write(uint32(ptr), input) {
			_, _ = freeFn.Call(ctx, ptr, size)
			return nil, fmt.Errorf("wasm %s memory write out of range at ptr=%d size=%d", fnName, ptr, size)
		}
	}

	results, err := targetFn.Call(ctx, ptr, size)
	if size > 0 {
		if _, freeErr := freeFn.Call(ctx, ptr, size); freeErr != nil && err == nil {
			err = fmt.Errorf("free input buffer: %w", freeErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("wasm call %s: %w", fnName, err)
	}

	packed := results[0]
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 || resultLen == 0 {
		return nil, fmt.Errorf("wasm %s returned null result (ptr=%d, len=%d)", fnName, resultPtr, resultLen)
	}

	view, ok := mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("wasm %s memory read out of range at ptr=%d len=%d", fnName, resultPtr, resultLen)
	}
	// Copy before freeing: the view aliases module memory.
	output := make([]byte, len(view))
	copy(output, view)

	if _, err := freeFn.Call(ctx, uint64(resultPtr), uint64(resultLen)); err != nil {
		return nil, fmt.Errorf("wasm %s: free result buffer: %w", fnName, err)
	}
	return output, nil
}
