package function

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Func is a resolved, statically typed callable. Arguments arrive coerced
// and in position order.
type Func func(ctx context.Context, args []any) (any, error)

// Source locates the callable behind a transformation.
type Source struct {
	Location   string `json:"location" yaml:"location"`
	ClassName  string `json:"class_name" yaml:"class"`
	MethodName string `json:"method_name" yaml:"method"`
}

// QualifiedName returns "class.method", or the method alone without a class.
func (s Source) QualifiedName() string {
	if s.ClassName == "" {
		return s.MethodName
	}
	return s.ClassName + "." + s.MethodName
}

func (s Source) String() string {
	return s.Location + "#" + s.QualifiedName()
}

// Resolver locates the callable for a source. arity is the number of input
// parameters the transformation will pass.
type Resolver interface {
	Resolve(ctx context.Context, src Source, arity int) (Func, error)
}

// ResolutionReason classifies resolution failures.
type ResolutionReason string

const (
	ArtifactMissing   ResolutionReason = "artifact_missing"
	SymbolMissing     ResolutionReason = "symbol_missing"
	SignatureMismatch ResolutionReason = "signature_mismatch"
)

// ErrResolution matches every *ResolutionError.
var ErrResolution = errors.New("function resolution failed")

// ResolutionError is returned when a transformation's callable cannot be
// located. It is fatal for the affected transformation.
type ResolutionError struct {
	Source Source
	Reason ResolutionReason
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Source, e.Reason)
}

// Is matches ErrResolution.
func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// Unwrap returns the underlying cause.
func (e *ResolutionError) Unwrap() error { return e.Err }

// IsMissing reports whether err is an artifact or symbol miss, which lets a
// ChainResolver fall through to the next resolver.
func IsMissing(err error) bool {
	var re *ResolutionError
	if !errors.As(err, &re) {
		return false
	}
	return re.Reason == ArtifactMissing || re.Reason == SymbolMissing
}

// registration is one pre-registered callable.
type registration struct {
	fn    Func
	arity int // -1 accepts any arity
}

// Registry resolves sources against explicitly registered Go callables,
// keyed by artifact location and qualified name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]map[string]registration)}
}

// Register adds a callable. arity -1 accepts any number of arguments.
func (r *Registry) Register(location, qualifiedName string, arity int, fn Func) error {
	if location == "" || qualifiedName == "" {
		return fmt.Errorf("register function: location and name are required")
	}
	if fn == nil {
		return fmt.Errorf("register function %s#%s: nil callable", location, qualifiedName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	artifact, ok := r.funcs[location]
	if !ok {
		artifact = make(map[string]registration)
		r.funcs[location] = artifact
	}
	if _, exists := artifact[qualifiedName]; exists {
		return fmt.Errorf("register function %s#%s: already registered", location, qualifiedName)
	}
	artifact[qualifiedName] = registration{fn: fn, arity: arity}
	return nil
}

// Resolve implements Resolver.
func (r *Registry) Resolve(_ context.Context, src Source, arity int) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, ok := r.funcs[src.Location]
	if !ok {
		return nil, &ResolutionError{Source: src, Reason: ArtifactMissing}
	}
	reg, ok := artifact[src.QualifiedName()]
	if !ok {
		return nil, &ResolutionError{Source: src, Reason: SymbolMissing}
	}
	if reg.arity >= 0 && reg.arity != arity {
		return nil, &ResolutionError{
			Source: src,
			Reason: SignatureMismatch,
			Err:    fmt.Errorf("callable takes %d arguments, transformation passes %d", reg.arity, arity),
		}
	}
	return reg.fn, nil
}

// Names lists the registered qualified names for a location.
func (r *Registry) Names(location string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs[location]))
	for name := range r.funcs[location] {
		names = append(names, name)
	}
	return names
}

// ChainResolver tries resolvers in order. A miss falls through; any other
// outcome is final.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(ctx context.Context, src Source, arity int) (Func, error) {
	lastErr := error(&ResolutionError{Source: src, Reason: ArtifactMissing})
	for _, r := range c {
		fn, err := r.Resolve(ctx, src, arity)
		if err == nil {
			return fn, nil
		}
		if !IsMissing(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
