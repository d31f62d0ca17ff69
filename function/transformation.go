package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// ErrNotResolved is returned when Invoke runs before Resolve completed.
var ErrNotResolved = errors.New("transformation not resolved")

// State is the resolution state of a transformation.
type State int

const (
	Unresolved State = iota
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "unresolved"
}

// Transformation is one invocable external function.
//
// The callable is resolved lazily and cached for the lifetime of the value.
// JSON encoding carries only the descriptor: a decoded transformation starts
// Unresolved and resolves against the global resolver on the receiving side.
type Transformation struct {
	identifier string
	inputs     []Parameter // sorted by position
	outputs    []Parameter // sorted by position
	source     Source

	mu       sync.Mutex
	resolver Resolver
	fn       Func
}

// NewTransformation validates parameter positions and builds an Unresolved
// transformation.
func NewTransformation(identifier string, src Source, inputs, outputs []Parameter) (*Transformation, error) {
	if identifier == "" {
		return nil, fmt.Errorf("transformation identifier is required")
	}
	if src.MethodName == "" {
		return nil, fmt.Errorf("transformation %s: method name is required", identifier)
	}
	if err := validatePositions("input", inputs); err != nil {
		return nil, fmt.Errorf("transformation %s: %w", identifier, err)
	}
	if err := validatePositions("output", outputs); err != nil {
		return nil, fmt.Errorf("transformation %s: %w", identifier, err)
	}
	return &Transformation{
		identifier: identifier,
		inputs:     SortByPosition(inputs),
		outputs:    SortByPosition(outputs),
		source:     src,
	}, nil
}

// Identifier returns the stable name of the transformation.
func (t *Transformation) Identifier() string { return t.identifier }

// Source returns the callable location.
func (t *Transformation) Source() Source { return t.source }

// Inputs returns the input parameters in position order.
func (t *Transformation) Inputs() []Parameter { return append([]Parameter(nil), t.inputs...) }

// Outputs returns the output parameters in position order.
func (t *Transformation) Outputs() []Parameter { return append([]Parameter(nil), t.outputs...) }

// Bind sets the resolver used by Resolve. Without one, Global() is used.
// Binding does not drop an already resolved callable.
func (t *Transformation) Bind(r Resolver) *Transformation {
	t.mu.Lock()
	t.resolver = r
	t.mu.Unlock()
	return t
}

// State returns the current resolution state.
func (t *Transformation) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fn != nil {
		return Resolved
	}
	return Unresolved
}

// Resolve locates and caches the callable. Calling it again once resolved
// is a no-op; concurrent first calls resolve exactly once.
func (t *Transformation) Resolve(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fn != nil {
		return nil
	}

	resolver := t.resolver
	if resolver == nil {
		resolver = Global()
	}

	fn, err := resolver.Resolve(ctx, t.source, len(t.inputs))
	if err != nil {
		return err
	}
	t.fn = fn
	return nil
}

// Invoke binds arguments by parameter URI, calls the function and returns
// its outputs as literal terms.
//
// The bool is false when any input cannot be bound: missing without a
// default, uncoercible, or of a type without coercion. The function is not
// called in that case.
func (t *Transformation) Invoke(ctx context.Context, args map[string]string) ([]term.Term, bool, error) {
	outputs, ok, err := t.InvokeOutputs(ctx, args)
	if !ok || err != nil {
		return nil, ok, err
	}
	terms := make([]term.Term, len(outputs))
	for i, o := range outputs {
		terms[i] = o.Term
	}
	return terms, true, nil
}

// Output is one produced output value and the parameter it belongs to.
type Output struct {
	URI  string
	Term term.Term
}

// InvokeOutputs is Invoke keeping the output parameter of each term.
// Outputs without a value in the result are omitted.
func (t *Transformation) InvokeOutputs(ctx context.Context, args map[string]string) ([]Output, bool, error) {
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()

	if fn == nil {
		return nil, false, fmt.Errorf("invoke %s: %w", t.identifier, ErrNotResolved)
	}

	bound, ok := t.bind(args)
	if !ok {
		return nil, false, nil
	}

	result, err := fn(ctx, bound)
	if err != nil {
		return nil, false, fmt.Errorf("invoke %s: %w", t.identifier, err)
	}

	return t.extract(result), true, nil
}

// BindArguments coerces the arguments into positional order. It returns the
// first coercion error so callers can tell a missing value from a malformed
// one.
func (t *Transformation) BindArguments(args map[string]string) ([]any, error) {
	bound := make([]any, 0, len(t.inputs))
	for _, p := range t.inputs {
		raw, ok := args[p.URI]
		if !ok {
			if !p.Defined() {
				return nil, fmt.Errorf("parameter %s: no value", p.URI)
			}
			raw = *p.Value
		}
		v, ok, err := p.ResolveValue(raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("parameter %s: type %s has no coercion", p.URI, p.Type)
		}
		bound = append(bound, v)
	}
	return bound, nil
}

func (t *Transformation) bind(args map[string]string) ([]any, bool) {
	bound, err := t.BindArguments(args)
	if err != nil {
		return nil, false
	}
	return bound, true
}

// extract maps the raw result onto the output parameters.
func (t *Transformation) extract(result any) []Output {
	fields, isMap := result.(map[string]any)

	outputs := make([]Output, 0, len(t.outputs))
	for _, p := range t.outputs {
		var v any
		switch {
		case isMap:
			var ok bool
			if v, ok = fields[p.URI]; !ok {
				v = fields[rml.LocalName(p.URI)]
			}
		case len(t.outputs) == 1:
			v = result
		default:
			continue
		}

		text, ok := formatValue(v)
		if !ok {
			continue
		}
		outputs = append(outputs, Output{URI: p.URI, Term: literalFor(p.Type, text)})
	}
	return outputs
}

func literalFor(pt ParamType, text string) term.Term {
	switch pt {
	case Int:
		return term.NewTypedLiteral(text, rml.XSDInteger)
	case Double:
		return term.NewTypedLiteral(text, rml.XSDDouble)
	default:
		return term.NewLiteral(text)
	}
}

// descriptor is the serializable form of a transformation.
type descriptor struct {
	Identifier string      `json:"identifier"`
	Source     Source      `json:"source"`
	Inputs     []Parameter `json:"inputs"`
	Outputs    []Parameter `json:"outputs"`
}

// MarshalJSON encodes the descriptor only; the callable is never encoded.
func (t *Transformation) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptor{
		Identifier: t.identifier,
		Source:     t.source,
		Inputs:     t.inputs,
		Outputs:    t.outputs,
	})
}

// UnmarshalJSON decodes a descriptor into an Unresolved transformation.
func (t *Transformation) UnmarshalJSON(data []byte) error {
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	decoded, err := NewTransformation(d.Identifier, d.Source, d.Inputs, d.Outputs)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.identifier = decoded.identifier
	t.source = decoded.source
	t.inputs = decoded.inputs
	t.outputs = decoded.outputs
	t.fn = nil
	t.resolver = nil
	return nil
}
