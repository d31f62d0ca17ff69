package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/item"
	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// ErrMappingHalted is returned for triples maps whose processing stopped
// because a transformation could not be resolved.
var ErrMappingHalted = errors.New("mapping halted")

// HaltedError reports a halted triples map and the resolution failure that
// halted it.
type HaltedError struct {
	TriplesMap string
	Cause      error
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("triples map %s: %v: %v", e.TriplesMap, ErrMappingHalted, e.Cause)
}

// Is matches ErrMappingHalted.
func (e *HaltedError) Is(target error) bool { return target == ErrMappingHalted }

// Unwrap returns the resolution failure.
func (e *HaltedError) Unwrap() error { return e.Cause }

var rdfType = term.NewIRI(rml.RDFType)

// Executor applies a compiled mapping to records. It is safe for
// concurrent use.
type Executor struct {
	mapping *Mapping
	logger  *slog.Logger

	mu     sync.RWMutex
	halted map[string]error
}

// Option configures an Executor.
type Option func(*Executor)

// WithResolver binds every transformation of the mapping to r instead of
// the global resolver.
func WithResolver(r function.Resolver) Option {
	return func(e *Executor) {
		for _, tr := range e.mapping.functions {
			tr.Bind(r)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor for a compiled mapping.
func NewExecutor(m *Mapping, opts ...Option) *Executor {
	e := &Executor{
		mapping: m,
		logger:  slog.Default(),
		halted:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mapping returns the compiled mapping.
func (e *Executor) Mapping() *Mapping { return e.mapping }

// Halted returns the halted triples maps and their causes.
func (e *Executor) Halted() map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]error, len(e.halted))
	for k, v := range e.halted {
		out[k] = v
	}
	return out
}

// Map produces the triples of every triples map reading source: class
// assertions plus all non-referencing predicate-object maps. Absent values
// contribute nothing. A halted triples map yields no triples and a
// *HaltedError in the joined error; other maps still produce output.
// A failing function call skips the record and returns its error.
func (e *Executor) Map(ctx context.Context, source string, it item.Item) ([]export.Triple, error) {
	var (
		triples []export.Triple
		halted  []error
	)

	for _, tm := range e.mapping.maps {
		if tm.source != source {
			continue
		}
		if err := e.haltedErr(tm.id); err != nil {
			halted = append(halted, err)
			continue
		}

		out, err := e.mapOne(ctx, tm, it)
		if err != nil {
			var re *function.ResolutionError
			if errors.As(err, &re) {
				halted = append(halted, e.halt(tm.id, err))
				continue
			}
			return nil, fmt.Errorf("triples map %s: %w", tm.id, err)
		}
		triples = append(triples, out...)
	}

	return triples, errors.Join(halted...)
}

func (e *Executor) mapOne(ctx context.Context, tm *triplesMap, it item.Item) ([]export.Triple, error) {
	subject, ok := tm.subject.Generate(it)
	if !ok {
		return nil, nil
	}

	triples := make([]export.Triple, 0, len(tm.classes)+len(tm.objects))
	for _, class := range tm.classes {
		triples = append(triples, export.Triple{Subject: subject, Predicate: rdfType, Object: class})
	}

	for _, pom := range tm.objects {
		predicate, ok := pom.predicate.Generate(it)
		if !ok {
			continue
		}

		if pom.call == nil {
			if object, ok := pom.object.Generate(it); ok {
				triples = append(triples, export.Triple{Subject: subject, Predicate: predicate, Object: object})
			}
			continue
		}

		objects, err := e.invoke(ctx, pom.call, it)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			triples = append(triples, export.Triple{Subject: subject, Predicate: predicate, Object: object})
		}
	}
	return triples, nil
}

func (e *Executor) invoke(ctx context.Context, call *functionCall, it item.Item) ([]term.Term, error) {
	tr := call.transformation
	if err := tr.Resolve(ctx); err != nil {
		return nil, err
	}

	args := make(map[string]string, len(call.bindings))
	for uri, gen := range call.bindings {
		if t, ok := gen.Generate(it); ok {
			args[uri] = t.Value
		}
	}

	outputs, ok, err := tr.InvokeOutputs(ctx, args)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, bindErr := tr.BindArguments(args); bindErr != nil {
			e.logger.Debug("Function produced no value", "function", tr.Identifier(), "reason", bindErr)
		}
		return nil, nil
	}

	terms := make([]term.Term, 0, len(outputs))
	for _, o := range outputs {
		if call.output != "" && o.URI != call.output {
			continue
		}
		t := o.Term
		if call.asIRI {
			t = term.NewIRI(t.Value)
		}
		terms = append(terms, t)
	}
	return terms, nil
}

// MapJoined produces the referencing-object triples linking child subjects
// to parent subjects for a joined pair from childSource and parentSource.
func (e *Executor) MapJoined(ctx context.Context, childSource, parentSource string, j *item.Joined) ([]export.Triple, error) {
	var (
		triples []export.Triple
		halted  []error
	)

	for _, tm := range e.mapping.maps {
		if tm.source != childSource || len(tm.refs) == 0 {
			continue
		}
		if err := e.haltedErr(tm.id); err != nil {
			halted = append(halted, err)
			continue
		}

		subject, ok := tm.subject.Generate(j.Child())
		if !ok {
			continue
		}
		for _, ref := range tm.refs {
			if ref.parent.source != parentSource || !conditionHolds(ref, j) {
				continue
			}
			predicate, ok := ref.predicate.Generate(j.Child())
			if !ok {
				continue
			}
			object, ok := ref.parent.subject.Generate(j.Parent())
			if !ok {
				continue
			}
			triples = append(triples, export.Triple{Subject: subject, Predicate: predicate, Object: object})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return triples, errors.Join(halted...)
}

// conditionHolds checks the join condition on the pair, so that several
// referencing objects between the same sources only fire for their own key.
func conditionHolds(ref *referencingObject, j *item.Joined) bool {
	for _, p := range ref.condition {
		cv, ok := j.Child().Get(p.Child)
		if !ok {
			return false
		}
		pv, ok := j.Parent().Get(p.Parent)
		if !ok || cv != pv {
			return false
		}
	}
	return true
}

func (e *Executor) haltedErr(id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cause, ok := e.halted[id]; ok {
		return &HaltedError{TriplesMap: id, Cause: cause}
	}
	return nil
}

func (e *Executor) halt(id string, cause error) error {
	e.mu.Lock()
	if _, already := e.halted[id]; !already {
		e.halted[id] = cause
		e.logger.Error("Triples map halted", "triples_map", id, "error", cause)
	}
	e.mu.Unlock()
	return &HaltedError{TriplesMap: id, Cause: cause}
}
