// Package function invokes externally defined transformation functions from
// a mapping. Parameters are typed, positioned and addressed by URI; the
// callable behind a Transformation is resolved lazily and cached.
package function

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/semrml/vocabulary/rml"
)

// ParamType is the closed set of coercion types for parameters.
type ParamType int

const (
	// Unknown parameters never produce a value.
	Unknown ParamType = iota
	String
	Int
	Double
	List
)

// String returns the canonical short name of the type.
func (t ParamType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Double:
		return "double"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// ParseParamType maps a short name or a datatype IRI to a ParamType.
// Unrecognized names map to Unknown.
func ParseParamType(s string) ParamType {
	switch strings.ToLower(s) {
	case "string", strings.ToLower(rml.XSDString):
		return String
	case "int", "integer", "long",
		strings.ToLower(rml.XSDInteger), strings.ToLower(rml.XSDInt), strings.ToLower(rml.XSDLong):
		return Int
	case "double", "decimal", "float",
		strings.ToLower(rml.XSDDouble), strings.ToLower(rml.XSDDecimal), strings.ToLower(rml.XSDFloat):
		return Double
	case "list", "array", strings.ToLower(rml.RDFList):
		return List
	default:
		return Unknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ParamType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ParamType) UnmarshalText(b []byte) error {
	*t = ParseParamType(string(b))
	return nil
}

// Coercion failures.
var (
	ErrNotNumeric    = errors.New("value is not numeric")
	ErrNotAList      = errors.New("value is not a list")
	ErrMalformedList = errors.New("malformed list literal")
)

// CoercionError reports a raw value that could not be coerced to its
// parameter type. It matches ErrNotNumeric, ErrNotAList or ErrMalformedList.
type CoercionError struct {
	Kind  error
	Param string
	Raw   string
	Err   error
}

func (e *CoercionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coerce %s %q: %v: %v", e.Param, e.Raw, e.Kind, e.Err)
	}
	return fmt.Sprintf("coerce %s %q: %v", e.Param, e.Raw, e.Kind)
}

// Is matches the error kind.
func (e *CoercionError) Is(target error) bool { return target == e.Kind }

// Unwrap returns the underlying parse error.
func (e *CoercionError) Unwrap() error { return e.Err }

// Parameter describes one function argument or return value.
// A nil Value is the Empty variant; a non-nil Value is a Defined parameter
// whose literal is used when the call site supplies nothing.
type Parameter struct {
	Type     ParamType `json:"type" yaml:"type"`
	URI      string    `json:"uri" yaml:"uri"`
	Value    *string   `json:"value,omitempty" yaml:"value,omitempty"`
	Position int       `json:"position" yaml:"position"`
}

// EmptyParameter creates a parameter that must be supplied at call time.
func EmptyParameter(t ParamType, uri string, position int) Parameter {
	return Parameter{Type: t, URI: uri, Position: position}
}

// DefinedParameter creates a parameter with a literal default.
func DefinedParameter(t ParamType, uri, value string, position int) Parameter {
	return Parameter{Type: t, URI: uri, Value: &value, Position: position}
}

// Defined reports whether the parameter carries a default value.
func (p Parameter) Defined() bool { return p.Value != nil }

// ResolveValue coerces a raw string per the parameter type.
// The bool is false when the type has no coercion (Unknown): the parameter
// is then treated as absent and the caller decides whether that is fatal.
func (p Parameter) ResolveValue(raw string) (any, bool, error) {
	switch p.Type {
	case String:
		return raw, true, nil
	case Int:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, false, &CoercionError{Kind: ErrNotNumeric, Param: p.URI, Raw: raw, Err: err}
		}
		return v, true, nil
	case Double:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, false, &CoercionError{Kind: ErrNotNumeric, Param: p.URI, Raw: raw, Err: err}
		}
		return v, true, nil
	case List:
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, false, &CoercionError{Kind: ErrMalformedList, Param: p.URI, Raw: raw, Err: err}
		}
		list, ok := parsed.([]any)
		if !ok {
			return nil, false, &CoercionError{Kind: ErrNotAList, Param: p.URI, Raw: raw}
		}
		return list, true, nil
	default:
		return nil, false, nil
	}
}

// SortByPosition returns a copy of params ordered by ascending position.
func SortByPosition(params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	copy(out, params)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

// validatePositions checks that positions are exactly 0..n-1.
func validatePositions(kind string, params []Parameter) error {
	seen := make([]bool, len(params))
	for _, p := range params {
		if p.Position < 0 || p.Position >= len(params) {
			return fmt.Errorf("%s parameter %s: position %d out of range 0..%d", kind, p.URI, p.Position, len(params)-1)
		}
		if seen[p.Position] {
			return fmt.Errorf("%s parameter %s: duplicate position %d", kind, p.URI, p.Position)
		}
		seen[p.Position] = true
	}
	return nil
}

// formatValue renders a coerced or raw result value as literal text.
func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int:
		return strconv.Itoa(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(out), true
	}
}
