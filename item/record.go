package item

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is a hierarchical record backed by decoded JSON.
//
// Paths use dot notation with an optional "$." root and array indexes in
// either bracket or dot form: "$.address.lines[0]", "address.lines.0".
type Record struct {
	data map[string]any
}

// NewRecord wraps decoded JSON data. The map must not be modified afterwards.
func NewRecord(data map[string]any) *Record {
	if data == nil {
		data = map[string]any{}
	}
	return &Record{data: data}
}

// ParseRecord decodes a JSON object into a Record.
func ParseRecord(raw []byte) (*Record, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return NewRecord(data), nil
}

// Data returns the underlying decoded JSON.
func (r *Record) Data() map[string]any { return r.data }

// Get resolves a path to its scalar text form.
func (r *Record) Get(path string) (string, bool) {
	// Keys containing dots are matched verbatim first.
	if v, ok := r.data[path]; ok {
		return stringify(v)
	}

	var cur any = r.data
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", false
			}
			cur = node[idx]
		default:
			return "", false
		}
	}
	return stringify(cur)
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	parts := strings.Split(path, ".")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(out), true
	}
}
