package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Get(t *testing.T) {
	rec, err := ParseRecord([]byte(`{
		"id": 7,
		"name": "Ada",
		"active": true,
		"score": 1.5,
		"dotted.key": "verbatim",
		"address": {"city": "Ghent", "lines": ["a", "b"]},
		"tags": ["x", "y"],
		"missing": null
	}`))
	require.NoError(t, err)

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"id", "7", true},
		{"name", "Ada", true},
		{"active", "true", true},
		{"score", "1.5", true},
		{"dotted.key", "verbatim", true},
		{"address.city", "Ghent", true},
		{"$.address.city", "Ghent", true},
		{"address.lines[1]", "b", true},
		{"address.lines.0", "a", true},
		{"tags", `["x","y"]`, true},
		{"address.lines[5]", "", false},
		{"missing", "", false},
		{"nope", "", false},
		{"name.first", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := rec.Get(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRecord_Invalid(t *testing.T) {
	_, err := ParseRecord([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestRow_Get(t *testing.T) {
	row := NewRow([]string{"id", "name", "city"}, []string{"1", "Ada"})

	v, ok := row.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "Ada", v)

	_, ok = row.Get("city")
	assert.False(t, ok, "cells beyond the row length are absent")

	cols := row.Columns()
	cols["id"] = "changed"
	v, _ = row.Get("id")
	assert.Equal(t, "1", v, "Columns must return a copy")
}

func TestJoined_Get(t *testing.T) {
	child := NewRecord(map[string]any{"id": "c1", "name": "child"})
	parent := NewRecord(map[string]any{"id": "p1", "name": "parent"})
	j := NewJoined(child, parent)

	v, ok := j.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "child", v)

	v, ok = j.Get("parent:name")
	assert.True(t, ok)
	assert.Equal(t, "parent", v)

	v, ok = j.Get("child:id")
	assert.True(t, ok)
	assert.Equal(t, "c1", v)

	assert.Same(t, child, j.Child())
	assert.Same(t, parent, j.Parent())
}
