package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseSourceSpec(t *testing.T) {
	spec, err := parseSourceSpec("people = data/people.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "people", spec.Name)
	assert.Equal(t, "data/people.jsonl", spec.Path)

	for _, bad := range []string{"people", "=x.csv", "people="} {
		_, err := parseSourceSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseEventTime(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "1700000000000", want: time.UnixMilli(1700000000000).UTC()},
		{input: "1500.9", want: time.UnixMilli(1500).UTC()},
		{input: "2024-03-01T12:00:00Z", want: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{input: "2024-03-01T14:00:00+02:00", want: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{input: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseEventTime(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestReadSourceJSONLines(t *testing.T) {
	path := writeFile(t, t.TempDir(), "people.jsonl",
		`{"id": 1, "name": "ada", "ts": 2000}`+"\n\n"+`{"id": 2, "name": "bob"}`+"\n")

	items, err := readSource(path, "ts")
	require.NoError(t, err)
	require.Len(t, items, 2)

	name, ok := items[0].Item.Get("name")
	require.True(t, ok)
	assert.Equal(t, "ada", name)
	assert.Equal(t, int64(2000), items[0].Time.UnixMilli())
	assert.Equal(t, int64(0), items[1].Time.UnixMilli())
}

func TestReadSourceJSON(t *testing.T) {
	dir := t.TempDir()

	items, err := readSource(writeFile(t, dir, "list.json", `[{"id": "a"}, {"id": "b"}]`), "")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = readSource(writeFile(t, dir, "one.json", `{"id": "a", "nested": {"k": "v"}}`), "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	v, ok := items[0].Item.Get("nested.k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, err = readSource(writeFile(t, dir, "bad.json", `"text"`), "")
	assert.Error(t, err)
}

func TestReadSourceCSV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "depts.csv",
		"id,label,when\nd1,Research,2024-01-01T00:00:00Z\nd2,Sales\n")

	items, err := readSource(path, "when")
	require.NoError(t, err)
	require.Len(t, items, 2)

	label, ok := items[1].Item.Get("label")
	require.True(t, ok)
	assert.Equal(t, "Sales", label)
	_, ok = items[1].Item.Get("when")
	assert.False(t, ok)
	assert.Equal(t, 2024, items[0].Time.Year())
}

func TestReadSourceErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := readSource(filepath.Join(dir, "missing.jsonl"), "")
	assert.Error(t, err)

	_, err = readSource(writeFile(t, dir, "data.xml", "<x/>"), "")
	assert.Error(t, err)

	_, err = readSource(writeFile(t, dir, "broken.jsonl", "{\"id\": 1}\nnot json\n"), "")
	assert.ErrorContains(t, err, "line 2")
}
