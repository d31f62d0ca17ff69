package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semrml/item"
)

// sourceSpec names a logical source and the file that feeds it.
type sourceSpec struct {
	Name string
	Path string
}

// parseSourceSpec parses "name=path".
func parseSourceSpec(s string) (sourceSpec, error) {
	name, path, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if !ok || name == "" || path == "" {
		return sourceSpec{}, fmt.Errorf("invalid source %q: expected name=path", s)
	}
	return sourceSpec{Name: name, Path: path}, nil
}

// readSource loads every record of a source file. JSON Lines, a JSON array
// (or single object) and CSV with a header row are recognized by extension.
// Records without a usable timeField get the zero event time.
func readSource(path, timeField string) ([]item.Timed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	var items []item.Timed
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		items, err = readCSV(f, timeField)
	case ".json":
		items, err = readJSON(f, timeField)
	case ".jsonl", ".ndjson":
		items, err = readJSONLines(f, timeField)
	default:
		return nil, fmt.Errorf("unsupported source format: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return items, nil
}

func readCSV(r io.Reader, timeField string) ([]item.Timed, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var items []item.Timed
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := item.NewRow(header, cells)
		items = append(items, timedOf(row, timeField))
	}
	return items, nil
}

func readJSON(r io.Reader, timeField string) ([]item.Timed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		rec, err := item.ParseRecord(data)
		if err != nil {
			return nil, err
		}
		return []item.Timed{timedOf(rec, timeField)}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("expected an object or an array of objects: %w", err)
	}
	items := make([]item.Timed, 0, len(raw))
	for i, m := range raw {
		rec, err := item.ParseRecord(m)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		items = append(items, timedOf(rec, timeField))
	}
	return items, nil
}

func readJSONLines(r io.Reader, timeField string) ([]item.Timed, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var items []item.Timed
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rec, err := item.ParseRecord([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, timedOf(rec, timeField))
	}
	return items, scanner.Err()
}

func timedOf(it item.Item, timeField string) item.Timed {
	t := item.Timed{Item: it, Time: time.UnixMilli(0).UTC()}
	if timeField == "" {
		return t
	}
	if v, ok := it.Get(timeField); ok {
		if parsed, err := parseEventTime(v); err == nil {
			t.Time = parsed
		}
	}
	return t
}

// parseEventTime accepts Unix milliseconds (integer or fractional) or an
// RFC 3339 timestamp.
func parseEventTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized event time %q", v)
	}
	return t.UTC(), nil
}
