// Package payload defines the message payloads exchanged by semrml
// components: input records, joined record pairs and serialized RDF.
package payload

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"

	"github.com/c360studio/semrml/item"
	"github.com/c360studio/semrml/join"
)

func init() {
	registrations := []*component.PayloadRegistration{
		{
			Domain:      "semrml",
			Category:    "record",
			Version:     "v1",
			Description: "Input record of a logical source",
			Factory:     func() any { return &RecordPayload{} },
		},
		{
			Domain:      "semrml",
			Category:    "joined",
			Version:     "v1",
			Description: "Child and parent records correlated within one join window",
			Factory:     func() any { return &JoinedPayload{} },
		},
		{
			Domain:      "semrml",
			Category:    "rdf",
			Version:     "v1",
			Description: "Serialized RDF produced by a mapping",
			Factory:     func() any { return &RDFPayload{} },
		},
	}
	for _, reg := range registrations {
		if err := component.RegisterPayload(reg); err != nil {
			panic("failed to register " + reg.Category + " payload: " + err.Error())
		}
	}
}

// Message types.
var (
	RecordType = message.Type{Domain: "semrml", Category: "record", Version: "v1"}
	JoinedType = message.Type{Domain: "semrml", Category: "joined", Version: "v1"}
	RDFType    = message.Type{Domain: "semrml", Category: "rdf", Version: "v1"}
)

// RecordPayload carries one record of a logical source.
type RecordPayload struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	EventTime time.Time      `json:"event_time,omitempty"`
}

// NewRecord creates a record payload with a fresh ID.
func NewRecord(source string, data map[string]any, eventTime time.Time) *RecordPayload {
	return &RecordPayload{
		ID:        uuid.NewString(),
		Source:    source,
		Data:      data,
		EventTime: eventTime,
	}
}

// Schema returns the message type for Payload interface.
func (p *RecordPayload) Schema() message.Type { return RecordType }

// Validate validates the payload for Payload interface.
func (p *RecordPayload) Validate() error {
	if p.Source == "" {
		return errors.New("source is required")
	}
	if p.Data == nil {
		return errors.New("data is required")
	}
	return nil
}

// Item returns the record as a mapping item.
func (p *RecordPayload) Item() *item.Record { return item.NewRecord(p.Data) }

// Timed returns the record stamped with its event time, or fallback when the
// record carries none.
func (p *RecordPayload) Timed(fallback time.Time) item.Timed {
	t := p.EventTime
	if t.IsZero() {
		t = fallback
	}
	return item.Timed{Item: p.Item(), Time: t}
}

// MarshalJSON implements json.Marshaler.
func (p *RecordPayload) MarshalJSON() ([]byte, error) {
	type Alias RecordPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RecordPayload) UnmarshalJSON(data []byte) error {
	type Alias RecordPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// JoinedPayload carries one child/parent pair emitted by a join window.
type JoinedPayload struct {
	ID           string         `json:"id"`
	ChildSource  string         `json:"child_source"`
	ParentSource string         `json:"parent_source"`
	Key          string         `json:"key"`
	WindowStart  time.Time      `json:"window_start"`
	WindowEnd    time.Time      `json:"window_end"`
	Child        map[string]any `json:"child"`
	Parent       map[string]any `json:"parent"`
	ChildTime    time.Time      `json:"child_time"`
	ParentTime   time.Time      `json:"parent_time"`
}

// NewJoined converts a correlator match into a joined payload.
func NewJoined(childSource, parentSource string, m join.Match) *JoinedPayload {
	return &JoinedPayload{
		ID:           uuid.NewString(),
		ChildSource:  childSource,
		ParentSource: parentSource,
		Key:          m.Key,
		WindowStart:  m.Window.Start,
		WindowEnd:    m.Window.End,
		Child:        DataOf(m.Joined.Child()),
		Parent:       DataOf(m.Joined.Parent()),
		ChildTime:    m.ChildTime,
		ParentTime:   m.ParentTime,
	}
}

// Schema returns the message type for Payload interface.
func (p *JoinedPayload) Schema() message.Type { return JoinedType }

// Validate validates the payload for Payload interface.
func (p *JoinedPayload) Validate() error {
	if p.ChildSource == "" {
		return errors.New("child_source is required")
	}
	if p.ParentSource == "" {
		return errors.New("parent_source is required")
	}
	if p.Child == nil || p.Parent == nil {
		return errors.New("child and parent records are required")
	}
	if !p.WindowEnd.After(p.WindowStart) {
		return errors.New("window_end must be after window_start")
	}
	return nil
}

// Joined returns the pair as a joined mapping item.
func (p *JoinedPayload) Joined() *item.Joined {
	return item.NewJoined(item.NewRecord(p.Child), item.NewRecord(p.Parent))
}

// MarshalJSON implements json.Marshaler.
func (p *JoinedPayload) MarshalJSON() ([]byte, error) {
	type Alias JoinedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *JoinedPayload) UnmarshalJSON(data []byte) error {
	type Alias JoinedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// RDFPayload carries the serialized triples mapped from one input message.
type RDFPayload struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	ParentSource string   `json:"parent_source,omitempty"`
	Format       string   `json:"format"`
	Content      string   `json:"content"`
	TripleCount  int      `json:"triple_count"`
	Halted       []string `json:"halted,omitempty"` // triples maps that produced nothing due to resolution failure
}

// Schema returns the message type for Payload interface.
func (p *RDFPayload) Schema() message.Type { return RDFType }

// Validate validates the payload for Payload interface.
func (p *RDFPayload) Validate() error {
	if p.Source == "" {
		return errors.New("source is required")
	}
	if p.Format == "" {
		return errors.New("format is required")
	}
	if p.TripleCount > 0 && p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *RDFPayload) MarshalJSON() ([]byte, error) {
	type Alias RDFPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RDFPayload) UnmarshalJSON(data []byte) error {
	type Alias RDFPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// DataOf returns the field map of a mapping item for transport.
func DataOf(it item.Item) map[string]any {
	switch v := it.(type) {
	case *item.Record:
		return v.Data()
	case *item.Row:
		cols := v.Columns()
		out := make(map[string]any, len(cols))
		for k, c := range cols {
			out[k] = c
		}
		return out
	default:
		return map[string]any{}
	}
}
