// Package storage keeps mapping documents and transformation descriptors in
// NATS KV so that every processor instance maps with the same definitions.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/mapping"
)

// Bucket names for each catalog.
const (
	BucketMappings  = "SEMRML_MAPPINGS"
	BucketFunctions = "SEMRML_FUNCTIONS"
)

// validName matches names usable as KV keys.
var validName = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// KeyValue is the subset of jetstream.KeyValue the catalog uses.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// MappingRecord is a stored mapping document.
type MappingRecord struct {
	Name      string    `json:"name"`
	Document  string    `json:"document"` // YAML source
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  uint64    `json:"-"`
}

// Catalog stores mappings and transformations.
type Catalog struct {
	mappings  KeyValue
	functions KeyValue
}

// NewCatalog creates a catalog on JetStream, creating buckets as needed.
func NewCatalog(ctx context.Context, js jetstream.JetStream) (*Catalog, error) {
	mappings, err := getOrCreateBucket(ctx, js, BucketMappings)
	if err != nil {
		return nil, fmt.Errorf("create mappings bucket: %w", err)
	}

	functions, err := getOrCreateBucket(ctx, js, BucketFunctions)
	if err != nil {
		return nil, fmt.Errorf("create functions bucket: %w", err)
	}

	return NewCatalogFromKV(mappings, functions), nil
}

// NewCatalogFromKV creates a catalog over existing key-value stores.
func NewCatalogFromKV(mappings, functions KeyValue) *Catalog {
	return &Catalog{mappings: mappings, functions: functions}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("semrml %s catalog", strings.ToLower(strings.TrimPrefix(name, "SEMRML_"))),
		History:     5, // Keep last 5 revisions
	})
}

// PutMapping validates and stores a mapping document.
func (c *Catalog) PutMapping(ctx context.Context, name string, document []byte) (*MappingRecord, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	doc, err := mapping.Parse(document)
	if err != nil {
		return nil, err
	}
	if _, err := mapping.Compile(doc); err != nil {
		return nil, fmt.Errorf("compile mapping %s: %w", name, err)
	}

	rec := &MappingRecord{
		Name:      name,
		Document:  string(document),
		Checksum:  fmt.Sprintf("%016x", xxhash.Sum64(document)),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal mapping: %w", err)
	}

	rev, err := c.mappings.Put(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("store mapping: %w", err)
	}
	rec.Revision = rev
	return rec, nil
}

// GetMapping retrieves a stored mapping.
func (c *Catalog) GetMapping(ctx context.Context, name string) (*MappingRecord, error) {
	entry, err := c.mappings.Get(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}

	var rec MappingRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal mapping: %w", err)
	}
	rec.Revision = entry.Revision()
	return &rec, nil
}

// LoadMapping retrieves and parses a stored mapping document.
func (c *Catalog) LoadMapping(ctx context.Context, name string) (*mapping.Document, error) {
	rec, err := c.GetMapping(ctx, name)
	if err != nil {
		return nil, err
	}
	return mapping.Parse([]byte(rec.Document))
}

// ListMappings returns the stored mapping names, sorted.
func (c *Catalog) ListMappings(ctx context.Context) ([]string, error) {
	return listKeys(ctx, c.mappings)
}

// DeleteMapping removes a mapping.
func (c *Catalog) DeleteMapping(ctx context.Context, name string) error {
	if err := c.mappings.Delete(ctx, name); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// PutTransformation stores a transformation descriptor under its identifier.
// Only the descriptor is stored; the callable never leaves the process.
func (c *Catalog) PutTransformation(ctx context.Context, tr *function.Transformation) error {
	if !validName.MatchString(tr.Identifier()) {
		return fmt.Errorf("%w: %q", ErrInvalidName, tr.Identifier())
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal transformation: %w", err)
	}
	if _, err := c.functions.Put(ctx, tr.Identifier(), data); err != nil {
		return fmt.Errorf("store transformation: %w", err)
	}
	return nil
}

// GetTransformation retrieves a transformation. It is returned Unresolved.
func (c *Catalog) GetTransformation(ctx context.Context, id string) (*function.Transformation, error) {
	entry, err := c.functions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transformation: %w", err)
	}

	var tr function.Transformation
	if err := json.Unmarshal(entry.Value(), &tr); err != nil {
		return nil, fmt.Errorf("unmarshal transformation: %w", err)
	}
	return &tr, nil
}

// ListTransformations returns the stored transformation identifiers, sorted.
func (c *Catalog) ListTransformations(ctx context.Context) ([]string, error) {
	return listKeys(ctx, c.functions)
}

func listKeys(ctx context.Context, kv KeyValue) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jetstream.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found")
}
