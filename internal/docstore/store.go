package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"farm-marketplace/internal/util"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no document exists at the path
var ErrNotFound = errors.New("document not found")

// Snapshot maps child keys of a collection to their JSON values
type Snapshot map[string]json.RawMessage

// Decode unmarshals a single entry of the snapshot
func (s Snapshot) Decode(key string, out any) error {
	raw, ok := s[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

// Store is a keyed document store with path addressing and live subscriptions.
//
// Paths are slash separated ("sellers/f1/orders/o1"). A collection is the
// parent path of a set of documents; List and Subscribe return its direct
// children only.
type Store interface {
	// Create allocates a new unique key under collection without writing a value.
	Create(ctx context.Context, collection string) (string, error)
	// Write replaces the value at path.
	Write(ctx context.Context, path string, value any) error
	// Update merges the named top-level fields into the value at path.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes the value at path and everything below it.
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string, out any) error
	List(ctx context.Context, collection string) (Snapshot, error)
	// Query returns the children of collection whose top-level field equals value.
	Query(ctx context.Context, collection, field string, value any) (Snapshot, error)
	// Subscribe calls fn with the current snapshot of collection and again on
	// every change at or below it. The returned func detaches the listener.
	Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
	_ Store = (*Mongo)(nil)
)

// NewKey returns a time-ordered unique key
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return id.String(), nil
}

func cleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", errors.New("empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", fmt.Errorf("invalid path %q", path)
		}
	}
	return p, nil
}

// splitPath returns the parent collection and the last key of a document path
func splitPath(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// encode marshals value into a JSON object, the only document shape stored
func encode(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("document must be a JSON object, got %s", truncate(b))
	}
	return b, nil
}

// encodeFields normalizes update fields through JSON so every backend stores
// the same representation a full Write would produce
func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	if len(fields) == 0 {
		return nil, errors.New("no fields to update")
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "" || strings.Contains(k, "/") || strings.Contains(k, ".") {
			return nil, fmt.Errorf("invalid field name %q", k)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}

// isWithin reports whether path equals root or lies below it
func isWithin(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// fieldEquals reports whether the top-level field of doc holds value,
// comparing decoded JSON so 70 and 70.0 are equal
func fieldEquals(doc json.RawMessage, field string, value any) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	raw, ok := fields[field]
	if !ok {
		return false, nil
	}
	want, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	var a, b any
	if err := json.Unmarshal(raw, &a); err != nil {
		return false, err
	}
	if err := json.Unmarshal(want, &b); err != nil {
		return false, err
	}
	return reflect.DeepEqual(a, b), nil
}

func observe(backend, op string, start time.Time) {
	util.StoreOperationLatency.WithLabelValues(op, backend).Observe(time.Since(start).Seconds())
}
