package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const backendMemory = "memory"

// Memory is an in-process Store used by tests and STORE_DRIVER=memory
type Memory struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
	hub  *Hub
}

// NewMemory creates an empty in-memory store. A nil hub gets a private one.
func NewMemory(hub *Hub) *Memory {
	if hub == nil {
		hub = NewHub()
	}
	return &Memory{
		docs: make(map[string]json.RawMessage),
		hub:  hub,
	}
}

// Hub returns the subscription table the store notifies
func (m *Memory) Hub() *Hub {
	return m.hub
}

func (m *Memory) Create(ctx context.Context, collection string) (string, error) {
	if _, err := cleanPath(collection); err != nil {
		return "", err
	}
	return NewKey()
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	defer observe(backendMemory, "write", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	b, err := encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.docs[p] = b
	m.mu.Unlock()

	m.hub.Publish(ctx, p)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	defer observe(backendMemory, "update", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	merged := make(map[string]json.RawMessage)
	if existing, ok := m.docs[p]; ok {
		if err := json.Unmarshal(existing, &merged); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to decode document %s: %w", p, err)
		}
	}
	for k, v := range encoded {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to encode document %s: %w", p, err)
	}
	m.docs[p] = b
	m.mu.Unlock()

	m.hub.Publish(ctx, p)
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	defer observe(backendMemory, "remove", time.Now())

	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for k := range m.docs {
		if isWithin(k, p) {
			delete(m.docs, k)
		}
	}
	m.mu.Unlock()

	m.hub.Publish(ctx, p)
	return nil
}

func (m *Memory) Get(ctx context.Context, path string, out any) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}

	m.mu.RLock()
	raw, ok := m.docs[p]
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) List(ctx context.Context, collection string) (Snapshot, error) {
	defer observe(backendMemory, "list", time.Now())

	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(Snapshot)
	for p, raw := range m.docs {
		parent, key := splitPath(p)
		if parent == c {
			snap[key] = append(json.RawMessage(nil), raw...)
		}
	}
	return snap, nil
}

func (m *Memory) Query(ctx context.Context, collection, field string, value any) (Snapshot, error) {
	all, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot)
	for key, raw := range all {
		ok, err := fieldEquals(raw, field, value)
		if err != nil {
			return nil, fmt.Errorf("failed to match %s/%s: %w", collection, key, err)
		}
		if ok {
			snap[key] = raw
		}
	}
	return snap, nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error) {
	c, err := cleanPath(collection)
	if err != nil {
		return nil, err
	}
	return m.hub.subscribe(ctx, c, func(ctx context.Context) (Snapshot, error) {
		return m.List(ctx, c)
	}, fn)
}
