package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore fails writes and updates below a configurable path prefix.
// beforeUpdate, when set, runs ahead of every update that passes the check.
type flakyStore struct {
	*docstore.Memory

	mu           sync.Mutex
	failPrefix   string
	writes       int
	beforeUpdate func(path string, fields map[string]any)
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: docstore.NewMemory(nil)}
}

func (f *flakyStore) failOn(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrefix = prefix
}

func (f *flakyStore) heal() {
	f.failOn("")
}

func (f *flakyStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *flakyStore) check(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrefix != "" && strings.HasPrefix(path, f.failPrefix) {
		return errStoreDown
	}
	f.writes++
	return nil
}

func (f *flakyStore) Write(ctx context.Context, path string, value any) error {
	if err := f.check(path); err != nil {
		return err
	}
	return f.Memory.Write(ctx, path, value)
}

func (f *flakyStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := f.check(path); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.beforeUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(path, fields)
	}
	return f.Memory.Update(ctx, path, fields)
}

func (f *flakyStore) onUpdate(hook func(path string, fields map[string]any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeUpdate = hook
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	changed []*models.OrderStatusChangedEvent
	failed  []*models.MirrorFailedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, e)
	return nil
}

func (p *recordingPublisher) PublishMirrorFailed(_ context.Context, e *models.MirrorFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *recordingPublisher) counts() (created, changed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created), len(p.changed), len(p.failed)
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) GetIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	return v, ok, nil
}

func (m *memoryIdempotency) SetIdempotencyKey(_ context.Context, key, orderPath string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	m.keys[key] = orderPath
	return nil
}

type memoryLocker struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func (l *memoryLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := gofakeit.UUID()
	l.held[key] = token
	return token, true, nil
}

func (l *memoryLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func fakeParty() models.Party {
	return models.Party{ID: gofakeit.UUID(), Name: gofakeit.Company()}
}

func fakeInput() PlaceOrderInput {
	return PlaceOrderInput{
		Buyer:  fakeParty(),
		Seller: fakeParty(),
		Product: ProductLine{
			ID:    gofakeit.UUID(),
			Name:  gofakeit.Vegetable(),
			Unit:  gofakeit.RandomString([]string{"kg", "dozen", "crate", "litre"}),
			Price: decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2),
		},
		Quantity: gofakeit.IntRange(1, 1000),
		Notes:    gofakeit.Sentence(6),
	}
}

// seedProduct writes an active catalog product owned by farmer
func seedProduct(t *testing.T, store docstore.Store, farmer models.Party, price int64, unit string) models.Product {
	t.Helper()

	p := models.Product{
		ID:         gofakeit.UUID(),
		Name:       gofakeit.Fruit(),
		Category:   models.CategoryFruits,
		Price:      decimal.NewFromInt(price),
		Unit:       unit,
		Stock:      100,
		FarmerID:   farmer.ID,
		FarmerName: farmer.Name,
		IsActive:   true,
		CreatedAt:  timeNow(),
		UpdatedAt:  timeNow(),
	}
	require.NoError(t, store.Write(context.Background(), models.ProductPath(p.ID), p))
	return p
}

func readOrder(t *testing.T, store docstore.Store, path string) models.Order {
	t.Helper()

	var o models.Order
	require.NoError(t, store.Get(context.Background(), path, &o))
	return o
}
