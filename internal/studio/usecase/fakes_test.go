package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studio-core/internal/studio/adapter/persistence/memory"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/stretchr/testify/mock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// countingStore wraps the memory store, counting remote reads and injecting
// one-shot failures.
type countingStore struct {
	*memory.Store

	mu            sync.Mutex
	reads         int
	readErr       error
	insertManyErr error
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memory.NewStore(nil)}
}

func (s *countingStore) ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error) {
	s.mu.Lock()
	s.reads++
	err := s.readErr
	s.readErr = nil
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.ReadCollection(ctx, c, filter)
}

func (s *countingStore) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	s.mu.Lock()
	err := s.insertManyErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.InsertManyRecords(ctx, c, fields)
}

func (s *countingStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// mockStore is a RemoteStore driven by testify expectations.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error) {
	args := m.Called(ctx, c, filter)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

func (m *mockStore) InsertRecord(ctx context.Context, c model.Collection, fields model.Record) (model.Record, error) {
	args := m.Called(ctx, c, fields)
	rec, _ := args.Get(0).(model.Record)
	return rec, args.Error(1)
}

func (m *mockStore) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	args := m.Called(ctx, c, fields)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

func (m *mockStore) UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error) {
	args := m.Called(ctx, c, id, fields)
	rec, _ := args.Get(0).(model.Record)
	return rec, args.Error(1)
}

func (m *mockStore) DeleteRecord(ctx context.Context, c model.Collection, id string) error {
	return m.Called(ctx, c, id).Error(0)
}

func (m *mockStore) DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error) {
	args := m.Called(ctx, c, filter)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

type manualHandle string

func (h manualHandle) ID() string { return string(h) }

// manualFeed hands events to the bus only when the test calls Emit, and
// keeps the callback of every channel it ever opened.
type manualFeed struct {
	mu        sync.Mutex
	opens     int
	closes    int
	callbacks []func(model.ChangeEvent)
	open      map[string]bool
	openErr   error

	// When gate is set, SubscribeToChanges signals entered and then waits
	// for gate to close.
	gate    chan struct{}
	entered chan struct{}
}

func newManualFeed() *manualFeed {
	return &manualFeed{open: make(map[string]bool)}
}

func (f *manualFeed) SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (repository.ChannelHandle, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.callbacks = append(f.callbacks, onEvent)
	h := manualHandle(fmt.Sprintf("ch-%d", f.opens))
	f.open[h.ID()] = true
	return h, nil
}

func (f *manualFeed) Unsubscribe(ctx context.Context, handle repository.ChannelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[handle.ID()] {
		delete(f.open, handle.ID())
		f.closes++
	}
	return nil
}

// Block makes the next opens wait until the returned release is called.
func (f *manualFeed) Block() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 8)
	gate := f.gate
	var once sync.Once
	return f.entered, func() { once.Do(func() { close(gate) }) }
}

// Emit delivers ev through the callback of the n-th opened channel (0-based).
func (f *manualFeed) Emit(n int, ev model.ChangeEvent) {
	f.mu.Lock()
	cb := f.callbacks[n]
	f.mu.Unlock()
	cb(ev)
}

func (f *manualFeed) Counts() (opens, closes, open int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, len(f.open)
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated int
}

func (c *recordingCache) InvalidateAll() {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

func (c *recordingCache) Invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}
