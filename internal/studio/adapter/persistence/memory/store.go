package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const eventBuffer = 256

type txKey struct{}

// txState buffers the events of an open transaction until it commits.
type txState struct {
	events []model.ChangeEvent
}

// Store is an in-process RemoteStore and ChangeFeed. It backs local
// development and tests; nothing survives a restart.
type Store struct {
	mu    sync.RWMutex
	data  map[model.Collection]map[string]model.Record
	order map[model.Collection][]string
	txMu  sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*subscription

	now func() time.Time
	log logger.Logger
}

var (
	_ repository.RemoteStore = (*Store)(nil)
	_ repository.ChangeFeed  = (*Store)(nil)
	_ repository.Transactor  = (*Store)(nil)
	_ repository.Pinger      = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore(log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{
		data:  make(map[model.Collection]map[string]model.Record),
		order: make(map[model.Collection][]string),
		subs:  make(map[string]*subscription),
		now:   time.Now,
		log:   log.WithComponent("memory-store"),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ReadCollection implements repository.RemoteStore.
func (s *Store) ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Record, 0)
	for _, id := range s.order[c] {
		rec := s.data[c][id]
		if filter.Matches(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

// InsertRecord implements repository.RemoteStore.
func (s *Store) InsertRecord(ctx context.Context, c model.Collection, fields model.Record) (model.Record, error) {
	recs, err := s.InsertManyRecords(ctx, c, []model.Record{fields})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// InsertManyRecords implements repository.RemoteStore. Either every record is
// stored or none is.
func (s *Store) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.data[c] == nil {
		s.data[c] = make(map[string]model.Record)
	}
	prepared := make([]model.Record, 0, len(fields))
	for _, f := range fields {
		rec := copyRecord(f)
		if rec.ID() == "" {
			rec[model.FieldID] = uuid.NewString()
		}
		if _, exists := s.data[c][rec.ID()]; exists {
			s.mu.Unlock()
			return nil, apperrors.NewConflictError(fmt.Sprintf("%s/%s already exists", c, rec.ID()))
		}
		prepared = append(prepared, rec)
	}
	out := make([]model.Record, 0, len(prepared))
	events := make([]model.ChangeEvent, 0, len(prepared))
	for _, rec := range prepared {
		s.data[c][rec.ID()] = rec
		s.order[c] = append(s.order[c], rec.ID())
		out = append(out, copyRecord(rec))
		events = append(events, s.event(c, model.ChangeInsert, rec.ID()))
	}
	s.mu.Unlock()

	s.emit(ctx, events...)
	return out, nil
}

// UpdateRecord implements repository.RemoteStore.
func (s *Store) UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.data[c][id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
	}
	for k, v := range fields {
		if k == model.FieldID {
			continue
		}
		rec[k] = v
	}
	out := copyRecord(rec)
	s.mu.Unlock()

	s.emit(ctx, s.event(c, model.ChangeUpdate, id))
	return out, nil
}

// DeleteRecord implements repository.RemoteStore.
func (s *Store) DeleteRecord(ctx context.Context, c model.Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.data[c][id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
	}
	s.removeLocked(c, id)
	s.mu.Unlock()

	s.emit(ctx, s.event(c, model.ChangeDelete, id))
	return nil
}

// DeleteWhere implements repository.RemoteStore.
func (s *Store) DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	var doomed []string
	for _, id := range s.order[c] {
		if filter.Matches(s.data[c][id]) {
			doomed = append(doomed, id)
		}
	}
	events := make([]model.ChangeEvent, 0, len(doomed))
	for _, id := range doomed {
		s.removeLocked(c, id)
		events = append(events, s.event(c, model.ChangeDelete, id))
	}
	s.mu.Unlock()

	s.emit(ctx, events...)
	return int64(len(doomed)), nil
}

// WithTransaction runs fn under a store-wide transaction lock and restores
// the previous contents when fn fails. Change events raised inside fn are
// only published on commit. Writes made outside a transaction while one is
// open are not isolated and are lost if it rolls back.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(txKey{}).(*txState); nested {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot, order := s.snapshotLocked()
	s.mu.RUnlock()

	tx := &txState{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		s.data, s.order = snapshot, order
		s.mu.Unlock()
		return err
	}

	s.emit(ctx, tx.events...)
	return nil
}

// Seed stores records without raising change events.
func (s *Store) Seed(c model.Collection, records ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[c] == nil {
		s.data[c] = make(map[string]model.Record)
	}
	for _, r := range records {
		rec := copyRecord(r)
		if rec.ID() == "" {
			rec[model.FieldID] = uuid.NewString()
		}
		if _, exists := s.data[c][rec.ID()]; !exists {
			s.order[c] = append(s.order[c], rec.ID())
		}
		s.data[c][rec.ID()] = rec
	}
}

func (s *Store) removeLocked(c model.Collection, id string) {
	delete(s.data[c], id)
	ids := s.order[c]
	for i, cur := range ids {
		if cur == id {
			s.order[c] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (s *Store) snapshotLocked() (map[model.Collection]map[string]model.Record, map[model.Collection][]string) {
	data := make(map[model.Collection]map[string]model.Record, len(s.data))
	for c, recs := range s.data {
		data[c] = make(map[string]model.Record, len(recs))
		for id, rec := range recs {
			data[c][id] = copyRecord(rec)
		}
	}
	order := make(map[model.Collection][]string, len(s.order))
	for c, ids := range s.order {
		order[c] = append([]string(nil), ids...)
	}
	return data, order
}

func (s *Store) event(c model.Collection, t model.ChangeType, id string) model.ChangeEvent {
	return model.ChangeEvent{Collection: c, Type: t, RecordID: id, Timestamp: s.now()}
}

func copyRecord(r model.Record) model.Record {
	out := make(model.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// subscription delivers events to one callback from its own goroutine.
type subscription struct {
	id     string
	events chan model.ChangeEvent
	done   chan struct{}
}

func (s *subscription) ID() string { return s.id }

// SubscribeToChanges implements repository.ChangeFeed.
func (s *Store) SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (repository.ChannelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		id:     uuid.NewString(),
		events: make(chan model.ChangeEvent, eventBuffer),
		done:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.events:
				onEvent(ev)
			}
		}
	}()

	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	s.log.Debug("Change channel opened", zap.String("channelID", sub.id))
	return sub, nil
}

// Unsubscribe implements repository.ChangeFeed.
func (s *Store) Unsubscribe(ctx context.Context, handle repository.ChannelHandle) error {
	if handle == nil {
		return nil
	}
	s.subsMu.Lock()
	sub, ok := s.subs[handle.ID()]
	delete(s.subs, handle.ID())
	s.subsMu.Unlock()
	if !ok {
		return nil
	}

	close(sub.done)
	s.log.Debug("Change channel closed", zap.String("channelID", sub.id))
	return nil
}

// SubscriberCount reports how many channels are open.
func (s *Store) SubscriberCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *Store) emit(ctx context.Context, events ...model.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		tx.events = append(tx.events, events...)
		return
	}

	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		for _, ev := range events {
			select {
			case sub.events <- ev:
			case <-sub.done:
			}
		}
	}
}
