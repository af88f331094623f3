package redisstream

import (
	"context"
	"time"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"go.uber.org/zap"
)

// Publisher appends change events to a shared feed.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

type pendingKey struct{}

type pending struct {
	events []model.ChangeEvent
}

// PublishingStore decorates a RemoteStore whose backend has no change feed
// of its own: every successful write is published after it lands. Events of
// a transaction are published on commit only.
//
// A failed publish does not fail the write; other instances then see the
// change only when their cached reads expire.
type PublishingStore struct {
	repository.RemoteStore
	publisher Publisher
	logger    logger.Logger
	now       func() time.Time
}

var (
	_ repository.RemoteStore = (*PublishingStore)(nil)
	_ repository.Transactor  = (*PublishingStore)(nil)
)

// NewPublishingStore wraps inner.
func NewPublishingStore(inner repository.RemoteStore, publisher Publisher, log logger.Logger) *PublishingStore {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &PublishingStore{
		RemoteStore: inner,
		publisher:   publisher,
		logger:      log.WithComponent("publishing-store"),
		now:         time.Now,
	}
}

// InsertRecord implements repository.RemoteStore.
func (s *PublishingStore) InsertRecord(ctx context.Context, c model.Collection, fields model.Record) (model.Record, error) {
	rec, err := s.RemoteStore.InsertRecord(ctx, c, fields)
	if err == nil {
		s.publish(ctx, c, model.ChangeInsert, rec.ID())
	}
	return rec, err
}

// InsertManyRecords implements repository.RemoteStore.
func (s *PublishingStore) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	recs, err := s.RemoteStore.InsertManyRecords(ctx, c, fields)
	if err == nil {
		for _, rec := range recs {
			s.publish(ctx, c, model.ChangeInsert, rec.ID())
		}
	}
	return recs, err
}

// UpdateRecord implements repository.RemoteStore.
func (s *PublishingStore) UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error) {
	rec, err := s.RemoteStore.UpdateRecord(ctx, c, id, fields)
	if err == nil {
		s.publish(ctx, c, model.ChangeUpdate, id)
	}
	return rec, err
}

// DeleteRecord implements repository.RemoteStore.
func (s *PublishingStore) DeleteRecord(ctx context.Context, c model.Collection, id string) error {
	err := s.RemoteStore.DeleteRecord(ctx, c, id)
	if err == nil {
		s.publish(ctx, c, model.ChangeDelete, id)
	}
	return err
}

// DeleteWhere implements repository.RemoteStore. One event without a record
// id stands for the whole batch.
func (s *PublishingStore) DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error) {
	n, err := s.RemoteStore.DeleteWhere(ctx, c, filter)
	if err == nil && n > 0 {
		s.publish(ctx, c, model.ChangeDelete, "")
	}
	return n, err
}

// WithTransaction delegates to the inner store when it is a Transactor and
// otherwise runs fn directly. Events are held back until fn succeeds.
func (s *PublishingStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(pendingKey{}).(*pending); nested {
		return fn(ctx)
	}

	p := &pending{}
	txCtx := context.WithValue(ctx, pendingKey{}, p)

	var err error
	if tx, ok := s.RemoteStore.(repository.Transactor); ok {
		err = tx.WithTransaction(txCtx, fn)
	} else {
		err = fn(txCtx)
	}
	if err != nil {
		return err
	}

	for _, ev := range p.events {
		s.send(ctx, ev)
	}
	return nil
}

// Ping delegates to the inner store when it supports it.
func (s *PublishingStore) Ping(ctx context.Context) error {
	if p, ok := s.RemoteStore.(repository.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *PublishingStore) publish(ctx context.Context, c model.Collection, t model.ChangeType, id string) {
	ev := model.ChangeEvent{Collection: c, Type: t, RecordID: id, Timestamp: s.now()}
	if p, ok := ctx.Value(pendingKey{}).(*pending); ok {
		p.events = append(p.events, ev)
		return
	}
	s.send(ctx, ev)
}

func (s *PublishingStore) send(ctx context.Context, ev model.ChangeEvent) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("Change not published",
			zap.String("collection", string(ev.Collection)),
			zap.String("recordID", ev.RecordID),
			zap.Error(err))
	}
}
