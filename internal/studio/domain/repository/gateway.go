package repository

import (
	"context"

	"studio-core/internal/studio/domain/model"
)

// RemoteStore is the typed CRUD surface of the authoritative remote store.
// Implementations return driver errors unchanged apart from wrapping; callers
// must not assume any retry has happened.
type RemoteStore interface {
	// ReadCollection returns every record of c matching filter. A nil or
	// empty filter returns the whole collection.
	ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error)

	// InsertRecord stores fields as a new record and returns it with its id.
	InsertRecord(ctx context.Context, c model.Collection, fields model.Record) (model.Record, error)

	// InsertManyRecords stores all fields in one bulk call.
	InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error)

	// UpdateRecord merges fields into the record with the given id.
	UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error)

	// DeleteRecord removes one record.
	DeleteRecord(ctx context.Context, c model.Collection, id string) error

	// DeleteWhere removes every record of c matching filter and reports how
	// many were removed.
	DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error)
}

// ChannelHandle identifies an open change subscription.
type ChannelHandle interface {
	ID() string
}

// ChangeFeed pushes change events for every watched collection.
type ChangeFeed interface {
	// SubscribeToChanges opens a channel delivering events to onEvent. Events
	// are delivered one at a time from a single goroutine.
	SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (ChannelHandle, error)

	// Unsubscribe closes the channel. Unknown or already closed handles are
	// ignored. It must not wait for an in-flight onEvent call to return,
	// since it may be invoked from inside one.
	Unsubscribe(ctx context.Context, handle ChannelHandle) error
}

// Transactor is implemented by stores able to run several writes atomically.
// The ctx passed to fn must be used for every store call inside it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
