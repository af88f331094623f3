package usecase

import (
	"context"
	"sync"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"go.uber.org/zap"
)

// Listener is told which collection changed.
type Listener func(collection model.Collection)

// UnsubscribeFunc removes a listener. Calling it more than once is a no-op.
type UnsubscribeFunc func()

// CacheInvalidator is the part of the result cache the bus needs.
type CacheInvalidator interface {
	InvalidateAll()
}

const defaultTeardownTimeout = 5 * time.Second

// ChangeBus collapses any number of listeners onto a single feed channel.
//
// The channel is opened by the first Subscribe and closed when the last
// listener leaves; the next Subscribe opens a fresh one. Every event clears
// the whole result cache before listeners run, since a change in one
// collection can stale reads joined from another. Events are dispatched one
// at a time; listener order is unspecified.
type ChangeBus struct {
	openMu     sync.Mutex
	mu         sync.Mutex
	feed       repository.ChangeFeed
	cache      CacheInvalidator
	log        logger.Logger
	listeners  map[uint64]Listener
	nextID     uint64
	handle     repository.ChannelHandle
	generation uint64
	closed     bool

	dispatchMu      sync.Mutex
	teardownTimeout time.Duration
}

// NewChangeBus builds an idle bus.
func NewChangeBus(feed repository.ChangeFeed, cache CacheInvalidator, log logger.Logger) *ChangeBus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ChangeBus{
		feed:            feed,
		cache:           cache,
		log:             log.WithComponent("change-bus"),
		listeners:       make(map[uint64]Listener),
		teardownTimeout: defaultTeardownTimeout,
	}
}

// Subscribe registers listener, opening the feed channel if the bus is idle.
// The channel is opened outside b.mu; concurrent subscribers wait on openMu
// and then share it.
func (b *ChangeBus) Subscribe(ctx context.Context, listener Listener) (UnsubscribeFunc, error) {
	if listener == nil {
		return nil, apperrors.NewValidationError("listener is required")
	}

	b.openMu.Lock()
	defer b.openMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.ErrBusClosed
	}
	if b.handle != nil {
		defer b.mu.Unlock()
		return b.addLocked(listener), nil
	}
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	handle, err := b.feed.SubscribeToChanges(ctx, func(ev model.ChangeEvent) {
		b.dispatch(gen, ev)
	})
	if err != nil {
		b.log.Error("Failed to open change channel", zap.Error(err))
		return nil, err
	}

	b.mu.Lock()
	if b.closed || gen != b.generation {
		b.mu.Unlock()
		b.discard(handle)
		return nil, apperrors.ErrBusClosed
	}
	b.handle = handle
	unsubscribe := b.addLocked(listener)
	b.mu.Unlock()

	b.log.Info("Change channel opened", zap.String("channelID", handle.ID()))
	return unsubscribe, nil
}

func (b *ChangeBus) addLocked(listener Listener) UnsubscribeFunc {
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.log.Debug("Listener registered", zap.Uint64("listenerID", id), zap.Int("listenerCount", len(b.listeners)))

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// discard closes a channel the bus was shut down while opening.
func (b *ChangeBus) discard(handle repository.ChannelHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), b.teardownTimeout)
	defer cancel()
	if err := b.feed.Unsubscribe(ctx, handle); err != nil {
		b.log.Warn("Failed to close change channel", zap.String("channelID", handle.ID()), zap.Error(err))
	}
}

// ListenerCount returns the number of registered listeners.
func (b *ChangeBus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Active reports whether a feed channel is open.
func (b *ChangeBus) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil
}

// Close drops every listener, closes the channel and rejects further
// subscriptions.
func (b *ChangeBus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.listeners = make(map[uint64]Listener)
	handle := b.detachLocked()
	b.mu.Unlock()

	if handle == nil {
		return nil
	}
	return b.feed.Unsubscribe(ctx, handle)
}

func (b *ChangeBus) remove(id uint64) {
	b.mu.Lock()
	if _, ok := b.listeners[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.listeners, id)
	b.log.Debug("Listener removed", zap.Uint64("listenerID", id), zap.Int("listenerCount", len(b.listeners)))

	var handle repository.ChannelHandle
	if len(b.listeners) == 0 {
		handle = b.detachLocked()
	}
	b.mu.Unlock()

	if handle == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.teardownTimeout)
	defer cancel()
	if err := b.feed.Unsubscribe(ctx, handle); err != nil {
		b.log.Warn("Failed to close change channel", zap.String("channelID", handle.ID()), zap.Error(err))
		return
	}
	b.log.Info("Change channel closed", zap.String("channelID", handle.ID()))
}

// detachLocked clears the handle and bumps the generation so events still in
// flight from the old channel are dropped.
func (b *ChangeBus) detachLocked() repository.ChannelHandle {
	handle := b.handle
	b.handle = nil
	b.generation++
	return handle
}

func (b *ChangeBus) dispatch(gen uint64, ev model.ChangeEvent) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	if gen != b.generation || b.handle == nil {
		b.mu.Unlock()
		b.log.Debug("Dropping event from closed channel", zap.String("collection", string(ev.Collection)))
		return
	}
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	b.cache.InvalidateAll()

	for _, l := range listeners {
		b.invoke(l, ev.Collection)
	}
}

func (b *ChangeBus) invoke(l Listener, c model.Collection) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Change listener panicked", zap.String("collection", string(c)), zap.Any("panic", r))
		}
	}()
	l(c)
}
