package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/studio/adapter/persistence/memory"
	"studio-core/internal/studio/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentsEvent() model.ChangeEvent {
	return model.ChangeEvent{Collection: model.CollectionPayments, Type: model.ChangeInsert, RecordID: "p1"}
}

func TestChangeBus_SharesOneChannel(t *testing.T) {
	feed := newManualFeed()
	bus := NewChangeBus(feed, &recordingCache{}, nil)
	ctx := context.Background()

	unsubs := make([]UnsubscribeFunc, 0, 3)
	for i := 0; i < 3; i++ {
		unsub, err := bus.Subscribe(ctx, func(model.Collection) {})
		require.NoError(t, err)
		unsubs = append(unsubs, unsub)
	}

	opens, closes, open := feed.Counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 0, closes)
	assert.Equal(t, 1, open)
	assert.Equal(t, 3, bus.ListenerCount())

	unsubs[0]()
	unsubs[1]()
	_, closes, open = feed.Counts()
	assert.Equal(t, 0, closes)
	assert.Equal(t, 1, open)
	assert.True(t, bus.Active())

	unsubs[2]()
	_, closes, open = feed.Counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, open)
	assert.False(t, bus.Active())
}

func TestChangeBus_ResubscribeOpensNewChannel(t *testing.T) {
	feed := newManualFeed()
	bus := NewChangeBus(feed, &recordingCache{}, nil)
	ctx := context.Background()

	unsub, err := bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)
	unsub()

	_, err = bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)

	opens, closes, open := feed.Counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, open)
}

func TestChangeBus_UnsubscribeTwiceIsNoop(t *testing.T) {
	feed := newManualFeed()
	bus := NewChangeBus(feed, &recordingCache{}, nil)
	ctx := context.Background()

	first, err := bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)

	first()
	first()
	assert.Equal(t, 1, bus.ListenerCount())
	assert.True(t, bus.Active())
}

func TestChangeBus_InvalidatesCacheBeforeListeners(t *testing.T) {
	feed := newManualFeed()
	c := &recordingCache{}
	bus := NewChangeBus(feed, c, nil)

	var seenInvalidations int
	var got model.Collection
	_, err := bus.Subscribe(context.Background(), func(coll model.Collection) {
		seenInvalidations = c.Invalidations()
		got = coll
	})
	require.NoError(t, err)

	feed.Emit(0, paymentsEvent())

	assert.Equal(t, 1, seenInvalidations)
	assert.Equal(t, model.CollectionPayments, got)
}

func TestChangeBus_PanickingListenerDoesNotStopOthers(t *testing.T) {
	feed := newManualFeed()
	bus := NewChangeBus(feed, &recordingCache{}, nil)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, func(model.Collection) { panic("boom") })
	require.NoError(t, err)

	calls := 0
	_, err = bus.Subscribe(ctx, func(model.Collection) { calls++ })
	require.NoError(t, err)

	assert.NotPanics(t, func() { feed.Emit(0, paymentsEvent()) })
	assert.Equal(t, 1, calls)
}

func TestChangeBus_DropsEventsFromClosedChannel(t *testing.T) {
	feed := newManualFeed()
	c := &recordingCache{}
	bus := NewChangeBus(feed, c, nil)
	ctx := context.Background()

	unsub, err := bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)
	unsub()

	calls := 0
	_, err = bus.Subscribe(ctx, func(model.Collection) { calls++ })
	require.NoError(t, err)

	// A late event from the first channel must not reach the new listener.
	feed.Emit(0, paymentsEvent())
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, c.Invalidations())

	feed.Emit(1, paymentsEvent())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Invalidations())
}

func TestChangeBus_OpenFailureRegistersNothing(t *testing.T) {
	feed := newManualFeed()
	feed.openErr = apperrors.NewInfrastructureError("realtime unavailable")
	bus := NewChangeBus(feed, &recordingCache{}, nil)

	unsub, err := bus.Subscribe(context.Background(), func(model.Collection) {})
	require.Error(t, err)
	assert.Nil(t, unsub)
	assert.Equal(t, 0, bus.ListenerCount())
	assert.False(t, bus.Active())
}

func TestChangeBus_RejectsNilListener(t *testing.T) {
	bus := NewChangeBus(newManualFeed(), &recordingCache{}, nil)
	_, err := bus.Subscribe(context.Background(), nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestChangeBus_CloseRejectsSubscribe(t *testing.T) {
	feed := newManualFeed()
	bus := NewChangeBus(feed, &recordingCache{}, nil)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, func(model.Collection) {})
	require.NoError(t, err)
	require.NoError(t, bus.Close(ctx))

	_, _, open := feed.Counts()
	assert.Equal(t, 0, open)

	_, err = bus.Subscribe(ctx, func(model.Collection) {})
	assert.ErrorIs(t, err, apperrors.ErrBusClosed)
}

func TestChangeBus_ListenerMayUnsubscribeItself(t *testing.T) {
	store := memory.NewStore(nil)
	bus := NewChangeBus(store, &recordingCache{}, nil)
	ctx := context.Background()

	var once sync.Once
	done := make(chan struct{})
	var unsub UnsubscribeFunc
	var mu sync.Mutex

	mu.Lock()
	unsub, err := bus.Subscribe(ctx, func(model.Collection) {
		once.Do(func() {
			mu.Lock()
			u := unsub
			mu.Unlock()
			u()
			close(done)
		})
	})
	mu.Unlock()
	require.NoError(t, err)

	_, err = store.InsertRecord(ctx, model.CollectionClasses, model.Record{"name": "Pilates"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not finish unsubscribing")
	}
	assert.False(t, bus.Active())
	assert.Equal(t, 0, store.SubscriberCount())
}

type subscribeResult struct {
	unsub UnsubscribeFunc
	err   error
}

func subscribeAsync(bus *ChangeBus) <-chan subscribeResult {
	out := make(chan subscribeResult, 1)
	go func() {
		unsub, err := bus.Subscribe(context.Background(), func(model.Collection) {})
		out <- subscribeResult{unsub: unsub, err: err}
	}()
	return out
}

func TestChangeBus_SlowOpenDoesNotBlockQueries(t *testing.T) {
	feed := newManualFeed()
	entered, release := feed.Block()
	defer release()
	bus := NewChangeBus(feed, &recordingCache{}, nil)

	first := subscribeAsync(bus)
	<-entered
	second := subscribeAsync(bus)

	queried := make(chan struct{})
	go func() {
		assert.False(t, bus.Active())
		assert.Equal(t, 0, bus.ListenerCount())
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("bus queries waited on the feed")
	}

	release()
	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)

	opens, _, open := feed.Counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, open)
	assert.True(t, bus.Active())
	assert.Equal(t, 2, bus.ListenerCount())
}

func TestChangeBus_CloseWhileOpeningDiscardsChannel(t *testing.T) {
	feed := newManualFeed()
	entered, release := feed.Block()
	bus := NewChangeBus(feed, &recordingCache{}, nil)

	pending := subscribeAsync(bus)
	<-entered
	require.NoError(t, bus.Close(context.Background()))
	release()

	r := <-pending
	assert.ErrorIs(t, r.err, apperrors.ErrBusClosed)
	opens, closes, open := feed.Counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, open)
	assert.False(t, bus.Active())
}
