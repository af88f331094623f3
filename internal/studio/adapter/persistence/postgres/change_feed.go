package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// notification is the payload published by the row triggers.
type notification struct {
	Collection string `json:"collection"`
	Type       string `json:"type"`
	RecordID   string `json:"record_id"`
}

// ChangeFeed delivers row changes published with LISTEN/NOTIFY. Every
// channel holds its own listener connection.
type ChangeFeed struct {
	dsn     string
	channel string
	logger  logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	channels map[string]context.CancelFunc
}

var _ repository.ChangeFeed = (*ChangeFeed)(nil)

// NewChangeFeed creates a feed listening on notifyChannel.
func NewChangeFeed(dsn, notifyChannel string, log logger.Logger) *ChangeFeed {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ChangeFeed{
		dsn:      dsn,
		channel:  notifyChannel,
		logger:   log.WithComponent("postgres-change-feed"),
		now:      time.Now,
		channels: make(map[string]context.CancelFunc),
	}
}

type listenerHandle string

func (h listenerHandle) ID() string { return string(h) }

// SubscribeToChanges implements repository.ChangeFeed.
func (f *ChangeFeed) SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (repository.ChannelHandle, error) {
	id := listenerHandle(uuid.NewString())
	log := f.logger.WithFields(map[string]interface{}{"channelID": id.ID()})

	listener := pq.NewListener(f.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("Listener connection event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(f.channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", f.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.channels[id.ID()] = cancel
	f.mu.Unlock()

	go f.run(runCtx, listener, log, onEvent)

	log.Info("Listening for changes", zap.String("notifyChannel", f.channel))
	return id, nil
}

// Unsubscribe implements repository.ChangeFeed.
func (f *ChangeFeed) Unsubscribe(ctx context.Context, handle repository.ChannelHandle) error {
	if handle == nil {
		return nil
	}
	f.mu.Lock()
	cancel, ok := f.channels[handle.ID()]
	delete(f.channels, handle.ID())
	f.mu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

func (f *ChangeFeed) run(ctx context.Context, listener *pq.Listener, log logger.Logger, onEvent func(model.ChangeEvent)) {
	defer func() {
		if err := listener.Close(); err != nil {
			log.Debug("Listener close", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Notifications sent while reconnecting are lost.
				log.Warn("Listener reconnected, reporting every collection as changed")
				for _, c := range model.AllCollections() {
					onEvent(model.ChangeEvent{Collection: c, Type: model.ChangeUpdate, Timestamp: f.now()})
				}
				continue
			}
			ev, err := parseNotification(n.Extra, f.now())
			if err != nil {
				log.Warn("Ignoring malformed notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			onEvent(ev)
		}
	}
}

func parseNotification(payload string, at time.Time) (model.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return model.ChangeEvent{}, err
	}
	c, err := model.ParseCollection(n.Collection)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	t := model.ChangeType(n.Type)
	switch t {
	case model.ChangeInsert, model.ChangeUpdate, model.ChangeDelete:
	default:
		return model.ChangeEvent{}, fmt.Errorf("unknown change type %q", n.Type)
	}
	return model.ChangeEvent{Collection: c, Type: t, RecordID: n.RecordID, Timestamp: at}, nil
}
