package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultBlock   = 5 * time.Second
	readBatch      = 100
	retryDelay     = time.Second
	startOfStream  = "0-0"
	fieldColl      = "collection"
	fieldType      = "type"
	fieldRecordID  = "recordId"
	fieldTimestamp = "timestamp"
)

// ChangeFeed carries change events over one Redis Stream. Writers append
// with Publish; every subscribed channel tails the stream from the moment it
// was opened.
type ChangeFeed struct {
	client *redis.Client
	stream string
	maxLen int64
	block  time.Duration
	logger logger.Logger

	mu       sync.Mutex
	channels map[string]context.CancelFunc
}

var _ repository.ChangeFeed = (*ChangeFeed)(nil)

// NewChangeFeed creates a feed on stream, trimmed to roughly maxLen entries.
func NewChangeFeed(client *redis.Client, stream string, maxLen int64, log logger.Logger) *ChangeFeed {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ChangeFeed{
		client:   client,
		stream:   stream,
		maxLen:   maxLen,
		block:    defaultBlock,
		logger:   log.WithComponent("redis-change-feed"),
		channels: make(map[string]context.CancelFunc),
	}
}

// Publish appends ev to the stream.
func (f *ChangeFeed) Publish(ctx context.Context, ev model.ChangeEvent) error {
	args := &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]interface{}{
			fieldColl:      string(ev.Collection),
			fieldType:      string(ev.Type),
			fieldRecordID:  ev.RecordID,
			fieldTimestamp: ev.Timestamp.UnixNano(),
		},
	}
	if f.maxLen > 0 {
		args.MaxLen = f.maxLen
		args.Approx = true
	}

	if err := f.client.XAdd(ctx, args).Err(); err != nil {
		f.logger.Error("Failed to publish change event",
			zap.String("stream", f.stream),
			zap.String("collection", string(ev.Collection)),
			zap.Error(err))
		return err
	}
	return nil
}

type channel string

func (c channel) ID() string { return string(c) }

// SubscribeToChanges implements repository.ChangeFeed.
func (f *ChangeFeed) SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (repository.ChannelHandle, error) {
	lastID, err := f.tailID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream %s: %w", f.stream, err)
	}

	id := channel(uuid.NewString())
	runCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.channels[id.ID()] = cancel
	f.mu.Unlock()

	go f.run(runCtx, id, lastID, onEvent)

	f.logger.Info("Tailing change stream",
		zap.String("channelID", id.ID()),
		zap.String("stream", f.stream),
		zap.String("from", lastID))
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

// tailID returns the id of the newest stream entry, so reading starts after
// it.
func (f *ChangeFeed) tailID(ctx context.Context) (string, error) {
	msgs, err := f.client.XRevRangeN(ctx, f.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return startOfStream, nil
	}
	return msgs[0].ID, nil
}

func (f *ChangeFeed) run(ctx context.Context, id channel, lastID string, onEvent func(model.ChangeEvent)) {
	for {
		res, err := f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.stream, lastID},
			Count:   readBatch,
			Block:   f.block,
		}).Result()

		if ctx.Err() != nil {
			f.logger.Debug("Change stream closed", zap.String("channelID", id.ID()))
			return
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			f.logger.Warn("Failed to read change stream",
				zap.String("channelID", id.ID()),
				zap.String("stream", f.stream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				ev, err := parseMessage(msg)
				if err != nil {
					f.logger.Warn("Failed to parse change event",
						zap.String("messageId", msg.ID),
						zap.Error(err))
					continue
				}
				onEvent(ev)
			}
		}
	}
}

// parseMessage converts a stream entry into a ChangeEvent.
func parseMessage(msg redis.XMessage) (model.ChangeEvent, error) {
	raw, _ := msg.Values[fieldColl].(string)
	c, err := model.ParseCollection(raw)
	if err != nil {
		return model.ChangeEvent{}, err
	}

	ev := model.ChangeEvent{Collection: c, Type: model.ChangeUpdate}
	if t, ok := msg.Values[fieldType].(string); ok && t != "" {
		ev.Type = model.ChangeType(t)
	}
	if id, ok := msg.Values[fieldRecordID].(string); ok {
		ev.RecordID = id
	}
	if ts, ok := msg.Values[fieldTimestamp].(string); ok {
		if nanos, err := strconv.ParseInt(ts, 10, 64); err == nil {
			ev.Timestamp = time.Unix(0, nanos)
		}
	}
	return ev, nil
}
