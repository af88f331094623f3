package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const reconnectDelay = time.Second

// changeDocument is the subset of a change stream document the feed reads.
type changeDocument struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
}

// ChangeFeed watches the whole database through a change stream. Each
// channel owns one stream and one goroutine; a broken stream is reopened
// from its last resume token.
type ChangeFeed struct {
	db     *mongo.Database
	logger logger.Logger

	mu       sync.Mutex
	channels map[string]context.CancelFunc
}

var _ repository.ChangeFeed = (*ChangeFeed)(nil)

// NewChangeFeed creates a feed over db.
func NewChangeFeed(db *mongo.Database, log logger.Logger) *ChangeFeed {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ChangeFeed{
		db:       db,
		logger:   log.WithComponent("mongo-change-feed"),
		channels: make(map[string]context.CancelFunc),
	}
}

type channel string

func (c channel) ID() string { return string(c) }

func watchPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
			{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
		}}}}},
	}
}

// SubscribeToChanges implements repository.ChangeFeed.
func (f *ChangeFeed) SubscribeToChanges(ctx context.Context, onEvent func(model.ChangeEvent)) (repository.ChannelHandle, error) {
	stream, err := f.db.Watch(ctx, watchPipeline())
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	id := channel(uuid.NewString())
	runCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.channels[id.ID()] = cancel
	f.mu.Unlock()

	go f.run(runCtx, id, stream, onEvent)

	f.logger.Info("Change stream opened", zap.String("channelID", id.ID()))
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

func (f *ChangeFeed) run(ctx context.Context, id channel, stream *mongo.ChangeStream, onEvent func(model.ChangeEvent)) {
	for {
		for stream.Next(ctx) {
			var doc changeDocument
			if err := stream.Decode(&doc); err != nil {
				f.logger.Warn("Failed to decode change document", zap.Error(err))
				continue
			}
			if ev, ok := toChangeEvent(doc); ok {
				onEvent(ev)
			}
		}

		resumeToken := stream.ResumeToken()
		streamErr := stream.Err()
		_ = stream.Close(context.Background())
		if ctx.Err() != nil {
			f.logger.Debug("Change stream closed", zap.String("channelID", id.ID()))
			return
		}

		f.logger.Warn("Change stream interrupted, reopening",
			zap.String("channelID", id.ID()),
			zap.Error(streamErr))

		stream = f.reopen(ctx, id, resumeToken)
		if stream == nil {
			return
		}
	}
}

// reopen retries Watch from resumeToken until it succeeds or ctx ends.
func (f *ChangeFeed) reopen(ctx context.Context, id channel, resumeToken bson.Raw) *mongo.ChangeStream {
	opts := options.ChangeStream()
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
		stream, err := f.db.Watch(ctx, watchPipeline(), opts)
		if err == nil {
			return stream
		}
		f.logger.Error("Failed to reopen change stream", zap.String("channelID", id.ID()), zap.Error(err))
	}
}

func toChangeEvent(doc changeDocument) (model.ChangeEvent, bool) {
	c := model.Collection(doc.NS.Coll)
	if !c.Valid() {
		return model.ChangeEvent{}, false
	}

	var t model.ChangeType
	switch doc.OperationType {
	case "insert":
		t = model.ChangeInsert
	case "update", "replace":
		t = model.ChangeUpdate
	case "delete":
		t = model.ChangeDelete
	default:
		return model.ChangeEvent{}, false
	}

	ts := time.Now()
	if doc.ClusterTime.T != 0 {
		ts = time.Unix(int64(doc.ClusterTime.T), 0)
	}

	var recordID string
	if doc.DocumentKey.ID != nil {
		recordID = fmt.Sprint(doc.DocumentKey.ID)
	}
	return model.ChangeEvent{Collection: c, Type: t, RecordID: recordID, Timestamp: ts}, true
}
