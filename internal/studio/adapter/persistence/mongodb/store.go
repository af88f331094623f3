package mongodb

import (
	"context"
	"errors"
	"fmt"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const mongoIDField = "_id"

// Store implements the studio RemoteStore over one Mongo database, one Mongo
// collection per studio collection. Record ids are stored as string _id
// values generated here, so they read back unchanged.
type Store struct {
	db           *mongo.Database
	logger       logger.Logger
	transactions bool
}

var (
	_ repository.RemoteStore = (*Store)(nil)
	_ repository.Transactor  = (*Store)(nil)
	_ repository.Pinger      = (*Store)(nil)
)

// NewStore creates a store over db. transactions must only be enabled when
// the server is a replica set.
func NewStore(db *mongo.Database, log logger.Logger, transactions bool) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{db: db, logger: log.WithComponent("mongo-store"), transactions: transactions}
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (s *Store) collection(c model.Collection) *mongo.Collection {
	return s.db.Collection(string(c))
}

// ReadCollection implements repository.RemoteStore.
func (s *Store) ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error) {
	cursor, err := s.collection(c).Find(ctx, toFilter(filter))
	if err != nil {
		s.logger.Error("Failed to query collection", zap.String("collection", string(c)), zap.Error(err))
		return nil, fmt.Errorf("find %s: %w", c, err)
	}
	defer cursor.Close(ctx)

	out := make([]model.Record, 0)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c, err)
		}
		out = append(out, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error reading %s: %w", c, err)
	}
	return out, nil
}

// InsertRecord implements repository.RemoteStore.
func (s *Store) InsertRecord(ctx context.Context, c model.Collection, fields model.Record) (model.Record, error) {
	doc := toDocument(fields)
	if _, err := s.collection(c).InsertOne(ctx, doc); err != nil {
		return nil, s.writeError(c, err)
	}
	return fromDocument(doc), nil
}

// InsertManyRecords implements repository.RemoteStore.
func (s *Store) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	if len(fields) == 0 {
		return []model.Record{}, nil
	}
	docs := make([]interface{}, 0, len(fields))
	out := make([]model.Record, 0, len(fields))
	for _, f := range fields {
		doc := toDocument(f)
		docs = append(docs, doc)
		out = append(out, fromDocument(doc))
	}
	if _, err := s.collection(c).InsertMany(ctx, docs); err != nil {
		return nil, s.writeError(c, err)
	}
	return out, nil
}

// UpdateRecord implements repository.RemoteStore.
func (s *Store) UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error) {
	set := bson.M{}
	for k, v := range fields {
		if k == model.FieldID || k == mongoIDField {
			continue
		}
		set[k] = v
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err := s.collection(c).FindOneAndUpdate(ctx, bson.M{mongoIDField: id}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
		}
		return nil, s.writeError(c, err)
	}
	return fromDocument(doc), nil
}

// DeleteRecord implements repository.RemoteStore.
func (s *Store) DeleteRecord(ctx context.Context, c model.Collection, id string) error {
	res, err := s.collection(c).DeleteOne(ctx, bson.M{mongoIDField: id})
	if err != nil {
		return s.writeError(c, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
	}
	return nil
}

// DeleteWhere implements repository.RemoteStore.
func (s *Store) DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error) {
	res, err := s.collection(c).DeleteMany(ctx, toFilter(filter))
	if err != nil {
		return 0, s.writeError(c, err)
	}
	return res.DeletedCount, nil
}

// WithTransaction runs fn in a Mongo transaction when transactions are
// enabled, and directly otherwise. Calls made with a context that already
// carries a session join it.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.transactions || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	session, err := s.db.Client().StartSession()
	if err != nil {
		s.logger.Error("Failed to start MongoDB session", zap.Error(err))
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil {
		s.logger.Warn("Transaction aborted", zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) writeError(c model.Collection, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.NewConflictError(fmt.Sprintf("duplicate record in %s", c)).WithCause(err)
	}
	s.logger.Error("Mongo write failed", zap.String("collection", string(c)), zap.Error(err))
	return fmt.Errorf("write %s: %w", c, err)
}

// toDocument maps a record onto a BSON document, moving id to _id and
// generating one when absent.
func toDocument(r model.Record) bson.M {
	doc := make(bson.M, len(r)+1)
	for k, v := range r {
		if k == model.FieldID {
			continue
		}
		doc[k] = v
	}
	id := r.ID()
	if id == "" {
		id = uuid.NewString()
	}
	doc[mongoIDField] = id
	return doc
}

// fromDocument maps a BSON document back to a record with an "id" field.
func fromDocument(doc bson.M) model.Record {
	rec := make(model.Record, len(doc))
	for k, v := range doc {
		if k == mongoIDField {
			rec[model.FieldID] = fmt.Sprint(v)
			continue
		}
		rec[k] = v
	}
	return rec
}

func toFilter(f model.Filter) bson.M {
	out := bson.M{}
	for k, v := range f {
		if k == model.FieldID {
			k = mongoIDField
		}
		out[k] = v
	}
	return out
}
