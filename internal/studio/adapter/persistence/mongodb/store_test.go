package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/studio/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestToDocument_MovesIDAndGeneratesOne(t *testing.T) {
	doc := toDocument(model.Record{"id": "p1", "status": "PENDING"})
	assert.Equal(t, "p1", doc["_id"])
	_, hasID := doc["id"]
	assert.False(t, hasID)

	generated := toDocument(model.Record{"status": "PENDING"})
	assert.NotEmpty(t, generated["_id"])
}

func TestFromDocument_RestoresID(t *testing.T) {
	rec := fromDocument(bson.M{"_id": "u1", "name": "Ana"})
	assert.Equal(t, "u1", rec.ID())
	assert.Equal(t, "Ana", rec["name"])
	_, hasMongoID := rec["_id"]
	assert.False(t, hasMongoID)
}

func TestFromDocument_DecodesDriverDates(t *testing.T) {
	due := time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC)
	rec := fromDocument(bson.M{
		"_id":        "p1",
		"student_id": "s1",
		"amount":     140.0,
		"status":     "PENDING",
		"due_date":   primitive.NewDateTimeFromTime(due),
	})

	p, err := model.DecodeRecord[model.Payment](rec)
	require.NoError(t, err)
	assert.True(t, due.Equal(p.DueDate))
	assert.Equal(t, model.PaymentPending, p.Status)
}

func TestToFilter_MapsID(t *testing.T) {
	f := toFilter(model.Filter{"id": "x", "student_id": "s1"})
	assert.Equal(t, bson.M{"_id": "x", "student_id": "s1"}, f)
	assert.Equal(t, bson.M{}, toFilter(nil))
}

func TestToChangeEvent(t *testing.T) {
	var doc changeDocument
	doc.OperationType = "replace"
	doc.NS.Coll = "payments"
	doc.DocumentKey.ID = "p1"
	doc.ClusterTime = primitive.Timestamp{T: 1729000000}

	ev, ok := toChangeEvent(doc)
	require.True(t, ok)
	assert.Equal(t, model.CollectionPayments, ev.Collection)
	assert.Equal(t, model.ChangeUpdate, ev.Type)
	assert.Equal(t, "p1", ev.RecordID)
	assert.Equal(t, int64(1729000000), ev.Timestamp.Unix())

	doc.NS.Coll = "system.sessions"
	_, ok = toChangeEvent(doc)
	assert.False(t, ok)

	doc.NS.Coll = "users"
	doc.OperationType = "invalidate"
	_, ok = toChangeEvent(doc)
	assert.False(t, ok)
}

func TestStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping Mongo integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	if err != nil {
		t.Skip("Mongo not available for testing:", err)
	}
	dbName := fmt.Sprintf("studio_test_%d", time.Now().UnixNano())
	db := client.Database(dbName)
	defer func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}()

	store := NewStore(db, nil, false)
	require.NoError(t, store.Ping(ctx))

	inserted, err := store.InsertManyRecords(ctx, model.CollectionPayments, []model.Record{
		{"student_id": "s1", "status": "PENDING", "amount": 140.0},
		{"student_id": "s1", "status": "PAID", "amount": 140.0},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	recs, err := store.ReadCollection(ctx, model.CollectionPayments, model.Filter{"student_id": "s1"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	updated, err := store.UpdateRecord(ctx, model.CollectionPayments, inserted[0].ID(), model.Record{"status": "OVERDUE"})
	require.NoError(t, err)
	assert.Equal(t, "OVERDUE", updated["status"])

	n, err := store.DeleteWhere(ctx, model.CollectionPayments, model.Filter{"status": "PAID"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = store.DeleteRecord(ctx, model.CollectionPayments, "missing")
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)

	_, err = store.UpdateRecord(ctx, model.CollectionPayments, "missing", model.Record{"status": "PAID"})
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)
}
