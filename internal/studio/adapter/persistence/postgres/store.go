package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/shared/logger"
	"studio-core/internal/studio/domain/model"
	"studio-core/internal/studio/domain/repository"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

type txKey struct{}

// row is one stored record: the id column plus the jsonb body.
type row struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

// Store implements the studio RemoteStore on Postgres. Each collection is a
// table of (id, data jsonb); filters are jsonb containment matches.
type Store struct {
	db     *sqlx.DB
	logger logger.Logger
}

var (
	_ repository.RemoteStore = (*Store)(nil)
	_ repository.Transactor  = (*Store)(nil)
	_ repository.Pinger      = (*Store)(nil)
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewStore creates a store over db.
func NewStore(db *sqlx.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{db: db, logger: log.WithComponent("postgres-store")}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec returns the open transaction carried by ctx, or the pool.
func (s *Store) exec(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// ReadCollection implements repository.RemoteStore.
func (s *Store) ReadCollection(ctx context.Context, c model.Collection, filter model.Filter) ([]model.Record, error) {
	table, err := tableName(c)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, err
	}

	var rows []row
	query := "SELECT id, data FROM " + table + where + " ORDER BY seq"
	if err := sqlx.SelectContext(ctx, s.exec(ctx), &rows, query, args...); err != nil {
		s.logger.Error("Failed to query collection", zap.String("collection", string(c)), zap.Error(err))
		return nil, fmt.Errorf("select %s: %w", c, err)
	}

	out := make([]model.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
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

// InsertManyRecords implements repository.RemoteStore. Outside a transaction
// the batch runs in one of its own.
func (s *Store) InsertManyRecords(ctx context.Context, c model.Collection, fields []model.Record) ([]model.Record, error) {
	table, err := tableName(c)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return []model.Record{}, nil
	}

	var out []model.Record
	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		out = make([]model.Record, 0, len(fields))
		for _, f := range fields {
			id := f.ID()
			if id == "" {
				id = uuid.NewString()
			}
			data, err := encodeData(f)
			if err != nil {
				return err
			}

			var r row
			err = sqlx.GetContext(ctx, s.exec(ctx), &r,
				"INSERT INTO "+table+" (id, data) VALUES ($1, $2::jsonb) RETURNING id, data", id, data)
			if err != nil {
				return s.writeError(c, err)
			}
			rec, err := r.record()
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRecord implements repository.RemoteStore. fields are merged into the
// stored body; a nil value stores JSON null.
func (s *Store) UpdateRecord(ctx context.Context, c model.Collection, id string, fields model.Record) (model.Record, error) {
	table, err := tableName(c)
	if err != nil {
		return nil, err
	}
	data, err := encodeData(fields)
	if err != nil {
		return nil, err
	}

	var r row
	err = sqlx.GetContext(ctx, s.exec(ctx), &r,
		"UPDATE "+table+" SET data = data || $2::jsonb, updated_at = now() WHERE id = $1 RETURNING id, data", id, data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
		}
		return nil, s.writeError(c, err)
	}
	return r.record()
}

// DeleteRecord implements repository.RemoteStore.
func (s *Store) DeleteRecord(ctx context.Context, c model.Collection, id string) error {
	table, err := tableName(c)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx).ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return s.writeError(c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", c, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, apperrors.ErrRecordNotFound)
	}
	return nil
}

// DeleteWhere implements repository.RemoteStore.
func (s *Store) DeleteWhere(ctx context.Context, c model.Collection, filter model.Filter) (int64, error) {
	table, err := tableName(c)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.exec(ctx).ExecContext(ctx, "DELETE FROM "+table+where, args...)
	if err != nil {
		return 0, s.writeError(c, err)
	}
	return res.RowsAffected()
}

// WithTransaction runs fn in a transaction. A ctx already inside one joins
// it.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) writeError(c model.Collection, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.NewConflictError(fmt.Sprintf("duplicate record in %s", c)).WithCause(err)
	}
	s.logger.Error("Postgres write failed", zap.String("collection", string(c)), zap.Error(err))
	return fmt.Errorf("write %s: %w", c, err)
}

func (r row) record() (model.Record, error) {
	rec := model.Record{}
	if err := json.Unmarshal(r.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", r.ID, err)
	}
	rec[model.FieldID] = r.ID
	return rec, nil
}

// tableName returns the quoted table of a known collection.
func tableName(c model.Collection) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownCollection, string(c))
	}
	return pq.QuoteIdentifier(string(c)), nil
}

// encodeData renders fields without the id as a jsonb literal. It is passed
// as text since pq sends []byte as bytea.
func encodeData(fields model.Record) (string, error) {
	body := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == model.FieldID {
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(raw), nil
}

// whereClause turns a filter into an id match plus one jsonb containment
// test over the remaining fields.
func whereClause(f model.Filter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}
	rest := make(map[string]interface{}, len(f))
	for k, v := range f {
		if k == model.FieldID {
			args = append(args, fmt.Sprint(v))
			conds = append(conds, fmt.Sprintf("id = $%d", len(args)))
			continue
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		raw, err := json.Marshal(rest)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
		}
		args = append(args, string(raw))
		conds = append(conds, fmt.Sprintf("data @> $%d::jsonb", len(args)))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
