package postgres

import (
	"context"
	"fmt"

	"studio-core/internal/studio/domain/model"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const notifyFunction = `
CREATE OR REPLACE FUNCTION studio_notify_change() RETURNS trigger AS $$
DECLARE
	rec_id TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec_id := OLD.id;
	ELSE
		rec_id := NEW.id;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], json_build_object(
		'collection', TG_TABLE_NAME,
		'type', TG_OP,
		'record_id', rec_id
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// Migrate creates the collection tables and the triggers that publish every
// row change on notifyChannel. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB, notifyChannel string) error {
	stmts := []string{notifyFunction}
	for _, c := range model.AllCollections() {
		stmts = append(stmts, migrationFor(c, notifyChannel)...)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

func migrationFor(c model.Collection, notifyChannel string) []string {
	table := pq.QuoteIdentifier(string(c))
	trigger := pq.QuoteIdentifier(string(c) + "_notify")
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(string(c)+"_data_idx") + ` ON ` + table + ` USING GIN (data jsonb_path_ops)`,
		`DROP TRIGGER IF EXISTS ` + trigger + ` ON ` + table,
		`CREATE TRIGGER ` + trigger + ` AFTER INSERT OR UPDATE OR DELETE ON ` + table +
			` FOR EACH ROW EXECUTE FUNCTION studio_notify_change(` + pq.QuoteLiteral(notifyChannel) + `)`,
	}
}
