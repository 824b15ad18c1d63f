package silence

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const silenceSchema = `CREATE TABLE IF NOT EXISTS silenced_conversations (
	conversation_id TEXT PRIMARY KEY,
	silenced_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type silencedRow struct {
	ConversationID string `db:"conversation_id"`
}

// PostgresStore keeps the snapshot in a Postgres table.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgresStore connects with the pgx driver and creates the table if needed.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.ExecContext(ctx, silenceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create silence table: %w", err)
	}

	slog.Info("silence: postgres store ready", "dsn_len", len(dsn))
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM silenced_conversations ORDER BY conversation_id`); err != nil {
		return nil, fmt.Errorf("load silenced conversations: %w", err)
	}
	return ids, nil
}

// Save replaces the table contents in one transaction.
func (s *PostgresStore) Save(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM silenced_conversations`); err != nil {
		return fmt.Errorf("clear silenced conversations: %w", err)
	}
	if len(ids) > 0 {
		rows := make([]silencedRow, len(ids))
		for i, id := range ids {
			rows[i] = silencedRow{ConversationID: id}
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO silenced_conversations (conversation_id) VALUES (:conversation_id)`, rows); err != nil {
			return fmt.Errorf("insert silenced conversations: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
