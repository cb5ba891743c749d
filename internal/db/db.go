package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
        id UUID PRIMARY KEY,
        participant_a_id TEXT NOT NULL,
        participant_a_role TEXT NOT NULL,
        participant_b_id TEXT NOT NULL,
        participant_b_role TEXT NOT NULL,
        context_kind TEXT NOT NULL DEFAULT '',
        context_id TEXT NOT NULL DEFAULT '',
        subject TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'active',
        last_message_preview TEXT NOT NULL DEFAULT '',
        last_message_at TIMESTAMPTZ,
        unread_a INT NOT NULL DEFAULT 0 CHECK (unread_a >= 0),
        unread_b INT NOT NULL DEFAULT 0 CHECK (unread_b >= 0),
        deleted_by_a BOOLEAN NOT NULL DEFAULT FALSE,
        deleted_by_b BOOLEAN NOT NULL DEFAULT FALSE,
        deleted_at_a TIMESTAMPTZ,
        deleted_at_b TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (participant_a_id, participant_a_role, participant_b_id, participant_b_role, context_kind, context_id)
    );`,
	`CREATE INDEX IF NOT EXISTS conversations_participant_a_idx ON conversations (participant_a_id);`,
	`CREATE INDEX IF NOT EXISTS conversations_participant_b_idx ON conversations (participant_b_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
        id UUID PRIMARY KEY,
        conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
        sender_id TEXT NOT NULL,
        sender_role TEXT NOT NULL,
        receiver_id TEXT NOT NULL,
        receiver_role TEXT NOT NULL,
        body TEXT NOT NULL,
        context_kind TEXT NOT NULL DEFAULT '',
        context_id TEXT NOT NULL DEFAULT '',
        is_read BOOLEAN NOT NULL DEFAULT FALSE,
        read_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx ON messages (conversation_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages (conversation_id, receiver_id) WHERE is_read = FALSE;`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	slog.Info("database migrations applied", "count", len(migrations))
	return nil
}
