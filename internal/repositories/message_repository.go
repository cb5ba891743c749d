package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// Page bounds a message listing. After is the id of the last message already held.
type Page struct {
	Limit int
	After string
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Append(ctx context.Context, msg models.Message) (models.Message, models.Conversation, error)
	List(ctx context.Context, conversationID string, page Page) ([]models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, models.Conversation, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores msg and advances the conversation's preview, activity and the
// receiver's unread counter in one transaction. Both sides are un-hidden.
func (r *MessageRepo) Append(ctx context.Context, msg models.Message) (models.Message, models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	defer tx.Rollback()

	kind, ctxID := anchorColumns(msg.Context)
	var mrow messageRow
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, sender_role, receiver_id, receiver_role, body, context_kind, context_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.Sender.ID, msg.Sender.Role, msg.Receiver.ID, msg.Receiver.Role,
		msg.Body, kind, ctxID, msg.CreatedAt).StructScan(&mrow)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	var crow conversationRow
	err = tx.QueryRowxContext(ctx, `UPDATE conversations SET
            last_message_preview = $2,
            last_message_at = $3,
            unread_a = CASE WHEN participant_a_id=$4 THEN unread_a + 1 ELSE unread_a END,
            unread_b = CASE WHEN participant_b_id=$4 THEN unread_b + 1 ELSE unread_b END,
            deleted_by_a = FALSE, deleted_by_b = FALSE, deleted_at_a = NULL, deleted_at_b = NULL,
            updated_at = NOW()
        WHERE id=$1
        RETURNING `+conversationColumns,
		msg.ConversationID, models.Preview(msg.Body), msg.CreatedAt, msg.Receiver.ID).StructScan(&crow)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.Conversation{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	stored, err := mrow.decode()
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	conv, err := crow.decode()
	return stored, conv, err
}

// List returns a conversation's messages in ascending (created_at, id) order.
func (r *MessageRepo) List(ctx context.Context, conversationID string, page Page) ([]models.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if page.After == "" {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at ASC, id ASC
            LIMIT $2`, conversationID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id=$2)
            ORDER BY created_at ASC, id ASC
            LIMIT $3`, conversationID, page.After, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		msg, err := row.decode()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.decode()
}

// MarkConversationRead flips every unread message addressed to readerID and zeroes
// the reader's counter. It returns the ids that changed; already-read messages are untouched.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.Conversation{}, err
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids, `UPDATE messages SET is_read = TRUE, read_at = $3
        WHERE conversation_id=$1 AND receiver_id=$2 AND is_read = FALSE
        RETURNING id`, conversationID, readerID, at)
	if err != nil {
		return nil, models.Conversation{}, err
	}

	var crow conversationRow
	err = tx.QueryRowxContext(ctx, `UPDATE conversations SET
            unread_a = CASE WHEN participant_a_id=$2 THEN 0 ELSE unread_a END,
            unread_b = CASE WHEN participant_b_id=$2 THEN 0 ELSE unread_b END,
            updated_at = NOW()
        WHERE id=$1 AND (participant_a_id=$2 OR participant_b_id=$2)
        RETURNING `+conversationColumns, conversationID, readerID).StructScan(&crow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Conversation{}, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, models.Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Conversation{}, err
	}
	conv, err := crow.decode()
	return ids, conv, err
}
