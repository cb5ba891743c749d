package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, a, b models.Participant, anchor *models.ContextAnchor, subject string) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForParticipant(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error)
	SetDeletedForUser(ctx context.Context, conversationID, userID string, deleted bool, at time.Time) (models.Conversation, error)
	SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus) (models.Conversation, error)
	UnreadTotal(ctx context.Context, userID string) (int, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// orderPair puts two participants in a canonical order so a pairing maps to one row.
func orderPair(a, b models.Participant) (models.Participant, models.Participant) {
	if a.ID > b.ID || (a.ID == b.ID && a.Role > b.Role) {
		return b, a
	}
	return a, b
}

// CreateOrGet returns the conversation for the pair and context, creating it when
// missing. Reopening clears both sides' soft-delete flags. The bool reports creation.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, a, b models.Participant, anchor *models.ContextAnchor, subject string) (models.Conversation, bool, error) {
	if a.ID == b.ID {
		return models.Conversation{}, false, &models.ValidationError{Field: "participants", Reason: "cannot start a conversation with self"}
	}
	first, second := orderPair(a, b)
	kind, ctxID := anchorColumns(anchor)

	id, err := uuid.NewV7()
	if err != nil {
		return models.Conversation{}, false, err
	}

	var row struct {
		conversationRow
		Inserted bool `db:"inserted"`
	}
	query := `INSERT INTO conversations (id, participant_a_id, participant_a_role, participant_b_id, participant_b_role, context_kind, context_id, subject)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (participant_a_id, participant_a_role, participant_b_id, participant_b_role, context_kind, context_id)
        DO UPDATE SET deleted_by_a = FALSE, deleted_by_b = FALSE, deleted_at_a = NULL, deleted_at_b = NULL, updated_at = NOW()
        RETURNING ` + conversationColumns + `, (xmax = 0) AS inserted`
	if err := r.db.QueryRowxContext(ctx, query, id.String(), first.ID, first.Role, second.ID, second.Role, kind, ctxID, subject).
		StructScan(&row); err != nil {
		return models.Conversation{}, false, err
	}

	conv, err := row.conversationRow.decode()
	return conv, row.Inserted, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.decode()
}

// ListForParticipant returns the conversations visible to userID, newest activity first.
func (r *ConversationRepo) ListForParticipant(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE ((participant_a_id=$1 AND deleted_by_a = FALSE) OR (participant_b_id=$1 AND deleted_by_b = FALSE))
        AND ($2 OR status <> 'archived')
        ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Conversation
	for rows.Next() {
		var row conversationRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		conv, err := row.decode()
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// SetDeletedForUser flips the soft-delete flag of userID's side only. It is idempotent.
func (r *ConversationRepo) SetDeletedForUser(ctx context.Context, conversationID, userID string, deleted bool, at time.Time) (models.Conversation, error) {
	var stamp *time.Time
	if deleted {
		stamp = &at
	}
	query := `UPDATE conversations SET
            deleted_by_a = CASE WHEN participant_a_id=$2 THEN $3 ELSE deleted_by_a END,
            deleted_at_a = CASE WHEN participant_a_id=$2 THEN $4 ELSE deleted_at_a END,
            deleted_by_b = CASE WHEN participant_b_id=$2 THEN $3 ELSE deleted_by_b END,
            deleted_at_b = CASE WHEN participant_b_id=$2 THEN $4 ELSE deleted_at_b END,
            updated_at = NOW()
        WHERE id=$1 AND (participant_a_id=$2 OR participant_b_id=$2)
        RETURNING ` + conversationColumns
	var row conversationRow
	err := r.db.QueryRowxContext(ctx, query, conversationID, userID, deleted, stamp).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, r.missingOrForbidden(ctx, conversationID)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.decode()
}

// SetStatus archives or reactivates a conversation for both participants.
func (r *ConversationRepo) SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus) (models.Conversation, error) {
	var row conversationRow
	err := r.db.QueryRowxContext(ctx, `UPDATE conversations SET status=$2, updated_at=NOW() WHERE id=$1 RETURNING `+conversationColumns,
		conversationID, status).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.decode()
}

// UnreadTotal sums userID's unread counters over visible conversations.
func (r *ConversationRepo) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(CASE WHEN participant_a_id=$1 THEN unread_a ELSE unread_b END), 0)
        FROM conversations
        WHERE (participant_a_id=$1 AND deleted_by_a = FALSE) OR (participant_b_id=$1 AND deleted_by_b = FALSE)`, userID)
	return total, err
}

func (r *ConversationRepo) missingOrForbidden(ctx context.Context, conversationID string) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, conversationID); err != nil {
		return err
	}
	if !exists {
		return models.ErrConversationNotFound
	}
	return models.ErrNotParticipant
}
