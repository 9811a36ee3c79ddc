package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
)

// MessageRepo stores private messages. Every read is scoped to a participant
// in the query itself; no method returns rows of other identities.
type MessageRepo interface {
	Create(ctx context.Context, m model.Message) (model.Message, error)
	ListInbox(ctx context.Context, recipientID uuid.UUID, page model.Page) ([]model.MessageView, error)
	ListSent(ctx context.Context, senderID uuid.UUID, page model.Page) ([]model.MessageView, error)
	// GetForParticipant returns ErrNotFound both for unknown IDs and for non-participants
	GetForParticipant(ctx context.Context, id, participantID uuid.UUID) (model.MessageView, error)
	// MarkRead sets read_at only if it is null and participantID is the recipient
	MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id, participantID uuid.UUID, at time.Time) (bool, error)
	CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error)
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

const messageViewColumns = `
	m.id, m.sender_id, m.recipient_id, m.subject, m.body, m.created_at, m.read_at, m.deleted_at,
	s.email, s.display_name, r.email, r.display_name
`

const messageViewFrom = `
	FROM messages m
	JOIN users s ON s.id = m.sender_id
	JOIN users r ON r.id = m.recipient_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageView(row rowScanner) (model.MessageView, error) {
	var v model.MessageView
	var readAt, deletedAt sql.NullTime
	err := row.Scan(
		&v.ID, &v.SenderID, &v.RecipientID, &v.Subject, &v.Body, &v.CreatedAt, &readAt, &deletedAt,
		&v.SenderEmail, &v.SenderName, &v.RecipientEmail, &v.RecipientName,
	)
	if err != nil {
		return model.MessageView{}, err
	}
	if readAt.Valid {
		t := readAt.Time
		v.ReadAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		v.DeletedAt = &t
	}
	return v, nil
}

// Create inserts a message
func (r *messageRepo) Create(ctx context.Context, m model.Message) (model.Message, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.SenderID, m.RecipientID, m.Subject, m.Body, m.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *messageRepo) list(ctx context.Context, where string, ownerID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	query := `SELECT ` + messageViewColumns + messageViewFrom + `
		WHERE ` + where + ` AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	views := []model.MessageView{}
	for rows.Next() {
		v, err := scanMessageView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return views, nil
}

// ListInbox returns messages addressed to recipientID, newest first
func (r *messageRepo) ListInbox(ctx context.Context, recipientID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	return r.list(ctx, `m.recipient_id = $1`, recipientID, page)
}

// ListSent returns messages sent by senderID, newest first
func (r *messageRepo) ListSent(ctx context.Context, senderID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	return r.list(ctx, `m.sender_id = $1`, senderID, page)
}

// GetForParticipant fetches a single message visible to participantID
func (r *messageRepo) GetForParticipant(ctx context.Context, id, participantID uuid.UUID) (model.MessageView, error) {
	query := `SELECT ` + messageViewColumns + messageViewFrom + `
		WHERE m.id = $1 AND (m.sender_id = $2 OR m.recipient_id = $2) AND m.deleted_at IS NULL
	`
	v, err := scanMessageView(r.db.QueryRowContext(ctx, query, id, participantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MessageView{}, fmt.Errorf("message: %w", common.ErrNotFound)
		}
		return model.MessageView{}, fmt.Errorf("get message: %w", err)
	}
	return v, nil
}

// MarkRead records the first read by the recipient
func (r *messageRepo) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET read_at = $3
		WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL AND deleted_at IS NULL
	`, id, recipientID, at)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// SoftDelete hides the message from both participants
func (r *messageRepo) SoftDelete(ctx context.Context, id, participantID uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = $3
		WHERE id = $1 AND (sender_id = $2 OR recipient_id = $2) AND deleted_at IS NULL
	`, id, participantID, at)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CountUnread returns the number of unread inbox messages
func (r *messageRepo) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE recipient_id = $1 AND read_at IS NULL AND deleted_at IS NULL
	`, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
