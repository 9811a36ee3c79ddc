package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

const (
	DefaultPageSize  = 20
	MaxPageSize      = 100
	MaxSubjectLength = 255
	MaxBodyLength    = 10000
)

// SendInput is a validated compose request
type SendInput struct {
	Recipient string
	Subject   string
	Body      string
}

// Service implements the message operations for an authenticated caller
type Service struct {
	messages repo.MessageRepo
	authz    *Authorizer
	now      func() time.Time
	log      logging.Logger
}

// NewService creates a new messaging service
func NewService(messages repo.MessageRepo, authz *Authorizer, log logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		messages: messages,
		authz:    authz,
		now:      authz.now,
		log:      log,
	}
}

// NormalizePage clamps limit to [1, MaxPageSize] (0 means default) and offset to >= 0
func NormalizePage(limit, offset int) model.Page {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return model.Page{Limit: limit, Offset: offset}
}

// Send stores a new message from senderID
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, in SendInput) (model.Message, error) {
	subject := strings.TrimSpace(in.Subject)
	body := strings.TrimSpace(in.Body)
	if subject == "" || utf8.RuneCountInString(subject) > MaxSubjectLength {
		return model.Message{}, common.Invalid("subject must be between 1 and %d characters", MaxSubjectLength)
	}
	if body == "" || utf8.RuneCountInString(body) > MaxBodyLength {
		return model.Message{}, common.Invalid("body must be between 1 and %d characters", MaxBodyLength)
	}

	recipient, err := s.authz.AuthorizeSend(ctx, senderID, in.Recipient)
	if err != nil {
		return model.Message{}, err
	}

	m, err := s.messages.Create(ctx, model.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipient.ID,
		Subject:     subject,
		Body:        body,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to store message: %w", err)
	}

	s.log.Debug(ctx, "message sent", "message_id", m.ID, "sender_id", senderID, "recipient_id", recipient.ID)
	return m, nil
}

// ListInbox returns messages received by callerID, newest first
func (s *Service) ListInbox(ctx context.Context, callerID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	views, err := s.messages.ListInbox(ctx, callerID, NormalizePage(page.Limit, page.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	return views, nil
}

// ListSent returns messages sent by callerID, newest first
func (s *Service) ListSent(ctx context.Context, callerID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	views, err := s.messages.ListSent(ctx, callerID, NormalizePage(page.Limit, page.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}
	return views, nil
}

// Read returns a message the caller participates in. When the caller is the
// recipient the message is marked read.
func (s *Service) Read(ctx context.Context, callerID, id uuid.UUID) (model.MessageView, error) {
	v, err := s.messages.GetForParticipant(ctx, id, callerID)
	if err != nil {
		return model.MessageView{}, err
	}
	if s.authz.CanMutateReadState(callerID, v.Message) {
		if err := s.authz.RecordRead(ctx, callerID, &v.Message); err != nil {
			return model.MessageView{}, err
		}
	}
	return v, nil
}

// MarkRead marks a received message read. Senders and strangers get ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, callerID, id uuid.UUID) (model.MessageView, error) {
	v, err := s.messages.GetForParticipant(ctx, id, callerID)
	if err != nil {
		return model.MessageView{}, err
	}
	if err := s.authz.RecordRead(ctx, callerID, &v.Message); err != nil {
		return model.MessageView{}, err
	}
	return v, nil
}

// Delete hides a message from both participants
func (s *Service) Delete(ctx context.Context, callerID, id uuid.UUID) error {
	v, err := s.messages.GetForParticipant(ctx, id, callerID)
	if err != nil {
		return err
	}
	if !s.authz.CanDelete(callerID, v.Message) {
		return fmt.Errorf("message: %w", common.ErrNotFound)
	}
	deleted, err := s.messages.SoftDelete(ctx, id, callerID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if !deleted {
		return fmt.Errorf("message: %w", common.ErrNotFound)
	}
	return nil
}

// UnreadCount returns the number of unread messages in the caller's inbox
func (s *Service) UnreadCount(ctx context.Context, callerID uuid.UUID) (int, error) {
	n, err := s.messages.CountUnread(ctx, callerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}
