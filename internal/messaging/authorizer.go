// Package messaging implements private messages between two identities and
// the rules deciding who may see or change them.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

// AuthorizerOptions configures the Authorizer
type AuthorizerOptions struct {
	AllowSelfMessaging bool
	Now                func() time.Time
}

// Authorizer decides which identity may view, mark or delete a message.
// Only the sender and the recipient are participants.
type Authorizer struct {
	users     repo.UserRepo
	messages  repo.MessageRepo
	allowSelf bool
	now       func() time.Time
}

// NewAuthorizer creates a new Authorizer
func NewAuthorizer(users repo.UserRepo, messages repo.MessageRepo, opts AuthorizerOptions) *Authorizer {
	a := &Authorizer{
		users:     users,
		messages:  messages,
		allowSelf: opts.AllowSelfMessaging,
		now:       opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// CanView reports whether callerID is the sender or the recipient
func (a *Authorizer) CanView(callerID uuid.UUID, m model.Message) bool {
	return callerID == m.SenderID || callerID == m.RecipientID
}

// CanMutateReadState reports whether callerID is the recipient
func (a *Authorizer) CanMutateReadState(callerID uuid.UUID, m model.Message) bool {
	return callerID == m.RecipientID
}

// CanDelete reports whether callerID is the sender or the recipient
func (a *Authorizer) CanDelete(callerID uuid.UUID, m model.Message) bool {
	return callerID == m.SenderID || callerID == m.RecipientID
}

// RecordRead sets the read timestamp of m if callerID is its recipient and
// it is still unread. Reading an already read message changes nothing.
func (a *Authorizer) RecordRead(ctx context.Context, callerID uuid.UUID, m *model.Message) error {
	if !a.CanMutateReadState(callerID, *m) {
		return fmt.Errorf("message: %w", common.ErrNotFound)
	}
	if m.ReadAt != nil {
		return nil
	}

	at := a.now().UTC()
	updated, err := a.messages.MarkRead(ctx, m.ID, callerID, at)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if updated {
		m.ReadAt = &at
		return nil
	}

	// Lost a race with another read, or the message went away.
	current, err := a.messages.GetForParticipant(ctx, m.ID, callerID)
	if err != nil {
		return err
	}
	m.ReadAt = current.ReadAt
	return nil
}

// AuthorizeSend resolves recipientRef (user ID or email) and checks that
// senderID may write to it.
func (a *Authorizer) AuthorizeSend(ctx context.Context, senderID uuid.UUID, recipientRef string) (model.User, error) {
	recipient, err := a.resolve(ctx, recipientRef)
	if errors.Is(err, common.ErrNotFound) {
		return model.User{}, common.ErrRecipientNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	if recipient.ID == senderID && !a.allowSelf {
		return model.User{}, common.ErrSelfMessaging
	}
	return recipient, nil
}

func (a *Authorizer) resolve(ctx context.Context, ref string) (model.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.User{}, common.ErrNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return a.users.GetByID(ctx, id)
	}
	return a.users.GetByEmail(ctx, ref)
}
