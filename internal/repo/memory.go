package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
)

// In-memory repositories back STORAGE=memory and the unit tests. They follow
// the same contracts as the Postgres implementations.

type memoryUserRepo struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]model.User
	byEmail map[string]uuid.UUID
	now     func() time.Time
}

// NewMemoryUserRepo creates an in-memory UserRepo
func NewMemoryUserRepo() UserRepo {
	return &memoryUserRepo{
		byID:    make(map[uuid.UUID]model.User),
		byEmail: make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (r *memoryUserRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return model.User{}, fmt.Errorf("user: %w", common.ErrNotFound)
	}
	return u, nil
}

func (r *memoryUserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return model.User{}, fmt.Errorf("user: %w", common.ErrNotFound)
	}
	return r.byID[id], nil
}

func (r *memoryUserRepo) Create(ctx context.Context, email, passwordHash, displayName string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	normalized := model.NormalizeEmail(email)
	if _, exists := r.byEmail[normalized]; exists {
		return model.User{}, common.ErrDuplicateIdentity
	}
	u := model.User{
		ID:           uuid.New(),
		Email:        normalized,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		CreatedAt:    r.now().UTC(),
	}
	r.byID[u.ID] = u
	r.byEmail[normalized] = u.ID
	return u, nil
}

func (r *memoryUserRepo) UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("user: %w", common.ErrNotFound)
	}
	u.PasswordHash = passwordHash
	r.byID[id] = u
	return nil
}

func (r *memoryUserRepo) List(ctx context.Context, excludeID uuid.UUID) ([]model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]model.User, 0, len(r.byID))
	for id, u := range r.byID {
		if id != excludeID {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].Email < users[j].Email
	})
	return users, nil
}

type memorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemorySessionRepo creates an in-memory SessionRepo
func NewMemorySessionRepo() SessionRepo {
	return &memorySessionRepo{sessions: make(map[string]model.Session)}
}

func (r *memorySessionRepo) Create(ctx context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.TokenHash]; exists {
		return fmt.Errorf("insert session: duplicate token hash")
	}
	r.sessions[s.TokenHash] = s
	return nil
}

func (r *memorySessionRepo) Get(ctx context.Context, tokenHash string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tokenHash]
	if !ok {
		return model.Session{}, fmt.Errorf("session: %w", common.ErrNotFound)
	}
	return s, nil
}

func (r *memorySessionRepo) Delete(ctx context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tokenHash)
	return nil
}

func (r *memorySessionRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (r *memorySessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, s := range r.sessions {
		if !s.ValidAt(now) {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

type memoryAttemptRepo struct {
	mu      sync.Mutex
	states  map[string]model.AttemptState
	maxKeys int
}

// NewMemoryAttemptRepo creates an in-memory AttemptRepo holding at most
// maxKeys entries (0 means unbounded). When full, the least recently updated
// unlocked entry is evicted; locked entries go only when nothing else can.
func NewMemoryAttemptRepo(maxKeys int) AttemptRepo {
	return &memoryAttemptRepo{
		states:  make(map[string]model.AttemptState),
		maxKeys: maxKeys,
	}
}

func (r *memoryAttemptRepo) Get(ctx context.Context, key string) (model.AttemptState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[key]; ok {
		return copyAttempt(s), nil
	}
	return model.AttemptState{Key: key}, nil
}

func (r *memoryAttemptRepo) Update(ctx context.Context, key string, fn func(*model.AttemptState) error) (model.AttemptState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.states[key]
	if exists {
		state = copyAttempt(state)
	} else {
		state = model.AttemptState{Key: key}
	}
	if err := fn(&state); err != nil {
		return state, err
	}
	state.Key = key

	if isCleared(state) {
		delete(r.states, key)
		return state, nil
	}
	if !exists && r.maxKeys > 0 && len(r.states) >= r.maxKeys {
		r.evictOne()
	}
	r.states[key] = copyAttempt(state)
	return state, nil
}

func (r *memoryAttemptRepo) evictOne() {
	var victim string
	var victimLocked bool
	var oldest time.Time
	found := false
	for k, s := range r.states {
		locked := s.LockedUntil != nil
		better := !found ||
			(victimLocked && !locked) ||
			(victimLocked == locked && s.UpdatedAt.Before(oldest))
		if better {
			victim, victimLocked, oldest, found = k, locked, s.UpdatedAt, true
		}
	}
	if found {
		delete(r.states, victim)
	}
}

func (r *memoryAttemptRepo) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.states {
		if s.UpdatedAt.Before(cutoff) && (s.LockedUntil == nil || s.LockedUntil.Before(cutoff)) {
			delete(r.states, k)
			n++
		}
	}
	return n, nil
}

func copyAttempt(s model.AttemptState) model.AttemptState {
	if s.LockedUntil != nil {
		t := *s.LockedUntil
		s.LockedUntil = &t
	}
	return s
}

type memoryMessageRepo struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]model.Message
	users    UserRepo
}

// NewMemoryMessageRepo creates an in-memory MessageRepo. users supplies the
// participant display data that the SQL implementation joins in.
func NewMemoryMessageRepo(users UserRepo) MessageRepo {
	return &memoryMessageRepo{
		messages: make(map[uuid.UUID]model.Message),
		users:    users,
	}
}

func (r *memoryMessageRepo) view(ctx context.Context, m model.Message) model.MessageView {
	v := model.MessageView{Message: m}
	if u, err := r.users.GetByID(ctx, m.SenderID); err == nil {
		v.SenderEmail, v.SenderName = u.Email, u.DisplayName
	}
	if u, err := r.users.GetByID(ctx, m.RecipientID); err == nil {
		v.RecipientEmail, v.RecipientName = u.Email, u.DisplayName
	}
	return v
}

func (r *memoryMessageRepo) Create(ctx context.Context, m model.Message) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ID] = m
	return m, nil
}

func (r *memoryMessageRepo) list(ctx context.Context, match func(model.Message) bool, page model.Page) []model.MessageView {
	r.mu.RLock()
	matched := make([]model.Message, 0)
	for _, m := range r.messages {
		if m.DeletedAt == nil && match(m) {
			matched = append(matched, m)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	views := []model.MessageView{}
	if page.Offset >= len(matched) {
		return views
	}
	end := len(matched)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	for _, m := range matched[page.Offset:end] {
		views = append(views, r.view(ctx, m))
	}
	return views
}

func (r *memoryMessageRepo) ListInbox(ctx context.Context, recipientID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	return r.list(ctx, func(m model.Message) bool { return m.RecipientID == recipientID }, page), nil
}

func (r *memoryMessageRepo) ListSent(ctx context.Context, senderID uuid.UUID, page model.Page) ([]model.MessageView, error) {
	return r.list(ctx, func(m model.Message) bool { return m.SenderID == senderID }, page), nil
}

func (r *memoryMessageRepo) GetForParticipant(ctx context.Context, id, participantID uuid.UUID) (model.MessageView, error) {
	r.mu.RLock()
	m, ok := r.messages[id]
	r.mu.RUnlock()
	if !ok || m.DeletedAt != nil || (m.SenderID != participantID && m.RecipientID != participantID) {
		return model.MessageView{}, fmt.Errorf("message: %w", common.ErrNotFound)
	}
	return r.view(ctx, m), nil
}

func (r *memoryMessageRepo) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil || m.RecipientID != recipientID || m.ReadAt != nil {
		return false, nil
	}
	m.ReadAt = &at
	r.messages[id] = m
	return true, nil
}

func (r *memoryMessageRepo) SoftDelete(ctx context.Context, id, participantID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil || (m.SenderID != participantID && m.RecipientID != participantID) {
		return false, nil
	}
	m.DeletedAt = &at
	r.messages[id] = m
	return true, nil
}

func (r *memoryMessageRepo) CountUnread(ctx context.Context, recipientID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages {
		if m.RecipientID == recipientID && m.ReadAt == nil && m.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}
