package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/messaging"
	"github.com/signalix/mailer/internal/middleware"
	"github.com/signalix/mailer/internal/model"
)

// MessageHandler handles the message endpoints. Every route is protected.
type MessageHandler struct {
	messages *messaging.Service
	log      logging.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messages *messaging.Service, log logging.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, log: log}
}

// sendMessageRequest is the request body for POST /messages.
// Recipient is a user ID or an email address.
type sendMessageRequest struct {
	Recipient string `json:"recipient" validate:"required,max=254"`
	Subject   string `json:"subject" validate:"required,max=255"`
	Body      string `json:"body" validate:"required,max=10000"`
}

type participantResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// messageResponse is a message as seen by one of its participants
type messageResponse struct {
	ID        string              `json:"id"`
	Sender    participantResponse `json:"sender"`
	Recipient participantResponse `json:"recipient"`
	Subject   string              `json:"subject"`
	Body      string              `json:"body"`
	CreatedAt time.Time           `json:"created_at"`
	ReadAt    *time.Time          `json:"read_at"`
	Read      bool                `json:"read"`
}

func toMessageResponse(v model.MessageView) messageResponse {
	return messageResponse{
		ID: v.ID.String(),
		Sender: participantResponse{
			ID: v.SenderID.String(), Email: v.SenderEmail, DisplayName: v.SenderName,
		},
		Recipient: participantResponse{
			ID: v.RecipientID.String(), Email: v.RecipientEmail, DisplayName: v.RecipientName,
		},
		Subject:   v.Subject,
		Body:      v.Body,
		CreatedAt: v.CreatedAt,
		ReadAt:    v.ReadAt,
		Read:      v.ReadAt != nil,
	}
}

func (h *MessageHandler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithServiceError(w, r, h.log, common.ErrUnauthenticated)
	}
	return userID, ok
}

// messageID parses the {id} URL param. A malformed id is reported as 404
// like any other id the caller cannot see.
func messageID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, common.ErrNotFound
	}
	return id, nil
}

func pageFromQuery(r *http.Request) (model.Page, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return model.Page{}, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return model.Page{}, err
	}
	return messaging.NormalizePage(limit, offset), nil
}

// HandleSend handles POST /messages
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, err := decodeValid[sendMessageRequest](w, r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	m, err := h.messages.Send(r.Context(), callerID, messaging.SendInput{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
	})
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	_ = respondJSON(w, http.StatusCreated, map[string]string{"id": m.ID.String()})
}

func (h *MessageHandler) list(w http.ResponseWriter, r *http.Request, fetch func(uuid.UUID, model.Page) ([]model.MessageView, error)) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	page, err := pageFromQuery(r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	views, err := fetch(callerID, page)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	out := make([]messageResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toMessageResponse(v))
	}
	_ = respondJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// HandleInbox handles GET /messages/inbox
func (h *MessageHandler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(id uuid.UUID, p model.Page) ([]model.MessageView, error) {
		return h.messages.ListInbox(r.Context(), id, p)
	})
}

// HandleSent handles GET /messages/sent
func (h *MessageHandler) HandleSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(id uuid.UUID, p model.Page) ([]model.MessageView, error) {
		return h.messages.ListSent(r.Context(), id, p)
	})
}

// HandleUnreadCount handles GET /messages/unread_count
func (h *MessageHandler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	n, err := h.messages.UnreadCount(r.Context(), callerID)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	_ = respondJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// HandleRead handles GET /messages/{id}
func (h *MessageHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := messageID(r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	v, err := h.messages.Read(r.Context(), callerID, id)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	_ = respondJSON(w, http.StatusOK, toMessageResponse(v))
}

// HandleMarkRead handles PUT /messages/{id}/read
func (h *MessageHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := messageID(r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	v, err := h.messages.MarkRead(r.Context(), callerID, id)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	_ = respondJSON(w, http.StatusOK, toMessageResponse(v))
}

// HandleDelete handles DELETE /messages/{id}
func (h *MessageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := messageID(r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	if err := h.messages.Delete(r.Context(), callerID, id); err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	_ = respondJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}
