package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fitstack/chatsync/internal/mutate"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

const maxAttachmentBytes = 10 << 20

type CreateConversationRequest struct {
	Self types.Participant `json:"self"`
	Peer types.Participant `json:"peer"`
}

type SendMessageRequest struct {
	ConversationId string            `json:"conversation_id"`
	Type           types.MessageType `json:"type,omitempty"`
	Content        string            `json:"content"`
	Attachment     *types.Attachment `json:"attachment,omitempty"`
	ReplyTo        *types.ReplyRef   `json:"reply_to,omitempty"`
}

type EditMessageRequest struct {
	ConversationId string `json:"conversation_id"`
	MessageId      string `json:"message_id"`
	Content        string `json:"content"`
}

type MessageRef struct {
	ConversationId string `json:"conversation_id"`
	MessageId      string `json:"message_id"`
	Emoji          string `json:"emoji,omitempty"`
}

type ConversationRef struct {
	ConversationId string `json:"conversation_id"`
}

type CorrelationRef struct {
	CorrelationId string `json:"correlation_id"`
}

func sendParams(req SendMessageRequest) mutate.SendParams {
	return mutate.SendParams{
		Type:       req.Type,
		Content:    req.Content,
		Attachment: req.Attachment,
		ReplyTo:    req.ReplyTo,
	}
}

func (s *ChatSyncApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// scope pulls the authenticated tenant and user off the request context.
func (s *ChatSyncApp) scope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenant, ok := Tenant(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return "", "", false
	}
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return "", "", false
	}
	return tenant, userId, true
}

func (s *ChatSyncApp) createConversation(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if req.Peer.Id == "" || req.Peer.Id == userId {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	req.Self.Id = userId

	sess := s.getSession(tenant, userId)
	conv, err := sess.Mutations().CreateDirect(r.Context(), req.Self, req.Peer)
	if err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *ChatSyncApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if req.ConversationId == "" || (req.Content == "" && req.Attachment == nil) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	rec, err := sess.Mutations().Send(r.Context(), req.ConversationId, sendParams(req))
	if err != nil {
		// The record survives locally for retry; report the failure with it.
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, map[string]interface{}{
			"error":  errResp,
			"record": rec,
		})
		return
	}

	s.writeJson(w, http.StatusAccepted, rec)
}

func (s *ChatSyncApp) retryMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req CorrelationRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	rec, err := sess.Mutations().Retry(r.Context(), req.CorrelationId)
	if err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusAccepted, rec)
}

func (s *ChatSyncApp) discardMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req CorrelationRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.getSession(tenant, userId).Mutations().Discard(req.CorrelationId)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatSyncApp) editMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" || req.MessageId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	if err := sess.Mutations().Edit(r.Context(), req.ConversationId, req.MessageId, req.Content); err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatSyncApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	conversationId := r.URL.Query().Get("conversation_id")
	messageId := r.URL.Query().Get("message_id")
	if conversationId == "" || messageId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	if err := sess.Mutations().Delete(r.Context(), conversationId, messageId); err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatSyncApp) reactMessage(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req MessageRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" || req.MessageId == "" || req.Emoji == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	if err := sess.Mutations().React(r.Context(), req.ConversationId, req.MessageId, req.Emoji); err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatSyncApp) starMessage(w http.ResponseWriter, r *http.Request) {
	s.messageToggle(w, r, func(m *mutate.Orchestrator, req MessageRef) error {
		return m.ToggleStar(r.Context(), req.ConversationId, req.MessageId)
	})
}

func (s *ChatSyncApp) pinMessage(w http.ResponseWriter, r *http.Request) {
	s.messageToggle(w, r, func(m *mutate.Orchestrator, req MessageRef) error {
		return m.TogglePinMessage(r.Context(), req.ConversationId, req.MessageId)
	})
}

func (s *ChatSyncApp) messageToggle(w http.ResponseWriter, r *http.Request, apply func(*mutate.Orchestrator, MessageRef) error) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req MessageRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" || req.MessageId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := apply(s.getSession(tenant, userId).Mutations(), req); err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatSyncApp) pinConversation(w http.ResponseWriter, r *http.Request) {
	s.conversationToggle(w, r, func(m *mutate.Orchestrator, conversationId string) error {
		return m.TogglePinConversation(r.Context(), conversationId)
	})
}

func (s *ChatSyncApp) archiveConversation(w http.ResponseWriter, r *http.Request) {
	s.conversationToggle(w, r, func(m *mutate.Orchestrator, conversationId string) error {
		return m.ToggleArchiveConversation(r.Context(), conversationId)
	})
}

func (s *ChatSyncApp) hideConversation(w http.ResponseWriter, r *http.Request) {
	s.conversationToggle(w, r, func(m *mutate.Orchestrator, conversationId string) error {
		return m.HideConversation(r.Context(), conversationId)
	})
}

func (s *ChatSyncApp) markRead(w http.ResponseWriter, r *http.Request) {
	s.conversationToggle(w, r, func(m *mutate.Orchestrator, conversationId string) error {
		return m.MarkRead(r.Context(), conversationId)
	})
}

func (s *ChatSyncApp) conversationToggle(w http.ResponseWriter, r *http.Request, apply func(*mutate.Orchestrator, string) error) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req ConversationRef
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := apply(s.getSession(tenant, userId).Mutations(), req.ConversationId); err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getMessages serves one backward page of history. A request without a cursor
// returns the newest page.
func (s *ChatSyncApp) getMessages(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.scope(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	conversationId := q.Get("conversation_id")
	if conversationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		limit = n
	}

	var before store.Cursor
	if raw := q.Get("before_ts"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		before = store.Cursor{CreatedAt: ts, Id: q.Get("before_id")}
	}

	msgs, err := s.store.MessagesBefore(r.Context(), tenant, conversationId, before, limit)
	if err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *ChatSyncApp) getStarredMessages(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.scope(w, r)
	if !ok {
		return
	}

	conversationId := r.URL.Query().Get("conversation_id")
	if conversationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msgs, err := s.store.StarredMessages(r.Context(), tenant, conversationId)
	if err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

// uploadAttachment accepts a multipart upload and returns the attachment
// reference to include in a subsequent send.
func (s *ChatSyncApp) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	tenant, userId, ok := s.scope(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conversationId := r.FormValue("conversation_id")
	file, header, err := r.FormFile("file")
	if conversationId == "" || err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sess := s.getSession(tenant, userId)
	att, err := sess.Mutations().UploadAttachment(r.Context(), conversationId, header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		errResp := errorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, att)
}
