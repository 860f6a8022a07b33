package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadline/api/internal/auth"
	"threadline/api/internal/media"
	"threadline/api/internal/metrics"
	"threadline/api/internal/presence"
	"threadline/api/internal/realtime"
	"threadline/api/internal/rbac"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 100
)

type newMessageEvent struct {
	ThreadID string      `json:"threadId"`
	Message  MessageView `json:"message"`
}

type messageDeletedEvent struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Scope     string `json:"scope"`
}

type reactionEvent struct {
	ThreadID  string         `json:"threadId"`
	MessageID string         `json:"messageId"`
	Reactions []ReactionView `json:"reactions"`
}

type ReadResult struct {
	ThreadID   string   `json:"threadId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type typingEvent struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// payloadOf builds the discriminated payload. Text and ciphertext are
// mutually exclusive; an empty result has PayloadNone.
func payloadOf(text, ciphertext, iv string) (store.Payload, error) {
	switch {
	case text != "" && ciphertext != "":
		return store.Payload{}, errValidation("Send either text or ciphertext, not both", map[string]string{
			"text": "must be empty when ciphertext is set",
		})
	case ciphertext != "":
		if iv == "" {
			return store.Payload{}, errValidation("Invalid request", map[string]string{"iv": "is required"})
		}
		return store.Encrypted(ciphertext, iv), nil
	case strings.TrimSpace(text) != "":
		return store.Plaintext(text), nil
	default:
		return store.Payload{}, nil
	}
}

func (s *Service) sendMessage(ctx context.Context, actor auth.Identity, c SendMessage) (MessageView, error) {
	msgType := c.MessageType
	if msgType == "" {
		msgType = store.MessageText
	}
	if msgType == store.MessageSystem {
		return MessageView{}, errValidation("System messages cannot be sent by clients", map[string]string{
			"messageType": "must be one of: text image file audio sticker",
		})
	}
	payload, err := payloadOf(c.Text, c.Ciphertext, c.IV)
	if err != nil {
		return MessageView{}, err
	}
	switch msgType {
	case store.MessageImage:
		if c.ImageURL == "" {
			return MessageView{}, errValidation("Image messages need an imageUrl", map[string]string{"imageUrl": "is required"})
		}
	case store.MessageAudio:
		if c.AudioURL == "" {
			return MessageView{}, errValidation("Audio messages need an audioUrl", map[string]string{"audioUrl": "is required"})
		}
	case store.MessageFile:
		if c.FileURL == "" {
			return MessageView{}, errValidation("File messages need a fileUrl", map[string]string{"fileUrl": "is required"})
		}
	default:
		if payload.Kind == store.PayloadNone {
			return MessageView{}, errValidation("Message content is required", map[string]string{"text": "is required"})
		}
	}

	thread, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID)
	if err != nil {
		return MessageView{}, err
	}
	if !thread.IsActive {
		return MessageView{}, errInvalidState("Thread is not active")
	}

	replyTo := c.ReplyTo
	if replyTo != "" {
		if _, err := s.loadThreadMessage(ctx, thread.ID, replyTo); err != nil {
			var de *DomainError
			if !errors.As(err, &de) {
				return MessageView{}, err
			}
			replyTo = ""
		}
	}

	msg, err := s.store.AppendMessage(ctx, store.Message{
		ID:         util.NewMessageID(),
		ThreadID:   thread.ID,
		SenderID:   actor.UserID,
		Type:       msgType,
		Payload:    payload,
		ImageURL:   c.ImageURL,
		FileURL:    c.FileURL,
		AudioURL:   c.AudioURL,
		Attachment: c.Attachment,
		ReplyTo:    replyTo,
	})
	if err != nil {
		return MessageView{}, err
	}
	metrics.MessagesSent.WithLabelValues(string(msgType), payloadLabel(payload)).Inc()
	s.indexMessage(msg)

	participants, err := s.store.ListParticipants(ctx, thread.ID)
	if err != nil {
		return MessageView{}, fmt.Errorf("load participants: %w", err)
	}
	views, err := s.messageViews(ctx, []store.Message{msg}, participants)
	if err != nil {
		return MessageView{}, err
	}
	view := views[0]

	s.publishToThread(ctx, thread.ID, realtime.EventNewMessage, newMessageEvent{ThreadID: thread.ID, Message: view}, "")
	recipients := make([]string, 0, len(participants))
	for _, p := range participants {
		recipients = append(recipients, p.UserID)
	}
	s.publishToUsers(ctx, recipients, realtime.EventThreadUpdated, threadActivity{
		ThreadID:      thread.ID,
		LastMessage:   view,
		LastMessageAt: msg.CreatedAt,
	})
	return view, nil
}

// threadActivity tells listing clients to bump a thread; each client
// increments its own unread badge unless it is the sender.
type threadActivity struct {
	ThreadID      string      `json:"threadId"`
	LastMessage   MessageView `json:"lastMessage"`
	LastMessageAt time.Time   `json:"lastMessageAt"`
}

func (s *Service) editMessage(ctx context.Context, actor auth.Identity, c EditMessage) (MessageView, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return MessageView{}, err
	}
	msg, err := s.loadThreadMessage(ctx, c.ThreadID, c.MessageID)
	if err != nil {
		return MessageView{}, err
	}
	if msg.SenderID != actor.UserID {
		return MessageView{}, errAccessDenied("Only the sender can edit a message")
	}
	if msg.IsDeleted {
		return MessageView{}, errInvalidState("Message has been deleted")
	}
	if msg.Type != store.MessageText {
		return MessageView{}, errInvalidState("Only text messages can be edited")
	}
	payload, err := payloadOf(c.Text, c.Ciphertext, c.IV)
	if err != nil {
		return MessageView{}, err
	}
	if payload.Kind == store.PayloadNone {
		return MessageView{}, errValidation("Message content is required", map[string]string{"text": "is required"})
	}
	if payload.Kind != msg.Payload.Kind {
		return MessageView{}, errInvalidState("A message cannot switch between plaintext and encrypted")
	}

	updated, err := s.store.UpdateMessagePayload(ctx, msg.ID, payload, s.now())
	if err != nil {
		return MessageView{}, err
	}
	if !updated {
		return MessageView{}, errInvalidState("Message has been deleted")
	}
	msg, err = s.loadThreadMessage(ctx, c.ThreadID, c.MessageID)
	if err != nil {
		return MessageView{}, err
	}
	s.indexMessage(msg)
	view, err := s.messageView(ctx, msg)
	if err != nil {
		return MessageView{}, err
	}
	s.publishToThread(ctx, msg.ThreadID, realtime.EventMessageUpdated, newMessageEvent{ThreadID: msg.ThreadID, Message: view}, "")
	return view, nil
}

// deleteMessage defaults to global scope. Global deletes keep the row as a
// placeholder; local deletes only hide the message for the requester.
func (s *Service) deleteMessage(ctx context.Context, actor auth.Identity, c DeleteMessage) (Ack, error) {
	scope := c.Scope
	if scope == "" {
		scope = ScopeGlobal
	}

	if scope == ScopeLocal {
		if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
			return Ack{}, err
		}
		if _, err := s.loadThreadMessage(ctx, c.ThreadID, c.MessageID); err != nil {
			return Ack{}, err
		}
		if err := s.store.HideMessage(ctx, c.MessageID, actor.UserID); err != nil {
			return Ack{}, err
		}
		s.publishToUsers(ctx, []string{actor.UserID}, realtime.EventMessageDeleted, messageDeletedEvent{
			ThreadID: c.ThreadID, MessageID: c.MessageID, Scope: ScopeLocal,
		})
		return Ack{OK: true}, nil
	}

	thread, err := s.assertModerationAccess(ctx, actor, c.ThreadID, rbac.ActionRemoveMessage)
	if err != nil {
		return Ack{}, err
	}
	msg, err := s.loadThreadMessage(ctx, thread.ID, c.MessageID)
	if err != nil {
		return Ack{}, err
	}
	if msg.IsDeleted {
		return Ack{OK: true}, nil
	}
	if err := s.assertCanRemove(ctx, actor, thread, msg); err != nil {
		return Ack{}, err
	}
	deleted, err := s.store.SoftDeleteMessage(ctx, msg.ID, actor.UserID, s.now())
	if err != nil {
		return Ack{}, err
	}
	if !deleted {
		return Ack{OK: true}, nil
	}
	s.search.DeleteMessage(msg.ID)
	if msg.SenderID != actor.UserID {
		s.log.Info().Str("message_id", msg.ID).Str("thread_id", thread.ID).Str("removed_by", actor.UserID).Msg("message removed")
	}
	s.publishToThread(ctx, thread.ID, realtime.EventMessageDeleted, messageDeletedEvent{
		ThreadID: thread.ID, MessageID: msg.ID, Scope: ScopeGlobal,
	}, "")
	return Ack{OK: true}, nil
}

func (s *Service) assertCanRemove(ctx context.Context, actor auth.Identity, thread store.Thread, msg store.Message) error {
	if msg.SenderID == actor.UserID || rbac.Can(actor.Role, rbac.ActionRemoveMessage) {
		return nil
	}
	p, err := s.store.GetParticipant(ctx, thread.ID, actor.UserID)
	if err == nil && p.IsAdmin {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load participant: %w", err)
	}
	return errAccessDenied("Only the sender, a thread admin or a moderator can delete this message")
}

func (s *Service) react(ctx context.Context, actor auth.Identity, c ReactToMessage) (Ack, error) {
	msg, err := s.reactionTarget(ctx, actor, c.ThreadID, c.MessageID)
	if err != nil {
		return Ack{}, err
	}
	if err := s.store.UpsertReaction(ctx, msg.ID, actor.UserID, strings.TrimSpace(c.Emoji)); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, s.publishReactions(ctx, msg)
}

func (s *Service) unreact(ctx context.Context, actor auth.Identity, c RemoveReaction) (Ack, error) {
	msg, err := s.reactionTarget(ctx, actor, c.ThreadID, c.MessageID)
	if err != nil {
		return Ack{}, err
	}
	removed, err := s.store.DeleteReaction(ctx, msg.ID, actor.UserID)
	if err != nil {
		return Ack{}, err
	}
	if !removed {
		return Ack{OK: true}, nil
	}
	return Ack{OK: true}, s.publishReactions(ctx, msg)
}

func (s *Service) reactionTarget(ctx context.Context, actor auth.Identity, threadID, messageID string) (store.Message, error) {
	if _, _, err := s.assertParticipant(ctx, threadID, actor.UserID); err != nil {
		return store.Message{}, err
	}
	msg, err := s.loadThreadMessage(ctx, threadID, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.IsDeleted {
		return store.Message{}, errInvalidState("Message has been deleted")
	}
	return msg, nil
}

func (s *Service) publishReactions(ctx context.Context, msg store.Message) error {
	byMessage, err := s.store.ListReactions(ctx, []string{msg.ID})
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	reactions := make([]ReactionView, 0, len(byMessage[msg.ID]))
	for _, r := range byMessage[msg.ID] {
		reactions = append(reactions, ReactionView{UserID: r.UserID, Emoji: r.Emoji, ReactedAt: r.ReactedAt})
	}
	s.publishToThread(ctx, msg.ThreadID, realtime.EventReactionUpdated, reactionEvent{
		ThreadID: msg.ThreadID, MessageID: msg.ID, Reactions: reactions,
	}, "")
	return nil
}

// markRead is idempotent. Only newly marked ids are reported and published,
// and the reader's own channel always learns that the badge is cleared.
func (s *Service) markRead(ctx context.Context, actor auth.Identity, c MarkRead) (ReadResult, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return ReadResult{}, err
	}
	marked, err := s.store.MarkRead(ctx, c.ThreadID, actor.UserID, c.MessageIDs)
	if err != nil {
		return ReadResult{}, err
	}
	result := ReadResult{ThreadID: c.ThreadID, UserID: actor.UserID, MessageIDs: marked}
	if result.MessageIDs == nil {
		result.MessageIDs = []string{}
	}
	if len(marked) > 0 {
		s.publishToThread(ctx, c.ThreadID, realtime.EventMessagesRead, result, actor.UserID)
	}
	s.publishToUsers(ctx, []string{actor.UserID}, realtime.EventMessagesRead, result)
	return result, nil
}

// listMessages pages a thread for the caller and marks the page read.
func (s *Service) listMessages(ctx context.Context, actor auth.Identity, c ListMessages) (MessageList, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return MessageList{}, err
	}
	limit := c.Limit
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	listCtx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
	defer cancel()
	views, err := s.loadMessagePage(listCtx, actor, c.ThreadID, c.Skip, limit)
	if err != nil {
		if errors.Is(listCtx.Err(), context.DeadlineExceeded) {
			metrics.ListTimeouts.WithLabelValues("messages").Inc()
			s.log.Warn().Str("thread_id", c.ThreadID).Str("user_id", actor.UserID).Msg("message list timed out")
			return MessageList{Messages: []MessageView{}}, nil
		}
		return MessageList{}, err
	}
	return MessageList{Messages: views}, nil
}

func (s *Service) loadMessagePage(ctx context.Context, actor auth.Identity, threadID string, skip, limit int) ([]MessageView, error) {
	messages, err := s.store.ListMessages(ctx, threadID, actor.UserID, skip, limit)
	if err != nil {
		return nil, err
	}
	var unread []string
	for _, m := range messages {
		if m.SenderID != actor.UserID && !m.IsDeleted {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) > 0 {
		marked, err := s.store.MarkRead(ctx, threadID, actor.UserID, unread)
		if err != nil {
			return nil, err
		}
		if len(marked) > 0 {
			s.publishToThread(ctx, threadID, realtime.EventMessagesRead, ReadResult{
				ThreadID: threadID, UserID: actor.UserID, MessageIDs: marked,
			}, actor.UserID)
		}
	}
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return s.messageViews(ctx, messages, participants)
}

func (s *Service) clearThreadMessages(ctx context.Context, actor auth.Identity, c ClearThreadMessages) (Ack, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return Ack{}, err
	}
	if err := s.store.ClearThreadMessages(ctx, c.ThreadID, actor.UserID); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

func (s *Service) clearAllMessages(ctx context.Context, actor auth.Identity) (Ack, error) {
	if err := s.store.ClearAllMessages(ctx, actor.UserID); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

func (s *Service) flagMessage(ctx context.Context, actor auth.Identity, c FlagMessage) (Ack, error) {
	thread, err := s.assertModerationAccess(ctx, actor, c.ThreadID, rbac.ActionFlag)
	if err != nil {
		return Ack{}, err
	}
	msg, err := s.loadThreadMessage(ctx, thread.ID, c.MessageID)
	if err != nil {
		return Ack{}, err
	}
	if err := s.store.FlagMessage(ctx, msg.ID, actor.UserID, strings.TrimSpace(c.Reason)); err != nil {
		return Ack{}, err
	}
	s.log.Info().Str("message_id", msg.ID).Str("user_id", actor.UserID).Msg("message flagged")
	return Ack{OK: true}, nil
}

// setTyping is never persisted and never reaches the typist's own sockets.
func (s *Service) setTyping(ctx context.Context, actor auth.Identity, c SetTyping) (Ack, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return Ack{}, err
	}
	s.publishToThread(ctx, c.ThreadID, realtime.EventUserTyping, typingEvent{
		ThreadID: c.ThreadID, UserID: actor.UserID, IsTyping: c.IsTyping,
	}, actor.UserID)
	return Ack{OK: true}, nil
}

// searchMessages is bounded to the caller's threads, and hits are checked
// again against the store so hidden, cleared or deleted messages never leak
// from a stale index.
func (s *Service) searchMessages(ctx context.Context, actor auth.Identity, c SearchMessages) (search.Response, error) {
	threadIDs, err := s.store.ListThreadIDsForUser(ctx, actor.UserID)
	if err != nil {
		return search.Response{}, err
	}
	if c.ThreadID != "" {
		allowed := false
		for _, id := range threadIDs {
			if id == c.ThreadID {
				allowed = true
				break
			}
		}
		if !allowed {
			return search.Response{}, errAccessDenied("Not a participant of this thread")
		}
		threadIDs = []string{c.ThreadID}
	}

	resp := s.search.Search(ctx, search.Query{
		Text:      strings.TrimSpace(c.Query),
		ThreadIDs: threadIDs,
		Limit:     c.Limit,
		Offset:    c.Offset,
	})
	if len(resp.Results) == 0 {
		resp.Results = []search.Result{}
		return resp, nil
	}
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.MessageID)
	}
	visible, err := s.store.VisibleMessageIDs(ctx, actor.UserID, ids)
	if err != nil {
		return search.Response{}, err
	}
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		if visible[r.MessageID] {
			filtered = append(filtered, r)
		}
	}
	resp.Total -= len(resp.Results) - len(filtered)
	resp.Results = filtered
	return resp, nil
}

func (s *Service) requestUpload(ctx context.Context, actor auth.Identity, c RequestUpload) (media.Upload, error) {
	if s.media == nil {
		return media.Upload{}, errUnavailable("Media uploads are not configured")
	}
	upload, err := s.media.PresignUpload(ctx, actor.UserID, c.FileName)
	if errors.Is(err, media.ErrNotConfigured) {
		return media.Upload{}, errUnavailable("Media uploads are not configured")
	}
	if err != nil {
		return media.Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return upload, nil
}

func (s *Service) getPresence(ctx context.Context, c GetPresence) (presence.Status, error) {
	st, err := s.presence.Status(ctx, c.UserID)
	if err != nil {
		return presence.Status{}, fmt.Errorf("presence status: %w", err)
	}
	return st, nil
}

// indexMessage keeps the search index to live plaintext messages.
func (s *Service) indexMessage(msg store.Message) {
	if msg.IsDeleted || msg.Payload.Kind != store.PayloadPlaintext || msg.Type == store.MessageSystem {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		Text:      msg.Payload.Text,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	})
}

func payloadLabel(p store.Payload) string {
	if p.Kind == store.PayloadNone {
		return "none"
	}
	return string(p.Kind)
}
