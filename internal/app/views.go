package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"threadline/api/internal/store"
)

const deletedPlaceholder = "This message was deleted"

type UserView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsVerified  bool   `json:"isVerified"`
}

type ParticipantView struct {
	UserView
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt time.Time `json:"joinedAt"`
}

type ThreadView struct {
	ID            string            `json:"id"`
	IsGroup       bool              `json:"isGroup"`
	Name          string            `json:"name,omitempty"`
	Description   string            `json:"description,omitempty"`
	CreatedBy     string            `json:"createdBy"`
	Participants  []ParticipantView `json:"participants"`
	Admins        []string          `json:"admins"`
	LastMessage   *MessageView      `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time        `json:"lastMessageAt,omitempty"`
	UnreadCount   int               `json:"unreadCount"`
	IsActive      bool              `json:"isActive"`
	IsFlagged     bool              `json:"isFlagged,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type ReceiptView struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type ReactionView struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reactedAt"`
}

type MessageView struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"threadId"`
	Seq         int64             `json:"seq"`
	Sender      UserView          `json:"sender"`
	MessageType store.MessageType `json:"messageType"`
	Text        string            `json:"text,omitempty"`
	Ciphertext  string            `json:"ciphertext,omitempty"`
	IV          string            `json:"iv,omitempty"`
	Encrypted   bool              `json:"encrypted"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	FileURL     string            `json:"fileUrl,omitempty"`
	AudioURL    string            `json:"audioUrl,omitempty"`
	Attachment  *store.Attachment `json:"attachment,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	IsEdited    bool              `json:"isEdited"`
	EditedAt    *time.Time        `json:"editedAt,omitempty"`
	IsDeleted   bool              `json:"isDeleted"`
	DeletedAt   *time.Time        `json:"deletedAt,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	ReadBy      []ReceiptView     `json:"readBy"`
	ReadByAll   bool              `json:"readByAll"`
	Reactions   []ReactionView    `json:"reactions"`
	IsFlagged   bool              `json:"isFlagged,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type ThreadList struct {
	Threads []ThreadView `json:"threads"`
}

type MessageList struct {
	Messages []MessageView `json:"messages"`
}

type Ack struct {
	OK bool `json:"ok"`
}

func userView(id string, profiles map[string]store.Profile) UserView {
	p, ok := profiles[id]
	if !ok {
		return UserView{ID: id, DisplayName: id}
	}
	return UserView{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, IsVerified: p.IsVerified}
}

// baseMessageView renders payload and lifecycle fields. A globally deleted
// message keeps its position and timestamp but none of its content.
func baseMessageView(m store.Message, profiles map[string]store.Profile) MessageView {
	v := MessageView{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Seq:         m.Seq,
		Sender:      userView(m.SenderID, profiles),
		MessageType: m.Type,
		ReplyTo:     m.ReplyTo,
		IsEdited:    m.IsEdited,
		EditedAt:    m.EditedAt,
		IsDeleted:   m.IsDeleted,
		DeletedAt:   m.DeletedAt,
		IsFlagged:   m.IsFlagged,
		CreatedAt:   m.CreatedAt,
		ReadBy:      []ReceiptView{},
		Reactions:   []ReactionView{},
	}
	if m.IsDeleted {
		v.Placeholder = deletedPlaceholder
		return v
	}
	switch m.Payload.Kind {
	case store.PayloadPlaintext:
		v.Text = m.Payload.Text
	case store.PayloadEncrypted:
		v.Encrypted = true
		v.Ciphertext = m.Payload.Ciphertext
		v.IV = m.Payload.IV
	}
	v.ImageURL = m.ImageURL
	v.FileURL = m.FileURL
	v.AudioURL = m.AudioURL
	v.Attachment = m.Attachment
	return v
}

// messageViews hydrates messages of one thread with sender profiles,
// receipts and reactions. readByAll compares receipts with the current
// participants other than the sender.
func (s *Service) messageViews(ctx context.Context, messages []store.Message, participants []store.Participant) ([]MessageView, error) {
	views := make([]MessageView, 0, len(messages))
	if len(messages) == 0 {
		return views, nil
	}

	ids := make([]string, 0, len(messages))
	senders := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		senders = append(senders, m.SenderID)
	}
	profiles, err := s.store.GetProfiles(ctx, uniqueStrings(senders))
	if err != nil {
		return nil, fmt.Errorf("load sender profiles: %w", err)
	}
	receipts, err := s.store.ListReceipts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	reactions, err := s.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}

	for _, m := range messages {
		v := baseMessageView(m, profiles)
		readers := make(map[string]struct{}, len(receipts[m.ID]))
		for _, r := range receipts[m.ID] {
			v.ReadBy = append(v.ReadBy, ReceiptView{UserID: r.UserID, ReadAt: r.ReadAt})
			readers[r.UserID] = struct{}{}
		}
		for _, r := range reactions[m.ID] {
			v.Reactions = append(v.Reactions, ReactionView{UserID: r.UserID, Emoji: r.Emoji, ReactedAt: r.ReactedAt})
		}
		v.ReadByAll = readByAll(m.SenderID, participants, readers)
		views = append(views, v)
	}
	return views, nil
}

func readByAll(senderID string, participants []store.Participant, readers map[string]struct{}) bool {
	others := 0
	for _, p := range participants {
		if p.UserID == senderID {
			continue
		}
		others++
		if _, ok := readers[p.UserID]; !ok {
			return false
		}
	}
	return others > 0
}

func (s *Service) messageView(ctx context.Context, m store.Message) (MessageView, error) {
	participants, err := s.store.ListParticipants(ctx, m.ThreadID)
	if err != nil {
		return MessageView{}, fmt.Errorf("load participants: %w", err)
	}
	views, err := s.messageViews(ctx, []store.Message{m}, participants)
	if err != nil {
		return MessageView{}, err
	}
	return views[0], nil
}

// threadViews hydrates threads listed for one viewer: participants with
// profiles, admin set and a last message preview. A preview the viewer hid
// or cleared is left out.
func (s *Service) threadViews(ctx context.Context, viewerID string, summaries []store.ThreadSummary) ([]ThreadView, error) {
	views := make([]ThreadView, 0, len(summaries))
	if len(summaries) == 0 {
		return views, nil
	}

	threadIDs := make([]string, 0, len(summaries))
	lastIDs := make([]string, 0, len(summaries))
	for _, t := range summaries {
		threadIDs = append(threadIDs, t.ID)
		if t.LastMessageID != "" {
			lastIDs = append(lastIDs, t.LastMessageID)
		}
	}

	byThread, err := s.store.ListParticipantsByThread(ctx, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	lastMessages, err := s.store.GetMessagesByID(ctx, lastIDs)
	if err != nil {
		return nil, fmt.Errorf("load last messages: %w", err)
	}
	visible, err := s.store.VisibleMessageIDs(ctx, viewerID, lastIDs)
	if err != nil {
		return nil, fmt.Errorf("filter last messages: %w", err)
	}
	for id, m := range lastMessages {
		// Global deletes render as a placeholder, so only live rows are filtered.
		if !m.IsDeleted && !visible[id] {
			delete(lastMessages, id)
		}
	}

	userIDs := make([]string, 0)
	for _, parts := range byThread {
		for _, p := range parts {
			userIDs = append(userIDs, p.UserID)
		}
	}
	for _, m := range lastMessages {
		userIDs = append(userIDs, m.SenderID)
	}
	profiles, err := s.store.GetProfiles(ctx, uniqueStrings(userIDs))
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	for _, t := range summaries {
		v := ThreadView{
			ID:            t.ID,
			IsGroup:       t.IsGroup,
			Name:          t.Name,
			Description:   t.Description,
			CreatedBy:     t.CreatedBy,
			Participants:  []ParticipantView{},
			Admins:        []string{},
			LastMessageAt: t.LastMessageAt,
			UnreadCount:   t.UnreadCount,
			IsActive:      t.IsActive,
			IsFlagged:     t.IsFlagged,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.UpdatedAt,
		}
		for _, p := range byThread[t.ID] {
			v.Participants = append(v.Participants, ParticipantView{
				UserView: userView(p.UserID, profiles),
				IsAdmin:  p.IsAdmin,
				JoinedAt: p.JoinedAt,
			})
			if p.IsAdmin {
				v.Admins = append(v.Admins, p.UserID)
			}
		}
		if m, ok := lastMessages[t.LastMessageID]; ok {
			preview := baseMessageView(m, profiles)
			v.LastMessage = &preview
		}
		views = append(views, v)
	}
	return views, nil
}

// threadView renders one thread for viewerID, who may have left it.
func (s *Service) threadView(ctx context.Context, thread store.Thread, viewerID string) (ThreadView, error) {
	summary := store.ThreadSummary{Thread: thread}
	p, err := s.store.GetParticipant(ctx, thread.ID, viewerID)
	switch {
	case err == nil:
		summary.UnreadCount = p.UnreadCount
	case !errors.Is(err, sql.ErrNoRows):
		return ThreadView{}, fmt.Errorf("load viewer participant: %w", err)
	}
	views, err := s.threadViews(ctx, viewerID, []store.ThreadSummary{summary})
	if err != nil {
		return ThreadView{}, err
	}
	return views[0], nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
