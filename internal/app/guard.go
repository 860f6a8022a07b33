package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"threadline/api/internal/auth"
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
)

func (s *Service) loadThread(ctx context.Context, threadID string) (store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Thread{}, errNotFound("Thread")
	}
	if err != nil {
		return store.Thread{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return thread, nil
}

// assertParticipant passes only for current participants. A per-user soft
// delete hides the thread from listings but does not revoke membership.
func (s *Service) assertParticipant(ctx context.Context, threadID, userID string) (store.Thread, store.Participant, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return store.Thread{}, store.Participant{}, err
	}
	participant, err := s.store.GetParticipant(ctx, threadID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Thread{}, store.Participant{}, errAccessDenied("Not a participant of this thread")
	}
	if err != nil {
		return store.Thread{}, store.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return thread, participant, nil
}

// assertAdminOrCreator requires current membership first; a creator who left
// the group keeps no rights over it.
func (s *Service) assertAdminOrCreator(ctx context.Context, thread store.Thread, userID string) error {
	participant, err := s.store.GetParticipant(ctx, thread.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return errAccessDenied("Not a participant of this thread")
	}
	if err != nil {
		return fmt.Errorf("load participant: %w", err)
	}
	if thread.CreatedBy != userID && !participant.IsAdmin {
		return errAccessDenied("Only the group creator or an admin can do this")
	}
	return nil
}

// assertModerationAccess lets participants and platform moderators act on
// moderation commands. Moderators never pass the authoring guards.
func (s *Service) assertModerationAccess(ctx context.Context, actor auth.Identity, threadID string, action rbac.Action) (store.Thread, error) {
	if rbac.Can(actor.Role, action) && rbac.IsModerator(actor.Role) {
		return s.loadThread(ctx, threadID)
	}
	thread, _, err := s.assertParticipant(ctx, threadID, actor.UserID)
	return thread, err
}

// loadThreadMessage resolves a message and checks it belongs to threadID.
func (s *Service) loadThreadMessage(ctx context.Context, threadID, messageID string) (store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, errNotFound("Message")
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if msg.ThreadID != threadID {
		return store.Message{}, errNotFound("Message")
	}
	return msg, nil
}
