package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"threadline/api/internal/auth"
	"threadline/api/internal/metrics"
	"threadline/api/internal/realtime"
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

const (
	defaultThreadPageSize = 20
	maxThreadPageSize     = 100
)

type RemovedParticipant struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Removed  bool   `json:"removed"`
}

type JoinedThread struct {
	ThreadID string `json:"threadId"`
}

type threadRemoved struct {
	ThreadID string `json:"threadId"`
}

func (s *Service) createThread(ctx context.Context, actor auth.Identity, c CreateThread) (ThreadView, error) {
	members := make([]string, 0, len(c.MemberIDs))
	for _, id := range uniqueStrings(c.MemberIDs) {
		id = strings.TrimSpace(id)
		if id == "" || id == actor.UserID {
			continue
		}
		members = append(members, id)
	}
	if len(members) == 0 {
		return ThreadView{}, errValidation("A thread needs at least one other member", map[string]string{
			"memberIds": "must contain a user other than yourself",
		})
	}
	if err := s.store.EnsureProfile(ctx, actor.UserID, actor.Name); err != nil {
		return ThreadView{}, fmt.Errorf("ensure creator profile: %w", err)
	}
	if !c.IsGroup && len(members) == 1 {
		return s.createOrGetDirect(ctx, actor, members[0])
	}
	return s.createGroup(ctx, actor, members, c.Name, c.Description)
}

// createOrGetDirect returns the single direct thread for the pair, creating
// it if needed. Concurrent creators converge on the row that won the insert.
func (s *Service) createOrGetDirect(ctx context.Context, actor auth.Identity, peerID string) (ThreadView, error) {
	profiles, err := s.store.GetProfiles(ctx, []string{peerID})
	if err != nil {
		return ThreadView{}, fmt.Errorf("load peer profile: %w", err)
	}
	if _, ok := profiles[peerID]; !ok {
		return ThreadView{}, errNotFound("User")
	}

	key := store.DirectKey(actor.UserID, peerID)
	thread, err := s.store.FindDirectThread(ctx, key)
	switch {
	case err == nil:
		if err := s.store.UnhideThread(ctx, thread.ID, actor.UserID); err != nil {
			return ThreadView{}, err
		}
		return s.threadView(ctx, thread, actor.UserID)
	case !errors.Is(err, sql.ErrNoRows):
		return ThreadView{}, fmt.Errorf("find direct thread: %w", err)
	}

	thread = store.Thread{
		ID:        util.NewThreadID(),
		CreatedBy: actor.UserID,
		DirectKey: key,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	thread.UpdatedAt = thread.CreatedAt
	participants := []store.Participant{
		{ThreadID: thread.ID, UserID: actor.UserID},
		{ThreadID: thread.ID, UserID: peerID},
	}
	err = s.store.CreateThread(ctx, thread, participants)
	if errors.Is(err, store.ErrDirectThreadExists) {
		metrics.DirectThreadRaces.Inc()
		winner, findErr := s.store.FindDirectThread(ctx, key)
		if findErr != nil {
			return ThreadView{}, fmt.Errorf("refetch direct thread: %w", findErr)
		}
		if err := s.store.UnhideThread(ctx, winner.ID, actor.UserID); err != nil {
			return ThreadView{}, err
		}
		return s.threadView(ctx, winner, actor.UserID)
	}
	if err != nil {
		return ThreadView{}, err
	}

	metrics.ThreadsCreated.WithLabelValues("direct").Inc()
	view, err := s.threadView(ctx, thread, actor.UserID)
	if err != nil {
		return ThreadView{}, err
	}
	s.publishToUsers(ctx, []string{actor.UserID, peerID}, realtime.EventThreadUpdated, view)
	return view, nil
}

func (s *Service) createGroup(ctx context.Context, actor auth.Identity, members []string, name, description string) (ThreadView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ThreadView{}, errValidation("Group name is required", map[string]string{"name": "is required"})
	}
	profiles, err := s.store.GetProfiles(ctx, members)
	if err != nil {
		return ThreadView{}, fmt.Errorf("load member profiles: %w", err)
	}
	var missing []string
	for _, id := range members {
		if _, ok := profiles[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		e := errNotFound("User")
		e.Details = map[string][]string{"missingUserIds": missing}
		return ThreadView{}, e
	}

	thread := store.Thread{
		ID:          util.NewThreadID(),
		IsGroup:     true,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   actor.UserID,
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	thread.UpdatedAt = thread.CreatedAt
	participants := make([]store.Participant, 0, len(members)+1)
	participants = append(participants, store.Participant{ThreadID: thread.ID, UserID: actor.UserID, IsAdmin: true})
	for _, id := range members {
		participants = append(participants, store.Participant{ThreadID: thread.ID, UserID: id})
	}
	if err := s.store.CreateThread(ctx, thread, participants); err != nil {
		return ThreadView{}, err
	}
	metrics.ThreadsCreated.WithLabelValues("group").Inc()

	if _, err := s.appendSystemMessage(ctx, thread.ID, actor.UserID, fmt.Sprintf("%s created the group %q", displayName(actor), name)); err != nil {
		return ThreadView{}, err
	}
	thread, err = s.loadThread(ctx, thread.ID)
	if err != nil {
		return ThreadView{}, err
	}
	view, err := s.threadView(ctx, thread, actor.UserID)
	if err != nil {
		return ThreadView{}, err
	}
	s.publishToUsers(ctx, append([]string{actor.UserID}, members...), realtime.EventThreadUpdated, view)
	return view, nil
}

// listThreads answers with an empty page when the store does not respond
// within the list timeout.
func (s *Service) listThreads(ctx context.Context, actor auth.Identity, c ListThreads) (ThreadList, error) {
	if c.UserID != "" && c.UserID != actor.UserID {
		return ThreadList{}, errAccessDenied("Cannot list threads of another user")
	}
	limit := c.Limit
	if limit <= 0 {
		limit = defaultThreadPageSize
	}
	if limit > maxThreadPageSize {
		limit = maxThreadPageSize
	}
	page := c.Page
	if page <= 0 {
		page = 1
	}

	listCtx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
	defer cancel()
	summaries, err := s.store.ListThreadsForUser(listCtx, actor.UserID, limit, (page-1)*limit)
	if err == nil {
		var views []ThreadView
		views, err = s.threadViews(listCtx, actor.UserID, summaries)
		if err == nil {
			return ThreadList{Threads: views}, nil
		}
	}
	if errors.Is(listCtx.Err(), context.DeadlineExceeded) {
		metrics.ListTimeouts.WithLabelValues("threads").Inc()
		s.log.Warn().Str("user_id", actor.UserID).Msg("thread list timed out")
		return ThreadList{Threads: []ThreadView{}}, nil
	}
	return ThreadList{}, err
}

func (s *Service) getThread(ctx context.Context, actor auth.Identity, c GetThread) (ThreadView, error) {
	thread, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID)
	if err != nil {
		return ThreadView{}, err
	}
	return s.threadView(ctx, thread, actor.UserID)
}

func (s *Service) updateGroup(ctx context.Context, actor auth.Identity, c UpdateGroup) (ThreadView, error) {
	thread, err := s.loadGroup(ctx, c.ThreadID)
	if err != nil {
		return ThreadView{}, err
	}
	if err := s.assertAdminOrCreator(ctx, thread, actor.UserID); err != nil {
		return ThreadView{}, err
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return ThreadView{}, errValidation("Group name is required", map[string]string{"name": "is required"})
	}
	if err := s.store.UpdateThreadDetails(ctx, thread.ID, name, strings.TrimSpace(c.Description)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ThreadView{}, errNotFound("Thread")
		}
		return ThreadView{}, err
	}
	if name != thread.Name {
		if _, err := s.appendSystemMessage(ctx, thread.ID, actor.UserID, fmt.Sprintf("%s renamed the group to %q", displayName(actor), name)); err != nil {
			return ThreadView{}, err
		}
	}
	return s.broadcastThread(ctx, thread.ID, actor.UserID)
}

func (s *Service) addParticipant(ctx context.Context, actor auth.Identity, c AddParticipant) (ThreadView, error) {
	thread, err := s.loadGroup(ctx, c.ThreadID)
	if err != nil {
		return ThreadView{}, err
	}
	if err := s.assertAdminOrCreator(ctx, thread, actor.UserID); err != nil {
		return ThreadView{}, err
	}
	profiles, err := s.store.GetProfiles(ctx, []string{c.UserID})
	if err != nil {
		return ThreadView{}, fmt.Errorf("load profile: %w", err)
	}
	if _, ok := profiles[c.UserID]; !ok {
		return ThreadView{}, errNotFound("User")
	}

	added, err := s.store.AddParticipant(ctx, thread.ID, c.UserID)
	if err != nil {
		return ThreadView{}, err
	}
	if !added {
		return s.threadView(ctx, thread, actor.UserID)
	}
	notice := fmt.Sprintf("%s added %s", displayName(actor), userView(c.UserID, profiles).DisplayName)
	if _, err := s.appendSystemMessage(ctx, thread.ID, actor.UserID, notice); err != nil {
		return ThreadView{}, err
	}
	return s.broadcastThread(ctx, thread.ID, actor.UserID)
}

// removeParticipant lets admins remove anyone and everyone remove themselves.
// The removed user's sockets leave the thread channel right away.
func (s *Service) removeParticipant(ctx context.Context, actor auth.Identity, c RemoveParticipant) (RemovedParticipant, error) {
	thread, err := s.loadGroup(ctx, c.ThreadID)
	if err != nil {
		return RemovedParticipant{}, err
	}
	if c.UserID != actor.UserID {
		if err := s.assertAdminOrCreator(ctx, thread, actor.UserID); err != nil {
			return RemovedParticipant{}, err
		}
	}

	removed, remaining, err := s.store.RemoveParticipant(ctx, thread.ID, c.UserID)
	if err != nil {
		return RemovedParticipant{}, err
	}
	result := RemovedParticipant{ThreadID: thread.ID, UserID: c.UserID, Removed: removed}
	if !removed {
		return result, nil
	}

	s.evict(ctx, thread.ID, c.UserID)
	s.publishToUsers(ctx, []string{c.UserID}, realtime.EventThreadRemoved, threadRemoved{ThreadID: thread.ID})
	if remaining == 0 {
		return result, nil
	}

	notice := fmt.Sprintf("%s left the group", displayName(actor))
	if c.UserID != actor.UserID {
		profiles, err := s.store.GetProfiles(ctx, []string{c.UserID})
		if err != nil {
			return RemovedParticipant{}, fmt.Errorf("load profile: %w", err)
		}
		notice = fmt.Sprintf("%s removed %s", displayName(actor), userView(c.UserID, profiles).DisplayName)
	}
	if _, err := s.appendSystemMessage(ctx, thread.ID, actor.UserID, notice); err != nil {
		return RemovedParticipant{}, err
	}
	if _, err := s.broadcastThread(ctx, thread.ID, actor.UserID); err != nil {
		return RemovedParticipant{}, err
	}
	return result, nil
}

func (s *Service) deleteThread(ctx context.Context, actor auth.Identity, c DeleteThread) (Ack, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return Ack{}, err
	}
	if err := s.store.HideThread(ctx, c.ThreadID, actor.UserID); err != nil {
		return Ack{}, err
	}
	s.publishToUsers(ctx, []string{actor.UserID}, realtime.EventThreadRemoved, threadRemoved{ThreadID: c.ThreadID})
	return Ack{OK: true}, nil
}

func (s *Service) deleteAllThreads(ctx context.Context, actor auth.Identity) (Ack, error) {
	if err := s.store.HideAllThreads(ctx, actor.UserID); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

func (s *Service) flagThread(ctx context.Context, actor auth.Identity, c FlagThread) (Ack, error) {
	thread, err := s.assertModerationAccess(ctx, actor, c.ThreadID, rbac.ActionFlag)
	if err != nil {
		return Ack{}, err
	}
	if err := s.store.FlagThread(ctx, thread.ID, actor.UserID, strings.TrimSpace(c.Reason)); err != nil {
		return Ack{}, err
	}
	s.log.Info().Str("thread_id", thread.ID).Str("user_id", actor.UserID).Msg("thread flagged")
	return Ack{OK: true}, nil
}

func (s *Service) deactivateThread(ctx context.Context, actor auth.Identity, c DeactivateThread) (Ack, error) {
	if !rbac.Can(actor.Role, rbac.ActionDeactivate) {
		return Ack{}, errAccessDenied("Only moderators can deactivate threads")
	}
	thread, err := s.loadThread(ctx, c.ThreadID)
	if err != nil {
		return Ack{}, err
	}
	if err := s.store.SetThreadActive(ctx, thread.ID, false, strings.TrimSpace(c.Note)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ack{}, errNotFound("Thread")
		}
		return Ack{}, err
	}
	s.log.Info().Str("thread_id", thread.ID).Str("moderator_id", actor.UserID).Msg("thread deactivated")
	s.publishToThread(ctx, thread.ID, realtime.EventThreadRemoved, threadRemoved{ThreadID: thread.ID}, "")
	return Ack{OK: true}, nil
}

// joinThread only authorizes the subscription; the socket layer joins the
// channel once this passes.
func (s *Service) joinThread(ctx context.Context, actor auth.Identity, c JoinThread) (JoinedThread, error) {
	if _, _, err := s.assertParticipant(ctx, c.ThreadID, actor.UserID); err != nil {
		return JoinedThread{}, err
	}
	return JoinedThread{ThreadID: c.ThreadID}, nil
}

func (s *Service) loadGroup(ctx context.Context, threadID string) (store.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return store.Thread{}, err
	}
	if !thread.IsGroup {
		return store.Thread{}, errInvalidState("Direct threads have a fixed pair of participants")
	}
	if !thread.IsActive {
		return store.Thread{}, errInvalidState("Thread is not active")
	}
	return thread, nil
}

// broadcastThread reloads the thread and pushes each participant their own
// rendering of it, then returns the one for viewerID.
func (s *Service) broadcastThread(ctx context.Context, threadID, viewerID string) (ThreadView, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	view, err := s.threadView(ctx, thread, viewerID)
	if err != nil {
		return ThreadView{}, err
	}
	for _, p := range view.Participants {
		if p.ID == viewerID {
			s.publishToUsers(ctx, []string{viewerID}, realtime.EventThreadUpdated, view)
			continue
		}
		theirs, err := s.threadView(ctx, thread, p.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("thread_id", threadID).Str("user_id", p.ID).Msg("render thread for participant")
			continue
		}
		s.publishToUsers(ctx, []string{p.ID}, realtime.EventThreadUpdated, theirs)
	}
	return view, nil
}

func (s *Service) appendSystemMessage(ctx context.Context, threadID, actorID, text string) (store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, store.Message{
		ID:       util.NewMessageID(),
		ThreadID: threadID,
		SenderID: actorID,
		Type:     store.MessageSystem,
		Payload:  store.Plaintext(text),
	})
	if err != nil {
		return store.Message{}, err
	}
	metrics.MessagesSent.WithLabelValues(string(store.MessageSystem), string(store.PayloadPlaintext)).Inc()
	view, err := s.messageView(ctx, msg)
	if err != nil {
		return store.Message{}, err
	}
	s.publishToThread(ctx, threadID, realtime.EventNewMessage, newMessageEvent{ThreadID: threadID, Message: view}, "")
	return msg, nil
}

func displayName(actor auth.Identity) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.UserID
}
