package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"threadline/api/internal/store"
)

// fakeStore is an in-memory dataStore with the same observable semantics as
// the Postgres store.
type fakeStore struct {
	mu sync.Mutex

	profiles     map[string]store.Profile
	threads      map[string]store.Thread
	participants map[string]map[string]*store.Participant
	threadHides  map[string]map[string]bool
	messages     map[string]*store.Message
	messageHides map[string]map[string]bool
	receipts     map[string]map[string]time.Time
	reactions    map[string]map[string]store.Reaction
	flags        map[string]bool
	seq          int64
	clock        time.Time

	pingErr        error
	participantErr error
	blockLists     bool
	beforeCreate   func(thread store.Thread)
}

func newFakeStore(userIDs ...string) *fakeStore {
	f := &fakeStore{
		profiles:     make(map[string]store.Profile),
		threads:      make(map[string]store.Thread),
		participants: make(map[string]map[string]*store.Participant),
		threadHides:  make(map[string]map[string]bool),
		messages:     make(map[string]*store.Message),
		messageHides: make(map[string]map[string]bool),
		receipts:     make(map[string]map[string]time.Time),
		reactions:    make(map[string]map[string]store.Reaction),
		flags:        make(map[string]bool),
		clock:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, id := range userIDs {
		f.profiles[id] = store.Profile{ID: id, DisplayName: id}
	}
	return f
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetProfiles(_ context.Context, ids []string) (map[string]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.Profile, len(ids))
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeStore) EnsureProfile(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[id]; !ok {
		if name == "" {
			name = id
		}
		f.profiles[id] = store.Profile{ID: id, DisplayName: name}
	}
	return nil
}

func (f *fakeStore) FindDirectThread(_ context.Context, key string) (store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findDirectLocked(key)
}

func (f *fakeStore) findDirectLocked(key string) (store.Thread, error) {
	for _, t := range f.threads {
		if !t.IsGroup && t.DirectKey == key && t.IsActive && !t.IsDeleted {
			return t, nil
		}
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) GetThread(_ context.Context, id string) (store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) CreateThread(_ context.Context, thread store.Thread, participants []store.Participant) error {
	if f.beforeCreate != nil {
		f.beforeCreate(thread)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !thread.IsGroup {
		if _, err := f.findDirectLocked(thread.DirectKey); err == nil {
			return store.ErrDirectThreadExists
		}
	}
	f.insertThreadLocked(thread, participants)
	return nil
}

func (f *fakeStore) insertThreadLocked(thread store.Thread, participants []store.Participant) {
	thread.IsActive = true
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = f.tick()
	}
	thread.UpdatedAt = thread.CreatedAt
	f.threads[thread.ID] = thread
	members := make(map[string]*store.Participant, len(participants))
	for _, p := range participants {
		p.ThreadID = thread.ID
		p.JoinedAt = thread.CreatedAt
		p.UnreadCount = 0
		members[p.UserID] = &p
	}
	f.participants[thread.ID] = members
}

func (f *fakeStore) GetParticipant(_ context.Context, threadID, userID string) (store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.participantErr != nil {
		return store.Participant{}, f.participantErr
	}
	p, ok := f.participants[threadID][userID]
	if !ok {
		return store.Participant{}, sql.ErrNoRows
	}
	return *p, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, threadID string) ([]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participantsLocked(threadID), nil
}

func (f *fakeStore) participantsLocked(threadID string) []store.Participant {
	out := make([]store.Participant, 0, len(f.participants[threadID]))
	for _, p := range f.participants[threadID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (f *fakeStore) ListParticipantsByThread(_ context.Context, threadIDs []string) (map[string][]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]store.Participant, len(threadIDs))
	for _, id := range threadIDs {
		out[id] = f.participantsLocked(id)
	}
	return out, nil
}

func (f *fakeStore) AddParticipant(_ context.Context, threadID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.participants[threadID][userID]; ok {
		return false, nil
	}
	f.participants[threadID][userID] = &store.Participant{ThreadID: threadID, UserID: userID, JoinedAt: f.tick()}
	return true, nil
}

func (f *fakeStore) RemoveParticipant(_ context.Context, threadID, userID string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.participants[threadID]
	_, removed := members[userID]
	delete(members, userID)
	delete(f.threadHides[threadID], userID)
	if len(members) == 0 {
		t := f.threads[threadID]
		t.IsActive = false
		f.threads[threadID] = t
	}
	return removed, len(members), nil
}

func (f *fakeStore) UpdateThreadDetails(_ context.Context, threadID, name, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok || !t.IsGroup {
		return sql.ErrNoRows
	}
	t.Name = name
	t.Description = description
	t.UpdatedAt = f.tick()
	f.threads[threadID] = t
	return nil
}

func (f *fakeStore) HideThread(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hideThreadLocked(threadID, userID)
	return nil
}

func (f *fakeStore) hideThreadLocked(threadID, userID string) {
	if f.threadHides[threadID] == nil {
		f.threadHides[threadID] = make(map[string]bool)
	}
	f.threadHides[threadID][userID] = true
	if p, ok := f.participants[threadID][userID]; ok {
		p.UnreadCount = 0
	}
}

func (f *fakeStore) HideAllThreads(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for threadID, members := range f.participants {
		if _, ok := members[userID]; ok {
			f.hideThreadLocked(threadID, userID)
		}
	}
	return nil
}

func (f *fakeStore) UnhideThread(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threadHides[threadID], userID)
	return nil
}

func (f *fakeStore) ListThreadsForUser(ctx context.Context, userID string, limit, offset int) ([]store.ThreadSummary, error) {
	if f.blockLists {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ThreadSummary
	for id, t := range f.threads {
		p, ok := f.participants[id][userID]
		if !ok || !t.IsActive || t.IsDeleted || f.threadHides[id][userID] {
			continue
		}
		out = append(out, store.ThreadSummary{Thread: t, UnreadCount: p.UnreadCount})
	}
	sort.Slice(out, func(i, j int) bool { return activityOf(out[i].Thread).After(activityOf(out[j].Thread)) })
	if offset >= len(out) {
		return []store.ThreadSummary{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func activityOf(t store.Thread) time.Time {
	if t.LastMessageAt != nil {
		return *t.LastMessageAt
	}
	return t.CreatedAt
}

func (f *fakeStore) ListThreadIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.threads {
		if _, ok := f.participants[id][userID]; ok && t.IsActive && !t.IsDeleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) ListContactIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for id, members := range f.participants {
		if _, ok := members[userID]; !ok || !f.threads[id].IsActive {
			continue
		}
		for other := range members {
			if other != userID && !seen[other] {
				seen[other] = true
				ids = append(ids, other)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) SetThreadActive(_ context.Context, threadID string, active bool, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return sql.ErrNoRows
	}
	t.IsActive = active
	t.ModerationNote = note
	f.threads[threadID] = t
	return nil
}

func (f *fakeStore) FlagThread(_ context.Context, threadID, by, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "thread:" + threadID + ":" + by
	if f.flags[key] {
		return nil
	}
	f.flags[key] = true
	t := f.threads[threadID]
	t.IsFlagged = true
	t.FlagCount++
	f.threads[threadID] = t
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	msg.Seq = f.seq
	msg.CreatedAt = f.tick()
	stored := msg
	f.messages[msg.ID] = &stored

	t := f.threads[msg.ThreadID]
	if t.LastMessageAt == nil || !t.LastMessageAt.After(msg.CreatedAt) {
		at := msg.CreatedAt
		t.LastMessageID = msg.ID
		t.LastMessageAt = &at
	}
	f.threads[msg.ThreadID] = t
	if msg.Type == store.MessageSystem {
		return msg, nil
	}
	for userID, p := range f.participants[msg.ThreadID] {
		if userID != msg.SenderID {
			p.UnreadCount++
		}
	}
	delete(f.threadHides, msg.ThreadID)
	return msg, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return *m, nil
}

func (f *fakeStore) GetMessagesByID(_ context.Context, ids []string) (map[string]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.Message, len(ids))
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			out[id] = *m
		}
	}
	return out, nil
}

func (f *fakeStore) threadMessagesLocked(threadID string) []store.Message {
	var out []store.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (f *fakeStore) ListMessages(_ context.Context, threadID, userID string, skip, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[threadID][userID]
	if !ok {
		return nil, nil
	}
	var visible []store.Message
	for _, m := range f.threadMessagesLocked(threadID) {
		if m.Seq > p.ClearedSeq && !f.messageHides[m.ID][userID] {
			visible = append(visible, m)
		}
	}
	// newest first, then page, then back to ascending
	end := len(visible) - skip
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]store.Message(nil), visible[start:end]...), nil
}

func (f *fakeStore) VisibleMessageIDs(_ context.Context, userID string, ids []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		m, ok := f.messages[id]
		if !ok || m.IsDeleted {
			continue
		}
		p, ok := f.participants[m.ThreadID][userID]
		if !ok || m.Seq <= p.ClearedSeq || f.messageHides[id][userID] {
			continue
		}
		out[id] = true
	}
	return out, nil
}

func (f *fakeStore) UpdateMessagePayload(_ context.Context, id string, payload store.Payload, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.IsDeleted || m.Type != store.MessageText || m.Payload.Kind != payload.Kind {
		return false, nil
	}
	m.Payload = payload
	m.IsEdited = true
	m.EditedAt = &at
	return true, nil
}

func (f *fakeStore) SoftDeleteMessage(_ context.Context, id, by string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.IsDeleted {
		return false, nil
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	m.DeletedBy = by
	m.Payload = store.Payload{}
	m.ImageURL, m.FileURL, m.AudioURL = "", "", ""
	m.Attachment = nil
	return true, nil
}

func (f *fakeStore) HideMessage(_ context.Context, messageID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageHides[messageID] == nil {
		f.messageHides[messageID] = make(map[string]bool)
	}
	f.messageHides[messageID][userID] = true
	return nil
}

func (f *fakeStore) ClearThreadMessages(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearLocked(threadID, userID)
	return nil
}

func (f *fakeStore) clearLocked(threadID, userID string) {
	p, ok := f.participants[threadID][userID]
	if !ok {
		return
	}
	for _, m := range f.threadMessagesLocked(threadID) {
		if m.Seq > p.ClearedSeq {
			p.ClearedSeq = m.Seq
		}
	}
	p.UnreadCount = 0
}

func (f *fakeStore) ClearAllMessages(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for threadID := range f.participants {
		f.clearLocked(threadID, userID)
	}
	return nil
}

func (f *fakeStore) UpsertReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = make(map[string]store.Reaction)
	}
	f.reactions[messageID][userID] = store.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, ReactedAt: f.tick()}
	return nil
}

func (f *fakeStore) DeleteReaction(_ context.Context, messageID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reactions[messageID][userID]
	delete(f.reactions[messageID], userID)
	return ok, nil
}

func (f *fakeStore) ListReactions(_ context.Context, ids []string) (map[string][]store.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]store.Reaction)
	for _, id := range ids {
		for _, r := range f.reactions[id] {
			out[id] = append(out[id], r)
		}
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].ReactedAt.Before(out[id][j].ReactedAt) })
	}
	return out, nil
}

func (f *fakeStore) ListReceipts(_ context.Context, ids []string) (map[string][]store.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]store.Receipt)
	for _, id := range ids {
		for userID, at := range f.receipts[id] {
			out[id] = append(out[id], store.Receipt{MessageID: id, UserID: userID, ReadAt: at})
		}
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].UserID < out[id][j].UserID })
	}
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, threadID, userID string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var wanted map[string]bool
	if ids != nil {
		wanted = make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
	}
	var marked []string
	for _, m := range f.threadMessagesLocked(threadID) {
		if m.SenderID == userID || (wanted != nil && !wanted[m.ID]) {
			continue
		}
		if _, done := f.receipts[m.ID][userID]; done {
			continue
		}
		if f.receipts[m.ID] == nil {
			f.receipts[m.ID] = make(map[string]time.Time)
		}
		f.receipts[m.ID][userID] = f.tick()
		marked = append(marked, m.ID)
	}
	if p, ok := f.participants[threadID][userID]; ok {
		p.UnreadCount = 0
	}
	return marked, nil
}

func (f *fakeStore) FlagMessage(_ context.Context, messageID, by, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags["message:"+messageID+":"+by] = true
	if m, ok := f.messages[messageID]; ok {
		m.IsFlagged = true
	}
	return nil
}

func (f *fakeStore) unread(threadID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[threadID][userID]; ok {
		return p.UnreadCount
	}
	return -1
}

func (f *fakeStore) directThreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.threads {
		if !t.IsGroup {
			n++
		}
	}
	return n
}
