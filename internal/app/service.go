package app

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"threadline/api/internal/config"
	"threadline/api/internal/media"
	"threadline/api/internal/presence"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	GetProfiles(context.Context, []string) (map[string]store.Profile, error)
	EnsureProfile(context.Context, string, string) error
	FindDirectThread(context.Context, string) (store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	CreateThread(context.Context, store.Thread, []store.Participant) error
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	ListParticipantsByThread(context.Context, []string) (map[string][]store.Participant, error)
	AddParticipant(context.Context, string, string) (bool, error)
	RemoveParticipant(context.Context, string, string) (bool, int, error)
	UpdateThreadDetails(context.Context, string, string, string) error
	HideThread(context.Context, string, string) error
	HideAllThreads(context.Context, string) error
	UnhideThread(context.Context, string, string) error
	ListThreadsForUser(context.Context, string, int, int) ([]store.ThreadSummary, error)
	ListThreadIDsForUser(context.Context, string) ([]string, error)
	ListContactIDs(context.Context, string) ([]string, error)
	SetThreadActive(context.Context, string, bool, string) error
	FlagThread(context.Context, string, string, string) error
	AppendMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	GetMessagesByID(context.Context, []string) (map[string]store.Message, error)
	ListMessages(context.Context, string, string, int, int) ([]store.Message, error)
	VisibleMessageIDs(context.Context, string, []string) (map[string]bool, error)
	UpdateMessagePayload(context.Context, string, store.Payload, time.Time) (bool, error)
	SoftDeleteMessage(context.Context, string, string, time.Time) (bool, error)
	HideMessage(context.Context, string, string) error
	ClearThreadMessages(context.Context, string, string) error
	ClearAllMessages(context.Context, string) error
	UpsertReaction(context.Context, string, string, string) error
	DeleteReaction(context.Context, string, string) (bool, error)
	ListReactions(context.Context, []string) (map[string][]store.Reaction, error)
	ListReceipts(context.Context, []string) (map[string][]store.Receipt, error)
	MarkRead(context.Context, string, string, []string) ([]string, error)
	FlagMessage(context.Context, string, string, string) error
}

// EventPublisher is the real-time side of the service: thread channels,
// user channels and eviction of a user from a thread channel.
type EventPublisher interface {
	PublishToThread(ctx context.Context, threadID, event string, data any, exceptUserID string) error
	PublishToUsers(ctx context.Context, userIDs []string, event string, data any) error
	EvictFromThread(ctx context.Context, threadID, userID string) error
}

// MessageSearch indexes plaintext messages and answers queries.
type MessageSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
	DeleteMessage(id string)
}

type UploadSigner interface {
	PresignUpload(ctx context.Context, userID, fileName string) (media.Upload, error)
}

// Deps are the optional collaborators of the Service. Nil members fall back
// to in-process or no-op implementations.
type Deps struct {
	Events   EventPublisher
	Presence presence.Registry
	Search   MessageSearch
	Media    UploadSigner
	Log      zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	events   EventPublisher
	presence presence.Registry
	search   MessageSearch
	media    UploadSigner
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Deps) *Service {
	return newService(cfg, dataStore, deps)
}

func newService(cfg config.Config, dataStore dataStore, deps Deps) *Service {
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 20 * time.Second
	}
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		events:   deps.Events,
		presence: deps.Presence,
		search:   deps.Search,
		media:    deps.Media,
		validate: newValidator(),
		log:      deps.Log.With().Str("component", "service").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if svc.events == nil {
		svc.events = noopEvents{}
	}
	if svc.presence == nil {
		svc.presence = presence.NewMemoryRegistry()
	}
	if svc.search == nil {
		svc.search = noopSearch{}
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish hands an event to the router after the mutation committed.
// Delivery is best effort, so failures are logged and swallowed.
func (s *Service) publishToThread(ctx context.Context, threadID, event string, data any, exceptUserID string) {
	if err := s.events.PublishToThread(context.WithoutCancel(ctx), threadID, event, data, exceptUserID); err != nil {
		s.log.Warn().Err(err).Str("thread_id", threadID).Str("event", event).Msg("publish to thread")
	}
}

func (s *Service) publishToUsers(ctx context.Context, userIDs []string, event string, data any) {
	if len(userIDs) == 0 {
		return
	}
	if err := s.events.PublishToUsers(context.WithoutCancel(ctx), userIDs, event, data); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("publish to users")
	}
}

func (s *Service) evict(ctx context.Context, threadID, userID string) {
	if err := s.events.EvictFromThread(context.WithoutCancel(ctx), threadID, userID); err != nil {
		s.log.Warn().Err(err).Str("thread_id", threadID).Str("user_id", userID).Msg("evict from thread")
	}
}

type noopEvents struct{}

func (noopEvents) PublishToThread(context.Context, string, string, any, string) error { return nil }
func (noopEvents) PublishToUsers(context.Context, []string, string, any) error        { return nil }
func (noopEvents) EvictFromThread(context.Context, string, string) error              { return nil }

type noopSearch struct{}

func (noopSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (noopSearch) IndexMessage(search.MessageRecord) {}
func (noopSearch) DeleteMessage(string)              {}
