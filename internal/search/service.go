package search

import (
	"context"

	"github.com/rs/zerolog"

	"threadline/api/internal/metrics"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili Backend
	pgfts Searcher
	log   zerolog.Logger
}

// Backend is a Searcher that also accepts index writes.
type Backend interface {
	Searcher
	IndexMessages(records []MessageRecord) error
	DeleteMessage(id string) error
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili Backend, pgfts Searcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			metrics.SearchQueries.WithLabelValues("meilisearch").Inc()
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch failed, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	metrics.SearchQueries.WithLabelValues("pgfts").Inc()
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage pushes a plaintext message to Meilisearch without waiting.
func (s *Service) IndexMessage(rec MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() || rec.Text == "" {
		return
	}
	go func() {
		if err := s.meili.IndexMessages([]MessageRecord{rec}); err != nil {
			s.log.Error().Err(err).Str("message_id", rec.ID).Msg("index message")
		}
	}()
}

// DeleteMessage drops a message from the index without waiting.
func (s *Service) DeleteMessage(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(id); err != nil {
			s.log.Error().Err(err).Str("message_id", id).Msg("delete message from index")
		}
	}()
}

// ReindexFromPG loads every plaintext message and pushes it to Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context, pg *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		s.log.Error().Err(err).Msg("reindex messages")
		return
	}
	s.log.Info().Int("messages", len(records)).Msg("reindexed messages")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
