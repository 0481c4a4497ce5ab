package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries the primary engine first and falls back
// to Postgres full-text search.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	loader   recordLoader
	logger   *zap.Logger
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ResourceRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.primary, s.indexer = meili, meili
	}
	if pgfts != nil {
		s.fallback, s.loader = pgfts, pgfts
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return s.respond(q, results, total, "meilisearch")
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return s.respond(q, nil, 0, "none")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres full-text search failed", zap.Error(err))
		return s.respond(q, nil, 0, "postgres")
	}
	return s.respond(q, results, total, "postgres")
}

func (s *Service) respond(q Query, results []Result, total int, engine string) Response {
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if q.visible(r) {
			filtered = append(filtered, r)
		}
	}
	return Response{Results: filtered, Total: total, Query: q.Text, Engine: engine}
}

func (s *Service) primaryUp() bool {
	return s.indexer != nil && s.primary != nil && s.primary.Healthy()
}

// IndexResource pushes one resource to the index in the background.
func (s *Service) IndexResource(rec ResourceRecord) {
	if !s.primaryUp() {
		return
	}
	go func() {
		if err := s.indexer.IndexResources([]ResourceRecord{rec}); err != nil {
			s.logger.Warn("index resource", zap.String("resource_id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteResource removes a resource from the index in the background.
func (s *Service) DeleteResource(id string) {
	if !s.primaryUp() {
		return
	}
	go func() {
		if err := s.indexer.DeleteResource(id); err != nil {
			s.logger.Warn("delete resource from index", zap.String("resource_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll loads every resource from Postgres and pushes it to the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.primaryUp() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.indexer.IndexResources(records); err != nil {
		s.logger.Warn("reindex resources", zap.Error(err))
		return
	}
	s.logger.Info("reindexed resources", zap.Int("count", len(records)))
}
