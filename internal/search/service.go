package search

import (
	"context"
	"log"
	"strings"

	"maqlexpress/api/internal/store"
)

// Fallback is the substring search used when Meilisearch is unavailable.
type Fallback interface {
	SearchVariables(ctx context.Context, pidID, query string, limit int) ([]store.Variable, error)
}

// Service prefers Meilisearch and falls back to Postgres.
type Service struct {
	engine   engine
	fallback Fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, fallback Fallback) *Service {
	s := &Service{fallback: fallback}
	if m != nil {
		s.engine = m
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	if s.fallback == nil || q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text, Engine: "postgres"}
	}
	vars, err := s.fallback.SearchVariables(ctx, q.PIDID, q.Text, q.Limit)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: "postgres"}
	}
	results := make([]Result, 0, len(vars))
	for _, v := range vars {
		if q.Type != "" && v.Type != q.Type {
			continue
		}
		results = append(results, Result{Record: RecordFromVariable(v)})
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Engine: "postgres"}
}

// IndexVariables pushes variables to the index in the background.
func (s *Service) IndexVariables(vars []store.Variable) {
	if s.engine == nil || !s.engine.Healthy() || len(vars) == 0 {
		return
	}
	records := RecordsFromVariables(vars)
	go func() {
		if err := s.engine.IndexRecords(records); err != nil {
			log.Printf("search: index %d variables: %v", len(records), err)
		}
	}()
}

// DeleteVariables removes variables from the index in the background.
func (s *Service) DeleteVariables(ids []string) {
	if s.engine == nil || !s.engine.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.engine.DeleteRecords(ids); err != nil {
			log.Printf("search: delete %d variables: %v", len(ids), err)
		}
	}()
}

// Reindex synchronously pushes every variable of a PID, for startup backfill.
func (s *Service) Reindex(vars []store.Variable) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	if err := s.engine.IndexRecords(RecordsFromVariables(vars)); err != nil {
		log.Printf("search: reindex: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
