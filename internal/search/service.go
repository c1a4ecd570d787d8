package search

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Index is the primary search backend that can also be written to.
type Index interface {
	Searcher
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(documents []DocumentRecord) error
	IndexSuggestion(item SuggestionRecord) error
	IndexSuggestions(items []SuggestionRecord, stale []string) error
	DeleteSuggestion(documentID, changeID string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher

	mu      sync.Mutex
	indexed map[string]map[string]struct{} // document id -> suggestion keys
	wg      sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	var index Index
	if meili != nil {
		index = meili
	}
	var fallback Searcher
	if pgfts != nil {
		fallback = pgfts
	}
	return newService(index, fallback)
}

func newService(index Index, fallback Searcher) *Service {
	return &Service{
		index:    index,
		fallback: fallback,
		indexed:  make(map[string]map[string]struct{}),
	}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document (fire-and-forget).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.indexReady() {
		return
	}
	s.async(func() {
		if err := s.index.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	})
}

// IndexSuggestion indexes one pending suggestion (fire-and-forget).
func (s *Service) IndexSuggestion(item SuggestionRecord) {
	if !s.indexReady() {
		return
	}
	item.ID = SuggestionKey(item.DocumentID, item.ChangeID)
	s.remember(item.DocumentID, item.ID)
	s.async(func() {
		if err := s.index.IndexSuggestion(item); err != nil {
			log.Printf("search: index suggestion %s: %v", item.ID, err)
		}
	})
}

// IndexSuggestions makes the index hold exactly items for documentID:
// suggestions indexed earlier for the document and missing from items are
// removed.
func (s *Service) IndexSuggestions(documentID string, items []SuggestionRecord) {
	if !s.indexReady() {
		return
	}
	current := make(map[string]struct{}, len(items))
	records := make([]SuggestionRecord, 0, len(items))
	for _, item := range items {
		item.DocumentID = documentID
		item.ID = SuggestionKey(documentID, item.ChangeID)
		current[item.ID] = struct{}{}
		records = append(records, item)
	}

	s.mu.Lock()
	var stale []string
	for key := range s.indexed[documentID] {
		if _, ok := current[key]; !ok {
			stale = append(stale, key)
		}
	}
	s.indexed[documentID] = current
	s.mu.Unlock()
	sort.Strings(stale)

	s.async(func() {
		if err := s.index.IndexSuggestions(records, stale); err != nil {
			log.Printf("search: index suggestions for %s: %v", documentID, err)
		}
	})
}

// DeleteSuggestion removes a decided suggestion from the index (fire-and-forget).
func (s *Service) DeleteSuggestion(documentID, changeID string) {
	if !s.indexReady() {
		return
	}
	key := SuggestionKey(documentID, changeID)
	s.mu.Lock()
	delete(s.indexed[documentID], key)
	s.mu.Unlock()
	s.async(func() {
		if err := s.index.DeleteSuggestion(documentID, changeID); err != nil {
			log.Printf("search: delete suggestion %s: %v", key, err)
		}
	})
}

// ReindexAllFromPG pushes every document and pending suggestion stored in
// PostgreSQL into the index.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if !s.indexReady() || pgfts == nil {
		return
	}
	documents, suggestions, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
	byDocument := make(map[string][]SuggestionRecord)
	for _, item := range suggestions {
		byDocument[item.DocumentID] = append(byDocument[item.DocumentID], item)
	}
	for documentID, items := range byDocument {
		s.IndexSuggestions(documentID, items)
	}
}

// Wait blocks until queued index writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) remember(documentID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.indexed[documentID]
	if !ok {
		keys = make(map[string]struct{})
		s.indexed[documentID] = keys
	}
	keys[key] = struct{}{}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
