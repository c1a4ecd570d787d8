package search

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeIndex struct {
	mu        sync.Mutex
	healthy   bool
	searchErr error
	results   []Result
	documents []DocumentRecord
	added     []SuggestionRecord
	stale     []string
	deleted   []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) IndexDocument(doc DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, doc)
	return nil
}

func (f *fakeIndex) IndexDocuments(documents []DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, documents...)
	return nil
}

func (f *fakeIndex) IndexSuggestion(item SuggestionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, item)
	return nil
}

func (f *fakeIndex) IndexSuggestions(items []SuggestionRecord, stale []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, items...)
	f.stale = append(f.stale, stale...)
	return nil
}

func (f *fakeIndex) DeleteSuggestion(documentID, changeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, SuggestionKey(documentID, changeID))
	return nil
}

type fakeSearcher struct {
	calls   int
	results []Result
	err     error
}

func (f *fakeSearcher) Healthy() bool { return true }

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, results: []Result{{Type: ResultDocument, ID: "doc-1"}}}
	fallback := &fakeSearcher{}
	svc := newService(index, fallback)

	resp := svc.Search(context.Background(), Query{Text: "hello"})
	if resp.Total != 1 || resp.Results[0].ID != "doc-1" || resp.Query != "hello" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not run, got %d calls", fallback.calls)
	}
}

func TestSearchFallsBack(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{Type: ResultSuggestion, ID: "doc-1__c1"}}}

	unhealthy := newService(&fakeIndex{healthy: false}, fallback)
	if resp := unhealthy.Search(context.Background(), Query{Text: "x"}); resp.Total != 1 {
		t.Fatalf("expected fallback results, got %+v", resp)
	}

	failing := newService(&fakeIndex{healthy: true, searchErr: errors.New("boom")}, fallback)
	if resp := failing.Search(context.Background(), Query{Text: "x"}); resp.Total != 1 {
		t.Fatalf("expected fallback after index error, got %+v", resp)
	}
	if fallback.calls != 2 {
		t.Fatalf("expected 2 fallback calls, got %d", fallback.calls)
	}

	broken := newService(nil, &fakeSearcher{err: errors.New("db down")})
	resp := broken.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}

	none := NewService(nil, nil)
	if resp := none.Search(context.Background(), Query{Text: "x"}); resp.Results == nil {
		t.Fatal("expected non-nil results without backends")
	}
}

func TestIndexSuggestionsRemovesStale(t *testing.T) {
	index := &fakeIndex{healthy: true}
	svc := newService(index, nil)

	svc.IndexSuggestions("doc-1", []SuggestionRecord{{ChangeID: "c1"}, {ChangeID: "c2"}})
	svc.Wait()
	svc.IndexSuggestions("doc-1", []SuggestionRecord{{ChangeID: "c2"}, {ChangeID: "c3"}})
	svc.Wait()

	if !reflect.DeepEqual(index.stale, []string{"doc-1__c1"}) {
		t.Fatalf("unexpected stale keys %v", index.stale)
	}
	if len(index.added) != 4 || index.added[0].ID != "doc-1__c1" || index.added[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected added records %+v", index.added)
	}

	svc.DeleteSuggestion("doc-1", "c2")
	svc.Wait()
	svc.IndexSuggestions("doc-1", nil)
	svc.Wait()
	if !reflect.DeepEqual(index.deleted, []string{"doc-1__c2"}) {
		t.Fatalf("unexpected deleted keys %v", index.deleted)
	}
	if !reflect.DeepEqual(index.stale, []string{"doc-1__c1", "doc-1__c3"}) {
		t.Fatalf("unexpected stale keys after clear %v", index.stale)
	}
}

func TestWritesSkippedWhenIndexUnhealthy(t *testing.T) {
	index := &fakeIndex{healthy: false}
	svc := newService(index, nil)
	svc.IndexDocument(DocumentRecord{ID: "doc-1"})
	svc.IndexSuggestion(SuggestionRecord{DocumentID: "doc-1", ChangeID: "c1"})
	svc.Wait()
	if len(index.documents) != 0 || len(index.added) != 0 {
		t.Fatalf("expected no writes, got %+v %+v", index.documents, index.added)
	}
}

func TestSuggestionKey(t *testing.T) {
	if got := SuggestionKey("doc-1", "chg_abc"); got != "doc-1__chg_abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := SuggestionKey("doc 1", "s.1/é"); got != "doc-1__s-1--" {
		t.Fatalf("unexpected sanitized key %q", got)
	}
}

func TestBuildQueries(t *testing.T) {
	all := buildQueries(Query{Text: "cat"})
	if len(all) != 2 || all[0].IndexUID != idxDocuments || all[1].IndexUID != idxSuggestions {
		t.Fatalf("unexpected queries %+v", all)
	}
	if all[0].Limit != 20 || all[0].Query != "cat" || all[0].Filter != nil {
		t.Fatalf("unexpected defaults %+v", all[0])
	}

	filtered := buildQueries(Query{Text: "cat", FilterType: ResultSuggestion, FilterDocumentID: "doc-1", Limit: 5})
	if len(filtered) != 1 || filtered[0].Limit != 5 {
		t.Fatalf("unexpected filtered queries %+v", filtered)
	}
	filter, ok := filtered[0].Filter.([]string)
	if !ok || len(filter) != 1 || filter[0] != `documentId = "doc-1"` {
		t.Fatalf("unexpected filter %#v", filtered[0].Filter)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"doc-1__c1"`),
		"documentId": json.RawMessage(`"doc-1"`),
		"changeId":   json.RawMessage(`"c1"`),
		"type":       json.RawMessage(`"insert"`),
		"newContent": json.RawMessage(`"brave cat"`),
		"_formatted": json.RawMessage(`{"newContent":"brave <mark>cat</mark>","oldContent":""}`),
	}
	got := hitToResult(hit, ResultSuggestion)
	if got.DocumentID != "doc-1" || got.ChangeID != "c1" || got.ChangeType != "insert" || got.Snippet != "brave <mark>cat</mark>" {
		t.Fatalf("unexpected result %+v", got)
	}

	doc := hitToResult(meili.Hit{
		"id":        json.RawMessage(`"doc-2"`),
		"title":     json.RawMessage(`"Plan"`),
		"plainText": json.RawMessage(`"text"`),
	}, ResultDocument)
	if doc.DocumentID != "doc-2" || doc.Title != "Plan" || doc.Snippet != "text" {
		t.Fatalf("unexpected document result %+v", doc)
	}
}

func TestBuildSQL(t *testing.T) {
	countSQL, dataSQL, args := buildSQL(Query{Text: "cat", FilterDocumentID: "doc-1", Limit: 7, Offset: 3})
	if len(args) != 2 || args[1] != "doc-1" {
		t.Fatalf("unexpected args %v", args)
	}
	for _, want := range []string{"d.id = $2", "s.document_id = $2", "UNION ALL"} {
		if !strings.Contains(dataSQL, want) || !strings.Contains(countSQL, want) {
			t.Fatalf("expected %q in both statements:\n%s", want, dataSQL)
		}
	}
	if !strings.Contains(dataSQL, "LIMIT 7 OFFSET 3") {
		t.Fatalf("unexpected paging in %s", dataSQL)
	}

	_, docsOnly, args := buildSQL(Query{Text: "cat", FilterType: ResultDocument})
	if len(args) != 1 || strings.Contains(docsOnly, "FROM suggestions") {
		t.Fatalf("unexpected document-only statement %s", docsOnly)
	}
}
