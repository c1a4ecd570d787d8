package search

import (
	"context"
	"strings"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument   ResultType = "document"
	ResultSuggestion ResultType = "suggestion"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	ChangeID   string     `json:"changeId,omitempty"`
	ChangeType string     `json:"changeType,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PlainText string `json:"plainText"`
}

// SuggestionRecord is the data we index for a pending suggestion.
type SuggestionRecord struct {
	ID         string `json:"id"`
	ChangeID   string `json:"changeId"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	NewContent string `json:"newContent"`
	OldContent string `json:"oldContent"`
	Model      string `json:"model"`
}

// SuggestionKey is the index primary key of a suggestion. Change ids are
// only unique within their document, and host-supplied ids may carry
// characters Meilisearch rejects in a primary key.
func SuggestionKey(documentID, changeID string) string {
	return keySafe(documentID) + "__" + keySafe(changeID)
}

func keySafe(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, value)
}
