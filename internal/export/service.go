package export

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"path"
	"time"

	"muse/api/internal/doc"
)

// Source loads the current content and pending changes of a document.
type Source interface {
	ExportSource(ctx context.Context, documentID string) (Document, error)
}

// Service provides document export functionality
type Service struct {
	source    Source
	artifacts ArtifactStore
	pdf       func(ctx context.Context, html, title string) (*Result, error)
	now       func() time.Time
}

// NewService creates a new export service. artifacts may be nil.
func NewService(source Source, artifacts ArtifactStore) *Service {
	return &Service{source: source, artifacts: artifacts, pdf: exportPDF, now: time.Now}
}

// Export renders the document in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatPDF
	}
	if req.Format != FormatPDF && req.Format != FormatHTML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	source, err := s.source.ExportSource(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	content, err := doc.Parse(source.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:     source.Title,
		Author:    source.Author,
		UpdatedAt: source.UpdatedAt,
	}
	if req.IncludeChanges {
		data.ContentHTML = template.HTML(Render(content, source.Changes))
		for _, c := range source.Changes {
			data.Changes = append(data.Changes, TemplateChange{
				ID:         c.ID,
				Type:       string(c.Type),
				NewContent: c.NewContent,
				OldContent: c.OldContent,
				Model:      c.Model,
			})
		}
	} else {
		data.ContentHTML = template.HTML(Render(content, nil))
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatPDF:
		result, err = s.pdf(ctx, html, source.Title)
		if err != nil {
			return nil, err
		}
	case FormatHTML:
		result = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(source.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	}

	if req.Store && s.artifacts != nil {
		key := path.Join(req.DocumentID, fmt.Sprintf("%d-%s", s.now().UTC().Unix(), result.Filename))
		link, err := s.artifacts.Put(ctx, key, result.Data, result.MimeType)
		if err != nil {
			log.Printf("export: store artifact %s: %v", key, err)
		} else {
			result.ArtifactKey = key
			result.ArtifactURL = link
		}
	}
	return result, nil
}
