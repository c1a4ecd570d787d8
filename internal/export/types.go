// Package export renders documents with their pending changes to HTML and PDF.
package export

import (
	"errors"
	"time"

	"muse/api/internal/ledger"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for an export operation
type Request struct {
	DocumentID string
	Format     Format
	// IncludeChanges overlays pending suggestions and lists them in an appendix.
	IncludeChanges bool
	// Store uploads the artifact when an ArtifactStore is configured.
	Store bool
}

// Document is the content handed to the exporter.
type Document struct {
	ID        string
	Title     string
	Content   []byte // documentJSON
	Author    string
	UpdatedAt time.Time
	Changes   []ledger.Change
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// ArtifactKey and ArtifactURL are set when the artifact was stored.
	ArtifactKey string
	ArtifactURL string
}

var (
	// ErrContentUnavailable indicates document content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat is returned for formats other than pdf and html.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
