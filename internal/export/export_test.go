package export

import (
	"context"
	"errors"
	"html/template"
	"strings"
	"testing"
	"time"

	"muse/api/internal/doc"
	"muse/api/internal/ledger"
)

func mustParse(t *testing.T, raw string) *doc.Document {
	t.Helper()
	d, err := doc.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestRenderBlocks(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple paragraph",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello world"}]}]}`,
			expected: "<p>Hello world</p>",
		},
		{
			name:     "heading with level and block id",
			input:    `{"type":"doc","content":[{"type":"heading","attrs":{"level":2,"blockId":"h1"},"content":[{"type":"text","text":"Section Title"}]}]}`,
			expected: `<h2 data-block-id="h1">Section Title</h2>`,
		},
		{
			name:     "bold and italic text",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Bold and italic","marks":[{"type":"bold"},{"type":"italic"}]}]}]}`,
			expected: "<strong><em>Bold and italic</em></strong>",
		},
		{
			name:     "bullet list",
			input:    `{"type":"doc","content":[{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"Item 1"}]}]}]}]}`,
			expected: "<ul><li><p>Item 1</p>\n</li>\n</ul>",
		},
		{
			name:     "code block escapes once",
			input:    `{"type":"doc","content":[{"type":"codeBlock","content":[{"type":"text","text":"a < b"}]}]}`,
			expected: "<pre><code>a &lt; b</code></pre>",
		},
		{
			name:     "leaves",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a"},{"type":"hardBreak"},{"type":"text","text":"b"}]},{"type":"horizontalRule"}]}`,
			expected: "<p>a<br>b</p>\n<hr>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Render(mustParse(t, tt.input), nil)
			if !strings.Contains(result, tt.expected) {
				t.Errorf("Render() = %q, want it to contain %q", result, tt.expected)
			}
		})
	}
}

func TestRenderPendingChanges(t *testing.T) {
	d := mustParse(t, `{"type":"doc","content":[{"type":"paragraph","attrs":{"blockId":"p1"},"content":[{"type":"text","text":"Hello brave world"}]}]}`)
	changes := []ledger.Change{
		{ID: "c2", Type: ledger.TypeDelete, From: 13, To: 18, OldContent: "world", Status: ledger.StatusProposed},
		{ID: "c1", Type: ledger.TypeInsert, From: 7, To: 13, NewContent: "brave ", Status: ledger.StatusProposed},
	}
	got := Render(d, changes)
	want := `<p data-block-id="p1">Hello <ins class="change change-insert" data-change-id="c1">brave </ins>` +
		`<del class="change change-delete" data-change-id="c2">world</del></p>`
	if strings.TrimSpace(got) != want {
		t.Fatalf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderReplaceShowsOldContent(t *testing.T) {
	d := mustParse(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hi cat"}]}]}`)
	changes := []ledger.Change{{ID: "r1", Type: ledger.TypeReplace, From: 4, To: 7, NewContent: "cat", OldContent: "dog"}}
	got := Render(d, changes)
	want := `Hi <del class="change change-replace" data-change-id="r1">dog</del><ins class="change change-replace" data-change-id="r1">cat</ins>`
	if !strings.Contains(got, want) {
		t.Fatalf("Render() = %q, want it to contain %q", got, want)
	}
}

func TestRenderKeepsMarksAcrossCuts(t *testing.T) {
	d := mustParse(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello","marks":[{"type":"bold"}]}]}]}`)
	got := Render(d, []ledger.Change{{ID: "c1", Type: ledger.TypeInsert, From: 1, To: 3, NewContent: "He"}})
	want := `<ins class="change change-insert" data-change-id="c1"><strong>He</strong></ins><strong>llo</strong>`
	if !strings.Contains(got, want) {
		t.Fatalf("Render() = %q, want it to contain %q", got, want)
	}
}

func TestRenderSkipsDecidedChanges(t *testing.T) {
	d := mustParse(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]}]}`)
	got := Render(d, []ledger.Change{{ID: "c1", Type: ledger.TypeInsert, From: 1, To: 3, NewContent: "He", Status: ledger.StatusAccepted}})
	if strings.Contains(got, "<ins") {
		t.Fatalf("decided change rendered: %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	data := TemplateData{
		Title:       "Test Document",
		ContentHTML: template.HTML("<p>This is the content.</p>"),
		Author:      "Test Author",
		UpdatedAt:   time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		Changes: []TemplateChange{
			{ID: "c1", Type: "replace", NewContent: "new <b>", OldContent: "old"},
		},
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}
	for _, want := range []string{"Test Document", "Test Author", "Mar 4, 2026", "Pending changes", "<p>This is the content.</p>", "new &lt;b&gt;"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
}

type fakeSource struct {
	doc Document
	err error
}

func (f fakeSource) ExportSource(context.Context, string) (Document, error) {
	return f.doc, f.err
}

type fakeArtifacts struct {
	keys []string
	err  error
}

func (f *fakeArtifacts) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://files.example/" + key, nil
}

func testDocument() Document {
	return Document{
		ID:      "doc-1",
		Title:   "Quarterly Plan",
		Content: []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello brave world"}]}]}`),
		Changes: []ledger.Change{{ID: "c1", Type: ledger.TypeInsert, From: 7, To: 13, NewContent: "brave "}},
	}
}

func TestServiceExportHTML(t *testing.T) {
	artifacts := &fakeArtifacts{}
	svc := NewService(fakeSource{doc: testDocument()}, artifacts)
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML, IncludeChanges: true, Store: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Quarterly-Plan.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(string(result.Data), `data-change-id="c1"`) {
		t.Fatalf("pending change missing from export: %s", result.Data)
	}
	if result.ArtifactKey != "doc-1/1700000000-Quarterly-Plan.html" || result.ArtifactURL == "" {
		t.Fatalf("unexpected artifact %q %q", result.ArtifactKey, result.ArtifactURL)
	}

	plain, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() plain error = %v", err)
	}
	if strings.Contains(string(plain.Data), "<ins") || plain.ArtifactKey != "" {
		t.Fatalf("unexpected overlay or artifact in plain export")
	}
}

func TestServiceExportPDFUsesRenderer(t *testing.T) {
	svc := NewService(fakeSource{doc: testDocument()}, nil)
	var gotHTML string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || !strings.Contains(gotHTML, "Hello brave world") {
		t.Fatalf("unexpected pdf export %+v", result)
	}
}

func TestServiceExportErrors(t *testing.T) {
	svc := NewService(fakeSource{doc: testDocument()}, nil)
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	bad := testDocument()
	bad.Content = []byte(`{"type":"paragraph"}`)
	svc = NewService(fakeSource{doc: bad}, nil)
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML}); !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}

	missing := errors.New("no such document")
	svc = NewService(fakeSource{err: missing}, nil)
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML}); !errors.Is(err, missing) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}

	artifacts := &fakeArtifacts{err: errors.New("bucket gone")}
	svc = NewService(fakeSource{doc: testDocument()}, artifacts)
	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML, Store: true})
	if err != nil || result.ArtifactKey != "" {
		t.Fatalf("artifact failure should not fail export: %+v %v", result, err)
	}
}
