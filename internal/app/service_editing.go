package app

import (
	"context"
	"fmt"
	"strings"

	"muse/api/internal/compare"
	"muse/api/internal/doc"
	"muse/api/internal/editor"
	"muse/api/internal/gitrepo"
	"muse/api/internal/ledger"
)

const defaultHistoryLimit = 50

// ApplyEdit applies a client transaction to the document.
func (s *Service) ApplyEdit(ctx context.Context, documentID, userName string, edit editor.Edit) (map[string]any, error) {
	if len(edit.Steps) == 0 && len(edit.Marks) == 0 {
		return nil, validationError("edit has no steps")
	}
	var snapshot editor.Snapshot
	err := s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		if _, err := session.ApplyLocalEdit(edit); err != nil {
			return err
		}
		snapshot = session.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": snapshot.Version, "changes": snapshot.Changes}, nil
}

func (s *Service) Suggestions(ctx context.Context, documentID string) (map[string]any, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snapshot := ds.editor.Snapshot()
	return map[string]any{
		"documentId": documentID,
		"changes":    snapshot.Changes,
		"selected":   snapshot.Selected,
		"compare":    snapshot.Compare,
	}, nil
}

// Propose writes a suggestion into the document and tracks it.
func (s *Service) Propose(ctx context.Context, documentID, userName string, proposal editor.Proposal) (ledger.Change, error) {
	var change ledger.Change
	err := s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		var err error
		change, err = session.Propose(proposal)
		return err
	})
	return change, err
}

func (s *Service) Decide(ctx context.Context, documentID, changeID, userName string, outcome ledger.Outcome) error {
	return s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		if outcome == ledger.OutcomeAccepted {
			return session.AcceptOne(changeID)
		}
		return session.RejectOne(changeID)
	})
}

// DecideAll accepts or rejects every pending suggestion and reports how many
// were decided.
func (s *Service) DecideAll(ctx context.Context, documentID, userName string, outcome ledger.Outcome) (int, error) {
	var decided int
	err := s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		var err error
		if outcome == ledger.OutcomeAccepted {
			decided, err = session.AcceptAll()
		} else {
			decided, err = session.RejectAll()
		}
		return err
	})
	return decided, err
}

// GenerateInput carries host-supplied generated text. The text is streamed
// into the document word by word.
type GenerateInput struct {
	Text    string `json:"text"`
	At      int    `json:"at"`
	Preview bool   `json:"preview"`
	Model   string `json:"model"`
	RuleID  string `json:"ruleId"`
}

func (s *Service) Generate(ctx context.Context, documentID, userName string, input GenerateInput) (editor.GenerateResult, error) {
	if strings.TrimSpace(input.Text) == "" {
		return editor.GenerateResult{}, validationError("text is required")
	}
	var result editor.GenerateResult
	err := s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		var err error
		result, err = session.Generate(ctx, wordSource(input.Text), editor.GenerateRequest{
			At:      input.At,
			Preview: input.Preview,
			Model:   input.Model,
			RuleID:  input.RuleID,
		})
		return err
	})
	return result, err
}

// StopGeneration halts a running generation. The chunk in flight still
// lands.
func (s *Service) StopGeneration(ctx context.Context, documentID string) (bool, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return false, err
	}
	return ds.editor.Stop(), nil
}

// wordSource splits text into chunks that keep their trailing whitespace.
func wordSource(text string) editor.Source {
	return editor.SourceFunc(func(ctx context.Context, _ string) (<-chan editor.Chunk, error) {
		out := make(chan editor.Chunk)
		go func() {
			defer close(out)
			for _, word := range splitKeepSpace(text) {
				select {
				case out <- editor.Chunk{Text: word}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

func splitKeepSpace(text string) []string {
	var words []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			words = append(words, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		words = append(words, text[start:])
	}
	return words
}

// StartCompare compares the live document against a saved version, or
// against its current state when hash is empty.
func (s *Service) StartCompare(ctx context.Context, documentID, hash, userName string) (map[string]any, error) {
	var baseline *doc.Document
	label := ""
	if hash = strings.TrimSpace(hash); hash != "" {
		snapshot, commit, err := s.git.GetSnapshotByHash(documentID, hash)
		if err != nil {
			return nil, err
		}
		baseline, err = doc.Parse(snapshot.Doc)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", commit.Hash, err)
		}
		label = commit.Hash
	}
	err := s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		return session.StartComparing(baseline, label)
	})
	if err != nil {
		return nil, err
	}
	return s.CompareStatus(ctx, documentID)
}

func (s *Service) StopCompare(ctx context.Context, documentID, userName string) error {
	return s.mutate(ctx, documentID, userName, func(session *editor.Session) error {
		return session.StopComparing()
	})
}

func (s *Service) CompareStatus(ctx context.Context, documentID string) (map[string]any, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return nil, err
	}
	blocks := ds.editor.CompareSummary()
	if blocks == nil {
		blocks = []compare.BlockChange{}
	}
	return map[string]any{
		"status": ds.editor.CompareStatus(),
		"blocks": blocks,
	}, nil
}

// SaveVersion commits the current content and, when name is set, tags the
// commit with it.
func (s *Service) SaveVersion(ctx context.Context, documentID, name, userName string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	tag := tagName(name)
	if name != "" && tag == "" {
		return nil, validationError("version name needs a letter or digit")
	}
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ds.ops.Lock()
	defer ds.ops.Unlock()
	if err := s.flush(ctx, ds); err != nil {
		return nil, err
	}

	title, _ := ds.meta()
	snapshot := gitrepo.Snapshot{Title: title, Doc: ds.editor.Content()}
	if err := s.git.EnsureDocumentRepo(documentID, snapshot, userName); err != nil {
		return nil, err
	}
	message := "Save version"
	if name != "" {
		message = "Save version: " + name
	}
	commit, err := s.git.CommitSnapshot(documentID, snapshot, userName, message)
	if err != nil {
		return nil, err
	}
	if tag != "" {
		if err := s.git.CreateTag(documentID, commit.FullHash, tag, userName); err != nil {
			return nil, err
		}
	}
	return map[string]any{"commit": commit, "name": name, "tag": tag}, nil
}

// tagName turns a version label into a valid git tag name.
func tagName(label string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-.")
}

func (s *Service) History(ctx context.Context, documentID string, limit int) (map[string]any, error) {
	if _, err := s.session(ctx, documentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	commits, err := s.git.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	versions, err := s.git.NamedVersions(documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId":    documentID,
		"commits":       commits,
		"namedVersions": versions,
	}, nil
}
