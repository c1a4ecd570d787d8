package editor

import (
	"context"
	"fmt"
	"log"

	"muse/api/internal/doc"
	"muse/api/internal/ledger"
	"muse/api/internal/mapping"
)

// Chunk is one piece of generated text. A chunk with Err ends the stream.
type Chunk struct {
	Text string
	Err  error
}

// Source produces generated content. A single-result backend returns a
// stream with one chunk.
type Source interface {
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, prompt string) (<-chan Chunk, error)

func (f SourceFunc) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	return f(ctx, prompt)
}

// Single wraps a complete result as a one-chunk stream.
func Single(text string) Source {
	return SourceFunc(func(context.Context, string) (<-chan Chunk, error) {
		ch := make(chan Chunk, 1)
		ch <- Chunk{Text: text}
		close(ch)
		return ch, nil
	})
}

type GenerateRequest struct {
	Prompt string `json:"prompt"`
	// At is the insertion point when generation starts.
	At int `json:"at"`
	// Preview registers the generated span as one insert suggestion.
	Preview bool   `json:"preview"`
	Model   string `json:"model,omitempty"`
	RuleID  string `json:"ruleId,omitempty"`
}

type GenerateResult struct {
	From    int            `json:"from"`
	To      int            `json:"to"`
	Chunks  int            `json:"chunks"`
	Stopped bool           `json:"stopped"`
	Change  *ledger.Change `json:"change,omitempty"`
}

type generation struct {
	stopped bool
	cancel  context.CancelFunc
}

func (g *generation) stopLocked() {
	g.stopped = true
	g.cancel()
}

// Generate streams content from src into the document. Each chunk is
// inserted at a cursor that follows concurrent edits, so chunks land where
// the previous one ended in the document as it stands on arrival. After Stop
// no further chunk is inserted; a chunk already being inserted completes.
func (s *Session) Generate(ctx context.Context, src Source, req GenerateRequest) (GenerateResult, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return GenerateResult{}, ErrClosed
	}
	if s.generation != nil {
		s.mu.Unlock()
		return GenerateResult{}, ErrGenerationActive
	}
	if req.At < 0 || req.At > s.doc.Size() {
		s.mu.Unlock()
		return GenerateResult{}, fmt.Errorf("%w: position %d", doc.ErrInvalidRange, req.At)
	}
	gen := &generation{cancel: cancel}
	s.generation = gen
	start := s.trackLocked(req.At, mapping.BiasLeft)
	cursor := s.trackLocked(req.At, mapping.BiasRight)
	s.mu.Unlock()

	result := GenerateResult{}
	streamErr := s.consume(genCtx, src, req.Prompt, gen, cursor, &result)

	s.mu.Lock()
	result.From = s.untrackLocked(start)
	result.To = s.untrackLocked(cursor)
	result.Stopped = gen.stopped
	if s.generation == gen {
		s.generation = nil
	}
	var err error
	if req.Preview && result.To > result.From && !s.closed {
		change, addErr := s.ledger.Add(ledger.Change{
			Type:       ledger.TypeInsert,
			From:       result.From,
			To:         result.To,
			NewContent: s.doc.TextBetween(result.From, result.To, "\n"),
			Model:      req.Model,
			RuleID:     req.RuleID,
		})
		if addErr != nil {
			err = addErr
		} else {
			result.Change = &change
			s.emitLocked(Event{Type: EventChangesUpdated, Changes: s.ledger.Changes()})
		}
	}
	s.mu.Unlock()
	s.dispatch()

	if streamErr != nil {
		return result, streamErr
	}
	return result, err
}

func (s *Session) consume(ctx context.Context, src Source, prompt string, gen *generation, cursor int, result *GenerateResult) error {
	stream, err := src.Stream(ctx, prompt)
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}
	for chunk := range stream {
		if chunk.Err != nil {
			return fmt.Errorf("generation stream: %w", chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		s.mu.Lock()
		if gen.stopped || s.closed {
			s.mu.Unlock()
			// Let the producer observe cancellation; remaining chunks are discarded.
			continue
		}
		t, ok := s.tracked[cursor]
		if !ok {
			// The document was replaced underneath the generation.
			gen.stopLocked()
			s.mu.Unlock()
			continue
		}
		_, applyErr := s.applyLocked(Edit{Steps: []doc.Step{doc.Insert(t.pos, chunk.Text)}}, true)
		if applyErr == nil {
			result.Chunks++
		}
		s.mu.Unlock()
		s.dispatch()
		if applyErr != nil {
			log.Printf("editor: %s: generated chunk dropped: %v", s.id, applyErr)
		}
	}
	return nil
}

// Stop ends the running generation. It reports whether one was running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == nil || s.generation.stopped {
		return false
	}
	s.generation.stopLocked()
	return true
}

// Generating reports whether a generation is running.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != nil
}
