package editor

import (
	"context"
	"encoding/json"

	"muse/api/internal/doc"
	"muse/api/internal/ledger"
	"muse/api/internal/mapping"
)

// Edit is one transaction against the shared document. Steps address the
// document as it stands when the edit is applied; marks address the document
// after the steps.
type Edit struct {
	Origin string         `json:"origin,omitempty"`
	Steps  []doc.Step     `json:"steps"`
	Marks  []doc.MarkStep `json:"marks,omitempty"`
}

// Provider is the collaborative sync backend. It owns merging between
// writers; the session only sees edits that are ready to apply.
type Provider interface {
	InitialContent(ctx context.Context) (json.RawMessage, error)
	ApplyLocalEdit(ctx context.Context, edit Edit) error
	// Subscribe registers fn for remote edits and returns the cancel func.
	Subscribe(fn func(Edit)) func()
}

type EventType string

const (
	EventReady          EventType = "ready"
	EventContentReset   EventType = "contentReset"
	EventEdit           EventType = "edit"
	EventChangesUpdated EventType = "changesUpdated"
	EventChangesDropped EventType = "changesDropped"
	EventDecision       EventType = "decision"
	EventCompare        EventType = "compare"
	EventSelection      EventType = "selection"
)

// Event is published to observers after the session lock is released, in
// the order the mutations happened.
type Event struct {
	Type     EventType        `json:"type"`
	Version  uint64           `json:"version"`
	Local    bool             `json:"local,omitempty"`
	Edit     *Edit            `json:"edit,omitempty"`
	Mapping  *mapping.Mapping `json:"-"`
	Changes  []ledger.Change  `json:"changes,omitempty"`
	Decision *ledger.Decision `json:"decision,omitempty"`
	Selected string           `json:"selected,omitempty"`
}

type Observer func(Event)
