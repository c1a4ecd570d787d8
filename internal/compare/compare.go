// Package compare holds the document comparison overlay: a frozen baseline
// the live document is compared against.
package compare

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"muse/api/internal/doc"
)

// Clearer is the part of the change ledger comparison mode resets.
type Clearer interface {
	Clear()
}

// Mode is the comparison scaffold. While active, callers register the
// differences they derive as ordinary ledger changes.
type Mode struct {
	ledger    Clearer
	baseline  *doc.Document
	label     string
	startedAt time.Time
}

func NewMode(ledger Clearer) *Mode {
	return &Mode{ledger: ledger}
}

// Start records a baseline and clears the ledger. A nil baseline freezes the
// current document. label names where the baseline came from (a version
// hash, "live").
func (m *Mode) Start(current, baseline *doc.Document, label string) {
	if baseline == nil {
		baseline = current.Clone()
		label = "live"
	}
	m.baseline = baseline
	m.label = label
	m.startedAt = time.Now().UTC()
	m.ledger.Clear()
}

// Stop clears baseline and ledger together.
func (m *Mode) Stop() {
	m.baseline = nil
	m.label = ""
	m.startedAt = time.Time{}
	m.ledger.Clear()
}

func (m *Mode) Active() bool { return m.baseline != nil }

func (m *Mode) Baseline() *doc.Document { return m.baseline }

// Status describes the comparison for clients.
type Status struct {
	Active    bool      `json:"active"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

func (m *Mode) Status() Status {
	return Status{Active: m.Active(), Label: m.label, StartedAt: m.startedAt}
}

const (
	KindMoved    = "moved"
	KindModified = "modified"
	KindInserted = "inserted"
	KindDeleted  = "deleted"
)

// BlockChange is one entry of the block-level overview.
type BlockChange struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	BlockID   string `json:"blockId"`
	NodeType  string `json:"nodeType"`
	Snippet   string `json:"snippet"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
	FromIndex int    `json:"fromIndex"`
	ToIndex   int    `json:"toIndex"`
}

type blockNode struct {
	key       string
	blockID   string
	nodeType  string
	text      string
	index     int
	beforeCtx string
	afterCtx  string
}

// Summarize lists top-level blocks that differ between baseline and live,
// keyed by block id. The result is deterministic: sorted by block id, then by
// kind, then by snippet.
func Summarize(baseline, live *doc.Document) []BlockChange {
	fromNodes := topLevelBlocks(baseline)
	toNodes := topLevelBlocks(live)

	fromByKey := make(map[string]blockNode, len(fromNodes))
	for _, node := range fromNodes {
		fromByKey[node.key] = node
	}
	toByKey := make(map[string]blockNode, len(toNodes))
	for _, node := range toNodes {
		toByKey[node.key] = node
	}

	changes := make([]BlockChange, 0)
	for key, fromNode := range fromByKey {
		toNode, exists := toByKey[key]
		switch {
		case !exists:
			changes = append(changes, makeChange(KindDeleted, fromNode, blockNode{index: -1}))
		case fromNode.text != toNode.text || fromNode.nodeType != toNode.nodeType:
			changes = append(changes, makeChange(KindModified, fromNode, toNode))
		case fromNode.index != toNode.index:
			changes = append(changes, makeChange(KindMoved, fromNode, toNode))
		}
	}
	for key, toNode := range toByKey {
		if _, exists := fromByKey[key]; exists {
			continue
		}
		changes = append(changes, makeChange(KindInserted, blockNode{index: -1}, toNode))
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].BlockID != changes[j].BlockID {
			return changes[i].BlockID < changes[j].BlockID
		}
		if changes[i].Kind != changes[j].Kind {
			return kindRank(changes[i].Kind) < kindRank(changes[j].Kind)
		}
		return changes[i].Snippet < changes[j].Snippet
	})
	return changes
}

func topLevelBlocks(d *doc.Document) []blockNode {
	if d == nil {
		return nil
	}
	content := d.Root().Content
	nodes := make([]blockNode, 0, len(content))
	for idx, child := range content {
		if !child.IsContainer() {
			continue
		}
		key := child.BlockID()
		if key == "" {
			key = fmt.Sprintf("%s@%d", child.Type, idx)
		}
		nodes = append(nodes, blockNode{
			key:      key,
			blockID:  child.BlockID(),
			nodeType: child.Type,
			text:     strings.TrimSpace(child.TextContent()),
			index:    idx,
		})
	}
	for idx := range nodes {
		if idx > 0 {
			nodes[idx].beforeCtx = nodes[idx-1].text
		}
		if idx+1 < len(nodes) {
			nodes[idx].afterCtx = nodes[idx+1].text
		}
	}
	return nodes
}

func makeChange(kind string, fromNode, toNode blockNode) BlockChange {
	current := toNode
	if kind == KindDeleted {
		current = fromNode
	}
	blockID := firstNonBlank(current.blockID, current.key)
	snippet := truncateForSnippet(firstNonBlank(current.text, fromNode.text, current.nodeType))
	seed := fmt.Sprintf("%s|%s|%d|%d|%s", kind, blockID, fromNode.index, toNode.index, snippet)
	return BlockChange{
		ID:        "cmp_" + shortHash(seed),
		Kind:      kind,
		BlockID:   blockID,
		NodeType:  current.nodeType,
		Snippet:   snippet,
		Before:    current.beforeCtx,
		After:     current.afterCtx,
		FromIndex: fromNode.index,
		ToIndex:   toNode.index,
	}
}

func kindRank(kind string) int {
	switch kind {
	case KindMoved:
		return 0
	case KindModified:
		return 1
	case KindInserted:
		return 2
	case KindDeleted:
		return 3
	default:
		return 4
	}
}

func truncateForSnippet(value string) string {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	if len(runes) <= 120 {
		return trimmed
	}
	return string(runes[:120]) + "..."
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func shortHash(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}
