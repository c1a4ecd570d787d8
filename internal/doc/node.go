// Package doc holds the hierarchical document model and its flat position
// space.
//
// Sizes follow the usual rich-text convention: a text run contributes one
// unit per character, a leaf node (hard break, rule, image) contributes one
// unit, and every other container contributes its content plus an opening and
// a closing token. The root contributes only its content, so positions run
// from 0 to Document.Size().
package doc

import (
	"reflect"
	"strings"
	"unicode/utf8"
)

const (
	TypeDoc  = "doc"
	TypeText = "text"

	// AttrBlockID is the attribute carrying a block's stable identifier.
	AttrBlockID = "blockId"
)

var leafTypes = map[string]struct{}{
	"hardBreak":      {},
	"horizontalRule": {},
	"image":          {},
}

// Kind classifies a node by how it contributes to the position space.
type Kind int

const (
	KindText Kind = iota
	KindLeaf
	KindContainer
)

// Mark is inline formatting or metadata attached to a text run.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node is a ProseMirror-shaped content node.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// NewText builds a text run.
func NewText(text string, marks ...Mark) *Node {
	return &Node{Type: TypeText, Text: text, Marks: marks}
}

// NewBlock builds a container node.
func NewBlock(nodeType string, children ...*Node) *Node {
	return &Node{Type: nodeType, Content: children}
}

// WithBlockID sets the block id attribute and returns the node.
func (n *Node) WithBlockID(id string) *Node {
	n.SetAttr(AttrBlockID, id)
	return n
}

func (n *Node) Kind() Kind {
	if n.Type == TypeText {
		return KindText
	}
	if _, ok := leafTypes[n.Type]; ok {
		return KindLeaf
	}
	return KindContainer
}

func (n *Node) IsText() bool { return n.Kind() == KindText }

func (n *Node) IsContainer() bool { return n.Kind() == KindContainer }

// Size is the node's contribution to the flat position space of its parent.
func (n *Node) Size() int {
	switch n.Kind() {
	case KindText:
		return utf8.RuneCountInString(n.Text)
	case KindLeaf:
		return 1
	default:
		return n.ContentSize() + 2
	}
}

// ContentSize is the sum of the children's sizes.
func (n *Node) ContentSize() int {
	size := 0
	for _, child := range n.Content {
		size += child.Size()
	}
	return size
}

// IsTextblock reports whether the container holds inline content only.
func (n *Node) IsTextblock() bool {
	if !n.IsContainer() {
		return false
	}
	for _, child := range n.Content {
		if child.IsContainer() {
			return false
		}
	}
	return true
}

func (n *Node) Attr(key string) any {
	if n.Attrs == nil {
		return nil
	}
	return n.Attrs[key]
}

func (n *Node) SetAttr(key string, value any) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	n.Attrs[key] = value
}

// BlockID returns the block id attribute, or "" when absent.
func (n *Node) BlockID() string {
	id, _ := n.Attr(AttrBlockID).(string)
	return strings.TrimSpace(id)
}

// TextContent concatenates every text run below the node.
func (n *Node) TextContent() string {
	if n.IsText() {
		return n.Text
	}
	var builder strings.Builder
	for _, child := range n.Content {
		builder.WriteString(child.TextContent())
	}
	return builder.String()
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = cloneAttrs(n.Attrs)
	}
	if len(n.Marks) > 0 {
		out.Marks = cloneMarks(n.Marks)
	}
	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = child.Clone()
		}
	}
	return out
}

// Walk visits the node and its descendants in pre-order. start is the flat
// position of the node's opening token (or of its first character for text).
// Returning false from fn skips the node's children.
func (n *Node) walk(start int, fn func(node *Node, start int) bool) {
	if !fn(n, start) {
		return
	}
	if !n.IsContainer() {
		return
	}
	pos := start + 1
	for _, child := range n.Content {
		child.walk(pos, fn)
		pos += child.Size()
	}
}

func (n *Node) sameMarkup(other *Node) bool {
	return n.Type == other.Type && sameMarks(n.Marks, other.Marks)
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !reflect.DeepEqual(a[i].Attrs, b[i].Attrs) {
			return false
		}
	}
	return true
}

func cloneMarks(marks []Mark) []Mark {
	if len(marks) == 0 {
		return nil
	}
	out := make([]Mark, len(marks))
	for i, mark := range marks {
		out[i] = Mark{Type: mark.Type}
		if mark.Attrs != nil {
			out[i].Attrs = cloneAttrs(mark.Attrs)
		}
	}
	return out
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for key, value := range attrs {
		out[key] = value
	}
	return out
}
