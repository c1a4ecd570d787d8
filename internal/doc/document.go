package doc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDocument indicates documentJSON that does not describe a document tree.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrInvalidRange indicates positions outside the document or an inverted range.
	ErrInvalidRange = errors.New("invalid document range")
	// ErrCrossesParent indicates a replacement whose ends sit in different containers.
	ErrCrossesParent = errors.New("replacement crosses container boundary")
	// ErrInvalidContent indicates inserted content the target container cannot hold.
	ErrInvalidContent = errors.New("invalid content for container")
)

// Document is the single source of truth for document structure. It is not
// safe for concurrent use; the editing session serialises access.
type Document struct {
	root    *Node
	version uint64
}

// New wraps a root node. A nil root yields an empty document.
func New(root *Node) *Document {
	if root == nil {
		root = &Node{Type: TypeDoc}
	}
	return &Document{root: root}
}

// FromText builds a document whose root holds a single text run.
func FromText(text string) *Document {
	root := &Node{Type: TypeDoc}
	if text != "" {
		root.Content = []*Node{NewText(text)}
	}
	return New(root)
}

func (d *Document) Root() *Node { return d.root }

// Size is the number of positions in the document, i.e. the root content size.
func (d *Document) Size() int { return d.root.ContentSize() }

// Version increments on every successful mutation.
func (d *Document) Version() uint64 { return d.version }

func (d *Document) Clone() *Document {
	return &Document{root: d.root.Clone(), version: d.version}
}

// Text returns the whole document text with blocks separated by newlines.
func (d *Document) Text() string {
	return d.TextBetween(0, d.Size(), "\n")
}

// Frame is one level of a resolved position.
type Frame struct {
	Node *Node
	// Index is the child of Node at or after the position.
	Index int
	// Start is the flat position where Node's content begins.
	Start int
}

// ResolvedPos locates a flat position in the tree.
type ResolvedPos struct {
	Pos  int
	Path []Frame
	// Offset is the position relative to the deepest container's content start.
	Offset int
}

// Parent is the deepest container whose content holds the position.
func (r ResolvedPos) Parent() *Node { return r.Path[len(r.Path)-1].Node }

// Depth is zero for positions directly inside the root.
func (r ResolvedPos) Depth() int { return len(r.Path) - 1 }

// Start returns the content start of the container at depth.
func (r ResolvedPos) Start(depth int) int { return r.Path[depth].Start }

// Index returns the child index at the deepest level.
func (r ResolvedPos) Index() int { return r.Path[len(r.Path)-1].Index }

// TextOffset reports the offset inside the text run the position falls in,
// or zero when the position sits on a child boundary.
func (r ResolvedPos) TextOffset() int {
	parent := r.Parent()
	index := r.Index()
	if index >= len(parent.Content) {
		return 0
	}
	pos := r.Start(r.Depth())
	for _, child := range parent.Content[:index] {
		pos += child.Size()
	}
	return r.Pos - pos
}

// Resolve locates pos. It reports false for positions outside [0, Size()].
func (d *Document) Resolve(pos int) (ResolvedPos, bool) {
	if pos < 0 || pos > d.Size() {
		return ResolvedPos{}, false
	}
	var path []Frame
	node, start := d.root, 0
	for {
		index := len(node.Content)
		var next *Node
		childStart := start
		for i, child := range node.Content {
			end := childStart + child.Size()
			if pos < end {
				index = i
				if pos > childStart && child.IsContainer() {
					next = child
				}
				break
			}
			childStart = end
		}
		path = append(path, Frame{Node: node, Index: index, Start: start})
		if next == nil {
			break
		}
		node, start = next, childStart+1
	}
	return ResolvedPos{Pos: pos, Path: path, Offset: pos - start}, true
}

// TextBetween returns the text of every run overlapping [from, to). blockSep
// is written between textblocks; hard breaks become newlines.
func (d *Document) TextBetween(from, to int, blockSep string) string {
	if from < 0 {
		from = 0
	}
	if size := d.Size(); to > size {
		to = size
	}
	if from >= to {
		return ""
	}
	var builder strings.Builder
	separated := true
	var walk func(parent *Node, start int)
	walk = func(parent *Node, start int) {
		pos := start
		for _, child := range parent.Content {
			end := pos + child.Size()
			if end > from && pos < to {
				switch child.Kind() {
				case KindText:
					runes := []rune(child.Text)
					builder.WriteString(string(runes[max(from, pos)-pos : min(to, end)-pos]))
					separated = false
				case KindLeaf:
					if child.Type == "hardBreak" {
						builder.WriteString("\n")
					}
					separated = false
				default:
					if child.IsTextblock() {
						if !separated {
							builder.WriteString(blockSep)
						}
						separated = true
					}
					walk(child, pos+1)
				}
			}
			pos = end
		}
	}
	walk(d.root, 0)
	return builder.String()
}

// Descendants visits every node below the root in pre-order. pos is the flat
// position where the node starts. Returning false skips the node's children.
func (d *Document) Descendants(fn func(node *Node, pos int) bool) {
	pos := 0
	for _, child := range d.root.Content {
		child.walk(pos, fn)
		pos += child.Size()
	}
}

// NodeAt returns the direct child node starting at pos, if any.
func (d *Document) NodeAt(pos int) (*Node, bool) {
	resolved, ok := d.Resolve(pos)
	if !ok {
		return nil, false
	}
	parent := resolved.Parent()
	index := resolved.Index()
	if index >= len(parent.Content) || resolved.TextOffset() != 0 {
		return nil, false
	}
	return parent.Content[index], true
}

func (d *Document) String() string {
	return fmt.Sprintf("doc(size=%d, version=%d)", d.Size(), d.version)
}
