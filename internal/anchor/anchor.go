// Package anchor converts between volatile flat positions and durable
// (blockId, offset) pairs.
package anchor

import (
	"errors"
	"fmt"

	"muse/api/internal/doc"
	"muse/api/internal/util"
)

var (
	// ErrNoBlock means no ancestor of the position carries a block id. For a
	// document that went through AssignBlockIDs this is an integrity error.
	ErrNoBlock = errors.New("position is not inside an identified block")
	// ErrAnchorLost means the anchored block no longer exists.
	ErrAnchorLost = errors.New("anchor block no longer exists")
)

// BlockAnchor is the persisted position format.
type BlockAnchor struct {
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

// Range is a half-open span of flat positions.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// AnchoredRange is a range expressed with anchors at both ends.
type AnchoredRange struct {
	Start BlockAnchor `json:"start"`
	End   BlockAnchor `json:"end"`
}

// AssignBlockIDs gives every container below root a block id. Blocks that
// lack one, and later copies of an id already seen, receive a fresh id.
// It returns how many ids were written.
func AssignBlockIDs(root *doc.Node) int {
	return assignIDs(root.Content, make(map[string]struct{}))
}

// IdentifyInserted returns step with copies of its nodes in which every
// container has a block id. An inserted container keeps its id unless the id
// is empty or still used by a block of d outside the replaced range, as
// happens when a block is split or pasted.
func IdentifyInserted(d *doc.Document, step doc.Step) doc.Step {
	if len(step.Nodes) == 0 {
		return step
	}
	taken := make(map[string]struct{})
	d.Descendants(func(node *doc.Node, pos int) bool {
		if !node.IsContainer() {
			return false
		}
		removed := pos >= step.From && pos+node.Size() <= step.To
		if id := node.BlockID(); id != "" && !removed {
			taken[id] = struct{}{}
		}
		return true
	})
	nodes := make([]*doc.Node, len(step.Nodes))
	for i, node := range step.Nodes {
		nodes[i] = node.Clone()
	}
	assignIDs(nodes, taken)
	step.Nodes = nodes
	return step
}

func assignIDs(nodes []*doc.Node, seen map[string]struct{}) int {
	assigned := 0
	for _, node := range nodes {
		if node == nil || !node.IsContainer() {
			continue
		}
		id := node.BlockID()
		if _, dup := seen[id]; id == "" || dup {
			id = util.NewID("blk")
			node.SetAttr(doc.AttrBlockID, id)
			assigned++
		}
		seen[id] = struct{}{}
		assigned += assignIDs(node.Content, seen)
	}
	return assigned
}

// Index answers anchor queries against one document.
type Index struct {
	doc *doc.Document
}

func NewIndex(d *doc.Document) *Index {
	return &Index{doc: d}
}

// AnchorAt returns the anchor of pos relative to the innermost identified
// block containing it.
func (x *Index) AnchorAt(pos int) (BlockAnchor, error) {
	resolved, ok := x.doc.Resolve(pos)
	if !ok {
		return BlockAnchor{}, fmt.Errorf("%w: position %d outside document", doc.ErrInvalidRange, pos)
	}
	for depth := resolved.Depth(); depth > 0; depth-- {
		frame := resolved.Path[depth]
		id := frame.Node.BlockID()
		if id == "" {
			continue
		}
		offset := clamp(pos-frame.Start, 0, frame.Node.ContentSize())
		return BlockAnchor{BlockID: id, Offset: offset}, nil
	}
	return BlockAnchor{}, fmt.Errorf("%w: position %d", ErrNoBlock, pos)
}

// ResolveAnchor returns the flat position of a, clamping the offset to the
// block's current content.
func (x *Index) ResolveAnchor(a BlockAnchor) (int, error) {
	resolved := -1
	x.doc.Descendants(func(node *doc.Node, pos int) bool {
		if resolved >= 0 {
			return false
		}
		if node.IsContainer() && node.BlockID() == a.BlockID {
			resolved = pos + 1 + clamp(a.Offset, 0, node.ContentSize())
			return false
		}
		return true
	})
	if resolved < 0 {
		return 0, fmt.Errorf("%w: %s", ErrAnchorLost, a.BlockID)
	}
	return resolved, nil
}

// RangeFromAnchors resolves both ends. The range is unresolvable when either
// end is. Ends that resolve out of order are swapped.
func (x *Index) RangeFromAnchors(start, end BlockAnchor) (Range, error) {
	from, err := x.ResolveAnchor(start)
	if err != nil {
		return Range{}, err
	}
	to, err := x.ResolveAnchor(end)
	if err != nil {
		return Range{}, err
	}
	if from > to {
		from, to = to, from
	}
	return Range{From: from, To: to}, nil
}

// AnchorsForRange is the inverse of RangeFromAnchors.
func (x *Index) AnchorsForRange(r Range) (AnchoredRange, error) {
	start, err := x.AnchorAt(r.From)
	if err != nil {
		return AnchoredRange{}, err
	}
	end, err := x.AnchorAt(r.To)
	if err != nil {
		return AnchoredRange{}, err
	}
	return AnchoredRange{Start: start, End: end}, nil
}

func clamp(value, low, high int) int {
	return max(low, min(value, high))
}
