package doc

import (
	"fmt"
	"unicode/utf8"

	"muse/api/internal/mapping"
)

// Step replaces [From, To) with either Text (a run carrying Marks) or Nodes.
// Both empty means a pure deletion.
type Step struct {
	From  int     `json:"from"`
	To    int     `json:"to"`
	Text  string  `json:"text,omitempty"`
	Marks []Mark  `json:"marks,omitempty"`
	Nodes []*Node `json:"nodes,omitempty"`
}

// Insert builds a text insertion step.
func Insert(pos int, text string) Step {
	return Step{From: pos, To: pos, Text: text}
}

// Delete builds a deletion step.
func Delete(from, to int) Step {
	return Step{From: from, To: to}
}

// InsertedSize is the size of the content the step writes.
func (s Step) InsertedSize() int {
	if s.Text != "" {
		return utf8.RuneCountInString(s.Text)
	}
	size := 0
	for _, node := range s.Nodes {
		size += node.Size()
	}
	return size
}

// StepMap describes the step for position mapping.
func (s Step) StepMap() mapping.StepMap {
	return mapping.StepMap{From: s.From, To: s.To, NewSize: s.InsertedSize()}
}

// Apply performs one step in place.
func (d *Document) Apply(step Step) (mapping.StepMap, error) {
	if err := d.replace(step); err != nil {
		return mapping.StepMap{}, err
	}
	d.version++
	return step.StepMap(), nil
}

// MarkStep attaches a mark to the text inside [From, To).
type MarkStep struct {
	From int  `json:"from"`
	To   int  `json:"to"`
	Mark Mark `json:"mark"`
}

// ApplyAll performs steps in order, each addressing the document produced by
// the previous ones. Either every step applies or the document is unchanged.
func (d *Document) ApplyAll(steps []Step) (*mapping.Mapping, error) {
	return d.ApplyTransaction(steps, nil)
}

// ApplyTransaction applies steps and then marks as one atomic mutation. Mark
// positions address the document after the steps.
func (d *Document) ApplyTransaction(steps []Step, marks []MarkStep) (*mapping.Mapping, error) {
	working := d.Clone()
	result := mapping.New()
	for i, step := range steps {
		stepMap, err := working.Apply(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Append(stepMap)
	}
	for i, mark := range marks {
		if err := working.AddMark(mark.From, mark.To, mark.Mark); err != nil {
			return nil, fmt.Errorf("mark %d: %w", i, err)
		}
	}
	if len(steps) == 0 && len(marks) == 0 {
		return result, nil
	}
	d.root = working.root
	d.version++
	return result, nil
}

func (d *Document) replace(step Step) error {
	if step.From < 0 || step.To < step.From || step.To > d.Size() {
		return fmt.Errorf("%w: [%d, %d) in document of size %d", ErrInvalidRange, step.From, step.To, d.Size())
	}
	if step.Text != "" && len(step.Nodes) > 0 {
		return fmt.Errorf("%w: step carries both text and nodes", ErrInvalidContent)
	}
	from, _ := d.Resolve(step.From)
	to, _ := d.Resolve(step.To)
	parent := from.Parent()
	if parent != to.Parent() {
		return fmt.Errorf("%w: [%d, %d)", ErrCrossesParent, step.From, step.To)
	}
	start := from.Start(from.Depth())

	var inserted []*Node
	switch {
	case step.Text != "":
		if !acceptsInline(parent) {
			return fmt.Errorf("%w: text inside %s", ErrInvalidContent, parent.Type)
		}
		inserted = []*Node{NewText(step.Text, cloneMarks(step.Marks)...)}
	case len(step.Nodes) > 0:
		for _, node := range step.Nodes {
			if node == nil || node.Type == "" || node.Type == TypeDoc {
				return fmt.Errorf("%w: bad node", ErrInvalidContent)
			}
			inserted = append(inserted, node.Clone())
		}
	}

	content := splitAt(parent.Content, step.From-start)
	content = splitAt(content, step.To-start)
	i := indexAt(content, step.From-start)
	j := indexAt(content, step.To-start)

	next := make([]*Node, 0, len(content)-(j-i)+len(inserted))
	next = append(next, content[:i]...)
	next = append(next, inserted...)
	next = append(next, content[j:]...)
	parent.Content = normalize(next)
	return nil
}

// Slice returns copies of the nodes covering [from, to). Both ends must sit
// in the same container; text runs straddling an end are cut.
func (d *Document) Slice(from, to int) ([]*Node, error) {
	if from < 0 || to < from || to > d.Size() {
		return nil, fmt.Errorf("%w: [%d, %d) in document of size %d", ErrInvalidRange, from, to, d.Size())
	}
	start, _ := d.Resolve(from)
	end, _ := d.Resolve(to)
	parent := start.Parent()
	if parent != end.Parent() {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrCrossesParent, from, to)
	}
	base := start.Start(start.Depth())
	content := make([]*Node, len(parent.Content))
	for i, child := range parent.Content {
		content[i] = child.Clone()
	}
	content = splitAt(content, from-base)
	content = splitAt(content, to-base)
	i := indexAt(content, from-base)
	j := indexAt(content, to-base)
	return append([]*Node(nil), content[i:j]...), nil
}

// acceptsInline reports whether a container may hold text runs. Containers
// holding block children refuse inline content.
func acceptsInline(parent *Node) bool {
	for _, child := range parent.Content {
		if child.IsContainer() {
			return false
		}
	}
	return true
}

// splitAt makes sure a child boundary exists at offset (relative to the
// content start) by splitting the text run that straddles it.
func splitAt(content []*Node, offset int) []*Node {
	pos := 0
	for i, child := range content {
		end := pos + child.Size()
		if offset > pos && offset < end {
			if !child.IsText() {
				return content
			}
			runes := []rune(child.Text)
			left := &Node{Type: TypeText, Text: string(runes[:offset-pos]), Marks: cloneMarks(child.Marks)}
			right := &Node{Type: TypeText, Text: string(runes[offset-pos:]), Marks: cloneMarks(child.Marks)}
			out := make([]*Node, 0, len(content)+1)
			out = append(out, content[:i]...)
			out = append(out, left, right)
			out = append(out, content[i+1:]...)
			return out
		}
		pos = end
	}
	return content
}

// indexAt returns the index of the child starting at offset, or len(content)
// when offset is the end of the content.
func indexAt(content []*Node, offset int) int {
	pos := 0
	for i, child := range content {
		if pos >= offset {
			return i
		}
		pos += child.Size()
	}
	return len(content)
}

// normalize drops empty text runs and merges adjacent runs with equal marks.
func normalize(content []*Node) []*Node {
	out := content[:0]
	for _, child := range content {
		if child.IsText() && child.Text == "" {
			continue
		}
		if n := len(out); n > 0 && child.IsText() && out[n-1].IsText() && out[n-1].sameMarkup(child) {
			merged := out[n-1].Clone()
			merged.Text += child.Text
			out[n-1] = merged
			continue
		}
		out = append(out, child)
	}
	return out
}

// AddMark attaches mark to every text run inside [from, to), replacing any
// existing mark of the same type. Sizes do not change.
func (d *Document) AddMark(from, to int, mark Mark) error {
	if from < 0 || to < from || to > d.Size() {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}
	if from == to {
		return nil
	}
	markContent(d.root, 0, from, to, mark)
	d.version++
	return nil
}

func markContent(parent *Node, start, from, to int, mark Mark) {
	content := splitAt(parent.Content, from-start)
	content = splitAt(content, to-start)
	pos := start
	for _, child := range content {
		end := pos + child.Size()
		if end > from && pos < to {
			switch {
			case child.IsText():
				child.Marks = withMark(child.Marks, mark)
			case child.IsContainer():
				markContent(child, pos+1, from, to, mark)
			}
		}
		pos = end
	}
	parent.Content = normalize(content)
}

func withMark(marks []Mark, mark Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	for _, existing := range marks {
		if existing.Type != mark.Type {
			out = append(out, existing)
		}
	}
	return append(out, cloneMarks([]Mark{mark})...)
}
