package doc

import (
	"errors"
	"testing"
)

func twoParagraphs() *Document {
	return New(NewBlock(TypeDoc,
		NewBlock("paragraph", NewText("Hello")).WithBlockID("p1"),
		NewBlock("paragraph", NewText("World")).WithBlockID("p2"),
	))
}

func TestSizes(t *testing.T) {
	d := twoParagraphs()
	if got := d.Size(); got != 14 {
		t.Fatalf("size = %d, want 14", got)
	}
	withBreak := NewBlock("paragraph", NewText("a"), &Node{Type: "hardBreak"}, NewText("b"))
	if got := withBreak.Size(); got != 5 {
		t.Fatalf("paragraph size = %d, want 5", got)
	}
}

func TestResolve(t *testing.T) {
	d := twoParagraphs()

	cases := []struct {
		pos        int
		depth      int
		offset     int
		textOffset int
	}{
		{pos: 0, depth: 0, offset: 0},
		{pos: 1, depth: 1, offset: 0},
		{pos: 3, depth: 1, offset: 2, textOffset: 2},
		{pos: 6, depth: 1, offset: 5},
		{pos: 7, depth: 0, offset: 7},
		{pos: 10, depth: 1, offset: 2, textOffset: 2},
		{pos: 14, depth: 0, offset: 14},
	}
	for _, tc := range cases {
		resolved, ok := d.Resolve(tc.pos)
		if !ok {
			t.Fatalf("Resolve(%d) failed", tc.pos)
		}
		if resolved.Depth() != tc.depth || resolved.Offset != tc.offset || resolved.TextOffset() != tc.textOffset {
			t.Fatalf("Resolve(%d) = depth %d offset %d text offset %d, want %d %d %d",
				tc.pos, resolved.Depth(), resolved.Offset, resolved.TextOffset(), tc.depth, tc.offset, tc.textOffset)
		}
	}

	for _, pos := range []int{-1, 15} {
		if _, ok := d.Resolve(pos); ok {
			t.Fatalf("Resolve(%d) should fail", pos)
		}
	}
}

func TestTextBetween(t *testing.T) {
	d := twoParagraphs()
	if got := d.Text(); got != "Hello\nWorld" {
		t.Fatalf("Text() = %q", got)
	}
	if got := d.TextBetween(3, 10, " "); got != "llo Wo" {
		t.Fatalf("TextBetween(3, 10) = %q", got)
	}
	if got := d.TextBetween(5, 5, " "); got != "" {
		t.Fatalf("empty range = %q", got)
	}
}

func TestApplyTextSteps(t *testing.T) {
	d := FromText("Hello world")

	stepMap, err := d.Apply(Insert(6, "big "))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if stepMap.From != 6 || stepMap.To != 6 || stepMap.NewSize != 4 {
		t.Fatalf("unexpected step map %+v", stepMap)
	}
	if got := d.Text(); got != "Hello big world" {
		t.Fatalf("after insert = %q", got)
	}
	if len(d.Root().Content) != 1 {
		t.Fatalf("expected merged text run, got %d runs", len(d.Root().Content))
	}

	if _, err := d.Apply(Step{From: 10, To: 15, Text: "there"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := d.Text(); got != "Hello big there" {
		t.Fatalf("after replace = %q", got)
	}
	if _, err := d.Apply(Delete(5, 9)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := d.Text(); got != "Hello there" {
		t.Fatalf("after delete = %q", got)
	}
	if d.Version() != 3 {
		t.Fatalf("version = %d, want 3", d.Version())
	}
}

func TestApplyRejectsInvalidSteps(t *testing.T) {
	d := twoParagraphs()

	if _, err := d.Apply(Delete(3, 10)); !errors.Is(err, ErrCrossesParent) {
		t.Fatalf("cross-parent delete: got %v", err)
	}
	if _, err := d.Apply(Insert(0, "x")); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("text between blocks: got %v", err)
	}
	if _, err := d.Apply(Delete(4, 40)); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("out of range: got %v", err)
	}
	if d.Version() != 0 || d.Text() != "Hello\nWorld" {
		t.Fatal("failed steps must not mutate the document")
	}
}

func TestApplyNodesAndBlocks(t *testing.T) {
	d := twoParagraphs()

	if _, err := d.Apply(Step{From: 3, To: 3, Nodes: []*Node{{Type: "hardBreak"}}}); err != nil {
		t.Fatalf("insert hard break: %v", err)
	}
	if got := d.Text(); got != "He\nllo\nWorld" {
		t.Fatalf("after hard break = %q", got)
	}

	if _, err := d.Apply(Step{From: 8, To: 15}); err != nil {
		t.Fatalf("delete block: %v", err)
	}
	if got := d.Text(); got != "He\nllo" {
		t.Fatalf("after block delete = %q", got)
	}
}

func TestApplyAllIsAtomic(t *testing.T) {
	d := FromText("Hello world")
	if _, err := d.ApplyAll([]Step{Insert(0, "Oh, "), Delete(50, 60)}); err == nil {
		t.Fatal("expected failure")
	}
	if d.Text() != "Hello world" || d.Version() != 0 {
		t.Fatalf("document changed after failed batch: %q v%d", d.Text(), d.Version())
	}

	m, err := d.ApplyAll([]Step{Insert(0, "Oh, "), Delete(9, 15)})
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if got := d.Text(); got != "Oh, Hello" {
		t.Fatalf("after batch = %q", got)
	}
	if m.Len() != 2 || m.Map(11, -1) != 9 {
		t.Fatalf("unexpected mapping %+v", m.Maps())
	}
}

func TestAddMark(t *testing.T) {
	d := FromText("Hello world")
	if err := d.AddMark(0, 5, Mark{Type: "bold"}); err != nil {
		t.Fatalf("add mark: %v", err)
	}
	content := d.Root().Content
	if len(content) != 2 || content[0].Text != "Hello" || len(content[0].Marks) != 1 || len(content[1].Marks) != 0 {
		t.Fatalf("unexpected runs %+v", content)
	}
	if d.Size() != 11 {
		t.Fatalf("size changed to %d", d.Size())
	}

	if err := d.AddMark(0, 11, Mark{Type: "bold"}); err != nil {
		t.Fatalf("add mark: %v", err)
	}
	if len(d.Root().Content) != 1 {
		t.Fatalf("expected runs to merge, got %d", len(d.Root().Content))
	}
}

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`{"type":"doc","content":[{"type":"heading","attrs":{"blockId":"h1","level":2},"content":[{"type":"text","text":"e\u0301"},{"type":"text","text":""}]}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	heading := d.Root().Content[0]
	if heading.Content[0].Text != "\u00e9" || len(heading.Content) != 1 {
		t.Fatalf("text not normalised: %+v", heading.Content)
	}
	if d.Size() != 3 {
		t.Fatalf("size = %d, want 3", d.Size())
	}
	if level, ok := heading.IntAttr("level"); !ok || level != 2 {
		t.Fatalf("level = %d, %v", level, ok)
	}
	if heading.BlockID() != "h1" {
		t.Fatalf("block id = %q", heading.BlockID())
	}

	for _, raw := range []string{`{"type":"paragraph"}`, `{"type":"doc","content":[{"type":"text","text":"a","content":[{"type":"text","text":"b"}]}]}`, `[`} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("Parse(%s): got %v", raw, err)
		}
	}

	empty, err := Parse(nil)
	if err != nil || empty.Size() != 0 {
		t.Fatalf("empty parse: %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	d := twoParagraphs()
	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Text() != d.Text() || back.Size() != d.Size() {
		t.Fatalf("round trip mismatch: %q", back.Text())
	}
}

func TestIntAttr(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  int
		ok    bool
	}{
		{name: "json number", value: float64(3), want: 3, ok: true},
		{name: "fractional", value: 2.5},
		{name: "int64", value: int64(4), want: 4, ok: true},
		{name: "string", value: "3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := NewBlock("heading")
			node.SetAttr("level", tc.value)
			got, ok := node.IntAttr("level")
			if ok != tc.ok || (ok && got != tc.want) {
				t.Fatalf("IntAttr = %d, %v; want %d, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSliceKeepsInlineNodes(t *testing.T) {
	bold := Mark{Type: "bold"}
	d := New(NewBlock(TypeDoc,
		NewBlock("paragraph", NewText("Hello wor"), &Node{Type: "hardBreak"}, NewText("ld", bold)).WithBlockID("p1"),
	))

	nodes, err := d.Slice(7, 13)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if len(nodes) != 3 || nodes[0].Text != "wor" || nodes[1].Type != "hardBreak" || nodes[2].Text != "ld" {
		t.Fatalf("slice = %+v", nodes)
	}
	if len(nodes[2].Marks) != 1 || nodes[2].Marks[0].Type != "bold" {
		t.Fatalf("marks lost: %+v", nodes[2].Marks)
	}
	nodes[0].Text = "changed"
	if got := d.Text(); got != "Hello wor\nld" {
		t.Fatalf("slice must copy, document text = %q", got)
	}

	if _, err := twoParagraphs().Slice(3, 10); !errors.Is(err, ErrCrossesParent) {
		t.Fatalf("cross-block slice: %v", err)
	}
}
