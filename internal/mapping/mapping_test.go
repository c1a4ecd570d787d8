package mapping

import "testing"

func TestStepMapMap(t *testing.T) {
	deletion := StepMap{From: 2, To: 5, NewSize: 0}
	insertion := StepMap{From: 4, To: 4, NewSize: 3}
	replacement := StepMap{From: 4, To: 8, NewSize: 2}

	cases := []struct {
		name string
		step StepMap
		pos  int
		bias Bias
		want Result
	}{
		{name: "before deletion", step: deletion, pos: 1, bias: BiasLeft, want: Result{Pos: 1}},
		{name: "deletion start", step: deletion, pos: 2, bias: BiasRight, want: Result{Pos: 2}},
		{name: "inside deletion left", step: deletion, pos: 3, bias: BiasLeft, want: Result{Pos: 2, Deleted: true}},
		{name: "inside deletion right", step: deletion, pos: 3, bias: BiasRight, want: Result{Pos: 2, Deleted: true}},
		{name: "deletion end", step: deletion, pos: 5, bias: BiasLeft, want: Result{Pos: 2}},
		{name: "after deletion", step: deletion, pos: 9, bias: BiasLeft, want: Result{Pos: 6}},
		{name: "insertion point left", step: insertion, pos: 4, bias: BiasLeft, want: Result{Pos: 4}},
		{name: "insertion point right", step: insertion, pos: 4, bias: BiasRight, want: Result{Pos: 7}},
		{name: "after insertion", step: insertion, pos: 5, bias: BiasLeft, want: Result{Pos: 8}},
		{name: "inside replacement left", step: replacement, pos: 6, bias: BiasLeft, want: Result{Pos: 4, Deleted: true}},
		{name: "inside replacement right", step: replacement, pos: 6, bias: BiasRight, want: Result{Pos: 6, Deleted: true}},
		{name: "replacement end", step: replacement, pos: 8, bias: BiasLeft, want: Result{Pos: 6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.step.Map(tc.pos, tc.bias); got != tc.want {
				t.Fatalf("Map(%d, %d) = %+v, want %+v", tc.pos, tc.bias, got, tc.want)
			}
		})
	}
}

func TestMappingComposability(t *testing.T) {
	edits := [][]StepMap{
		{{From: 3, To: 3, NewSize: 4}},
		{{From: 0, To: 2, NewSize: 0}, {From: 5, To: 9, NewSize: 1}},
		{{From: 6, To: 6, NewSize: 2}},
		{{From: 1, To: 12, NewSize: 3}},
	}

	for i := 0; i+1 < len(edits); i++ {
		first := New(edits[i]...)
		second := New(edits[i+1]...)
		combined := Compose(first, second)
		for _, bias := range []Bias{BiasLeft, BiasRight} {
			for pos := 0; pos <= 20; pos++ {
				stepwise := second.Map(first.Map(pos, bias), bias)
				if got := combined.Map(pos, bias); got != stepwise {
					t.Fatalf("edits %d+%d pos %d bias %d: combined = %d, stepwise = %d", i, i+1, pos, bias, got, stepwise)
				}
			}
		}
	}
}

func TestMapRangeBoundaryInsertionsGrowRange(t *testing.T) {
	m := New(StepMap{From: 10, To: 10, NewSize: 3})
	from, to, ok := m.MapRange(10, 15)
	if !ok || from != 10 || to != 18 {
		t.Fatalf("insert at start: got (%d, %d, %v), want (10, 18, true)", from, to, ok)
	}

	m = New(StepMap{From: 15, To: 15, NewSize: 3})
	from, to, ok = m.MapRange(10, 15)
	if !ok || from != 10 || to != 18 {
		t.Fatalf("insert at end: got (%d, %d, %v), want (10, 18, true)", from, to, ok)
	}
}

func TestMapRangeDropsCollapsedRanges(t *testing.T) {
	cases := []struct {
		name     string
		step     StepMap
		from, to int
	}{
		{name: "exact deletion", step: StepMap{From: 4, To: 8}, from: 4, to: 8},
		{name: "enclosing deletion", step: StepMap{From: 2, To: 10}, from: 4, to: 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, ok := New(tc.step).MapRange(tc.from, tc.to); ok {
				t.Fatal("expected range to be dropped")
			}
		})
	}
}

func TestMapRangeKeepsReplacedRanges(t *testing.T) {
	cases := []struct {
		name             string
		step             StepMap
		from, to         int
		wantFrom, wantTo int
	}{
		{name: "exact replacement", step: StepMap{From: 6, To: 11, NewSize: 5}, from: 6, to: 11, wantFrom: 6, wantTo: 11},
		{name: "enclosing replacement", step: StepMap{From: 4, To: 12, NewSize: 9}, from: 6, to: 11, wantFrom: 4, wantTo: 13},
		{name: "shorter replacement", step: StepMap{From: 6, To: 11, NewSize: 2}, from: 6, to: 11, wantFrom: 6, wantTo: 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from, to, ok := New(tc.step).MapRange(tc.from, tc.to)
			if !ok || from != tc.wantFrom || to != tc.wantTo {
				t.Fatalf("got (%d, %d, %v), want (%d, %d, true)", from, to, ok, tc.wantFrom, tc.wantTo)
			}
		})
	}
}

func TestMapRangeTruncatesOverlap(t *testing.T) {
	m := New(StepMap{From: 2, To: 5})
	from, to, ok := m.MapRange(0, 5)
	if !ok || from != 0 || to != 2 {
		t.Fatalf("got (%d, %d, %v), want (0, 2, true)", from, to, ok)
	}
	from, to, ok = m.MapRange(20, 25)
	if !ok || from != 17 || to != 22 {
		t.Fatalf("got (%d, %d, %v), want (17, 22, true)", from, to, ok)
	}
}

func TestEmpty(t *testing.T) {
	if !New().Empty() {
		t.Fatal("expected empty mapping")
	}
	if !New(StepMap{From: 3, To: 3}).Empty() {
		t.Fatal("expected zero-size step to be identity")
	}
	if New(StepMap{From: 3, To: 4}).Empty() {
		t.Fatal("expected deletion to be non-empty")
	}
}
