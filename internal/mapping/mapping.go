// Package mapping translates flat document positions across edits.
//
// An edit is a sequence of replacement steps. Each step says that the range
// [From, To) of the document, as it stood when the step was applied, became
// NewSize units of new content. Later steps address the document produced by
// the earlier ones, so a Mapping is simply its steps applied in order.
package mapping

// Bias decides which side of an insertion a position sticks to when the
// insertion happens exactly at that position, or which boundary a position
// strictly inside replaced content collapses to.
type Bias int

const (
	BiasLeft  Bias = -1
	BiasRight Bias = 1
)

// Result is the outcome of mapping a single position.
type Result struct {
	Pos int
	// Deleted reports that the position sat strictly inside replaced content.
	Deleted bool
}

// StepMap describes one replacement step.
type StepMap struct {
	From    int `json:"oldFrom"`
	To      int `json:"oldTo"`
	NewSize int `json:"newSize"`
}

// Delta is the change in document size caused by the step.
func (m StepMap) Delta() int {
	return m.NewSize - (m.To - m.From)
}

// Map translates pos through the step.
//
// The start of a replaced range stays at the start and the end of a replaced
// range moves to the end of the new content. Bias only matters for pure
// insertions and for positions strictly inside the replaced range.
func (m StepMap) Map(pos int, bias Bias) Result {
	switch {
	case pos < m.From:
		return Result{Pos: pos}
	case pos > m.To:
		return Result{Pos: pos + m.Delta()}
	}
	if m.From == m.To {
		if bias == BiasLeft {
			return Result{Pos: pos}
		}
		return Result{Pos: pos + m.NewSize}
	}
	switch pos {
	case m.From:
		return Result{Pos: m.From}
	case m.To:
		return Result{Pos: m.From + m.NewSize}
	}
	if bias == BiasLeft {
		return Result{Pos: m.From, Deleted: true}
	}
	return Result{Pos: m.From + m.NewSize, Deleted: true}
}

// Mapping is an ordered list of steps.
type Mapping struct {
	maps []StepMap
}

// New builds a mapping from steps in application order.
func New(maps ...StepMap) *Mapping {
	m := &Mapping{}
	m.maps = append(m.maps, maps...)
	return m
}

// Compose concatenates mappings so that the result maps through each of
// them in turn.
func Compose(mappings ...*Mapping) *Mapping {
	out := &Mapping{}
	for _, m := range mappings {
		out.AppendMapping(m)
	}
	return out
}

func (m *Mapping) Append(step StepMap) {
	m.maps = append(m.maps, step)
}

func (m *Mapping) AppendMapping(other *Mapping) {
	if other == nil {
		return
	}
	m.maps = append(m.maps, other.maps...)
}

// Maps returns a copy of the steps.
func (m *Mapping) Maps() []StepMap {
	if m == nil {
		return nil
	}
	out := make([]StepMap, len(m.maps))
	copy(out, m.maps)
	return out
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.maps)
}

// Empty reports whether the mapping is the identity.
func (m *Mapping) Empty() bool {
	if m == nil {
		return true
	}
	for _, step := range m.maps {
		if step.From != step.To || step.NewSize != 0 {
			return false
		}
	}
	return true
}

// Map translates pos through every step.
func (m *Mapping) Map(pos int, bias Bias) int {
	return m.MapResult(pos, bias).Pos
}

// MapResult translates pos and reports whether any step deleted it.
func (m *Mapping) MapResult(pos int, bias Bias) Result {
	result := Result{Pos: pos}
	if m == nil {
		return result
	}
	for _, step := range m.maps {
		mapped := step.Map(result.Pos, bias)
		result.Pos = mapped.Pos
		result.Deleted = result.Deleted || mapped.Deleted
	}
	return result
}

// MapRange translates a tracked range. The start is left-biased and the end
// right-biased, so insertions exactly at either boundary grow the range. It
// returns false once the range collapses. A replacement spanning the whole
// range keeps it, stretched over the new content.
func (m *Mapping) MapRange(from, to int) (int, int, bool) {
	if m == nil {
		return from, to, from < to
	}
	for _, step := range m.maps {
		from = step.Map(from, BiasLeft).Pos
		to = step.Map(to, BiasRight).Pos
		if from >= to {
			return 0, 0, false
		}
	}
	return from, to, true
}
