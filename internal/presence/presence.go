// Package presence tracks remote cursors and broadcasts the local one.
//
// Local selection changes are coalesced: every change restarts the debounce
// timer and only the last range is sent once the window elapses. Typing
// marks the local user as typing until a quiet period demotes them back to
// online. Losing focus sends an immediate "no cursor" update.
package presence

import (
	"context"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"muse/api/internal/mapping"
)

const (
	DefaultDebounce   = 350 * time.Millisecond
	DefaultTypingIdle = 1500 * time.Millisecond

	sendTimeout = 5 * time.Second
)

type Status string

const (
	StatusOnline Status = "online"
	StatusTyping Status = "typing"
	StatusIdle   Status = "idle"
)

type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// RemoteCursor is another participant's cursor. Range is nil when they have
// no selection in the document.
type RemoteCursor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Range       *Range `json:"range,omitempty"`
	Status      Status `json:"status"`
}

// Update is what the local user broadcasts.
type Update struct {
	RemoteCursor
	SentAt time.Time `json:"sentAt"`
}

// Transport carries local updates to the other participants.
type Transport interface {
	Send(ctx context.Context, update Update) error
}

type Config struct {
	Debounce   time.Duration
	TypingIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	return c
}

type Broadcaster struct {
	mu        sync.Mutex
	cfg       Config
	self      Identity
	transport Transport

	focused   bool
	selection *Range
	status    Status
	closed    bool

	// seq invalidates debounced sends scheduled before the latest change.
	seq           uint64
	debounceTimer *time.Timer
	typingSeq     uint64
	typingTimer   *time.Timer

	remote map[string]RemoteCursor
}

func NewBroadcaster(self Identity, transport Transport, cfg Config) *Broadcaster {
	if self.Color == "" {
		self.Color = ColorFor(self.UserID)
	}
	return &Broadcaster{
		cfg:       cfg.withDefaults(),
		self:      self,
		transport: transport,
		status:    StatusIdle,
		remote:    make(map[string]RemoteCursor),
	}
}

func (b *Broadcaster) Self() Identity { return b.self }

// Focus marks the local editing surface as focused.
func (b *Broadcaster) Focus() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.focused = true
	if b.status == StatusIdle {
		b.status = StatusOnline
	}
}

// SelectionChanged records the local selection and schedules a broadcast.
// Changes while unfocused are ignored.
func (b *Broadcaster) SelectionChanged(r Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.focused {
		return
	}
	b.selection = normalizeRange(r)
	b.scheduleLocked()
}

// Typed marks the local user as typing and restarts the idle timer.
func (b *Broadcaster) Typed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.focused {
		return
	}
	wasTyping := b.status == StatusTyping
	b.status = StatusTyping
	b.typingSeq++
	seq := b.typingSeq
	if b.typingTimer != nil {
		b.typingTimer.Stop()
	}
	b.typingTimer = time.AfterFunc(b.cfg.TypingIdle, func() { b.demote(seq) })
	if !wasTyping {
		b.scheduleLocked()
	}
}

// Blur cancels pending timers and sends a "no cursor" update right away.
func (b *Broadcaster) Blur() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.focused = false
	b.selection = nil
	b.status = StatusIdle
	b.stopTimersLocked()
	update := b.updateLocked()
	b.mu.Unlock()

	b.send(update)
}

func (b *Broadcaster) scheduleLocked() {
	b.seq++
	seq := b.seq
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = time.AfterFunc(b.cfg.Debounce, func() { b.flush(seq) })
}

func (b *Broadcaster) flush(seq uint64) {
	b.mu.Lock()
	if b.closed || seq != b.seq {
		b.mu.Unlock()
		return
	}
	b.debounceTimer = nil
	update := b.updateLocked()
	b.mu.Unlock()

	b.send(update)
}

func (b *Broadcaster) demote(seq uint64) {
	b.mu.Lock()
	if b.closed || seq != b.typingSeq || b.status != StatusTyping {
		b.mu.Unlock()
		return
	}
	b.typingTimer = nil
	b.status = StatusOnline
	update := b.updateLocked()
	b.mu.Unlock()

	b.send(update)
}

func (b *Broadcaster) stopTimersLocked() {
	b.seq++
	b.typingSeq++
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
		b.debounceTimer = nil
	}
	if b.typingTimer != nil {
		b.typingTimer.Stop()
		b.typingTimer = nil
	}
}

func (b *Broadcaster) updateLocked() Update {
	var selection *Range
	if b.selection != nil {
		copied := *b.selection
		selection = &copied
	}
	return Update{
		RemoteCursor: RemoteCursor{
			UserID:      b.self.UserID,
			DisplayName: b.self.DisplayName,
			Color:       b.self.Color,
			Range:       selection,
			Status:      b.status,
		},
		SentAt: time.Now().UTC(),
	}
}

func (b *Broadcaster) send(update Update) {
	if b.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := b.transport.Send(ctx, update); err != nil {
		log.Printf("presence: send for %s failed: %v", update.UserID, err)
	}
}

// Local returns the local cursor as it would be sent now.
func (b *Broadcaster) Local() RemoteCursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateLocked().RemoteCursor
}

// ApplySnapshot replaces the remote cursor set. Users missing from cursors
// are removed and the local user is skipped.
func (b *Broadcaster) ApplySnapshot(cursors []RemoteCursor) {
	next := make(map[string]RemoteCursor, len(cursors))
	for _, cursor := range cursors {
		if cursor.UserID == "" || cursor.UserID == b.self.UserID {
			continue
		}
		if cursor.Color == "" {
			cursor.Color = ColorFor(cursor.UserID)
		}
		if cursor.Status == "" {
			cursor.Status = StatusOnline
		}
		if cursor.Range != nil {
			cursor.Range = normalizeRange(*cursor.Range)
		}
		next[cursor.UserID] = cursor
	}
	b.mu.Lock()
	b.remote = next
	b.mu.Unlock()
}

// Remote returns the remote cursors ordered by user id.
func (b *Broadcaster) Remote() []RemoteCursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RemoteCursor, 0, len(b.remote))
	for _, cursor := range b.remote {
		if cursor.Range != nil {
			copied := *cursor.Range
			cursor.Range = &copied
		}
		out = append(out, cursor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Remap moves the local selection and every remote range through m. Ranges
// that end up outside [0, size] are cleared.
func (b *Broadcaster) Remap(m *mapping.Mapping, size int) {
	if m.Len() == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selection = remapRange(b.selection, m, size)
	for id, cursor := range b.remote {
		cursor.Range = remapRange(cursor.Range, m, size)
		b.remote[id] = cursor
	}
}

func remapRange(r *Range, m *mapping.Mapping, size int) *Range {
	if r == nil {
		return nil
	}
	var from, to int
	if r.From == r.To {
		from = m.Map(r.From, mapping.BiasRight)
		to = from
	} else {
		from = m.Map(r.From, mapping.BiasLeft)
		to = max(from, m.Map(r.To, mapping.BiasRight))
	}
	if from < 0 || to > size {
		return nil
	}
	return &Range{From: from, To: to}
}

// Close stops every timer. No update is sent afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.stopTimersLocked()
}

func normalizeRange(r Range) *Range {
	if r.From > r.To {
		r.From, r.To = r.To, r.From
	}
	return &r
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ColorFor picks a stable colour for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
