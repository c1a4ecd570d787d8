// Package bridge exchanges JSON command envelopes with the host application.
//
// Envelopes arriving before the editing session is ready are queued and
// replayed in arrival order once it is. A version or nonce mismatch disables
// the channel for good.
package bridge

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"muse/api/internal/doc"
	"muse/api/internal/editor"
	"muse/api/internal/ledger"
	"muse/api/internal/presence"
)

var (
	ErrDisabled          = errors.New("bridge disabled")
	ErrProtocolViolation = errors.New("bridge protocol violation")
	ErrMalformed         = errors.New("malformed bridge message")
	ErrUnknownCommand    = errors.New("unknown bridge command")
)

const (
	CmdSetContent           = "setContent"
	CmdAddSuggestion        = "addSuggestion"
	CmdAcceptSuggestion     = "acceptSuggestion"
	CmdRejectSuggestion     = "rejectSuggestion"
	CmdAcceptAllSuggestions = "acceptAllSuggestions"
	CmdRejectAllSuggestions = "rejectAllSuggestions"
	CmdSelectSuggestion     = "selectSuggestion"
	CmdStartComparing       = "startComparing"
	CmdStopComparing        = "stopComparing"
	CmdSelectionChanged     = "selectionChanged"
	CmdFocus                = "focus"
	CmdBlur                 = "blur"

	replyType = "reply"

	// seenLimit bounds the request ids remembered for replay detection.
	seenLimit = 512
)

var knownCommands = map[string]struct{}{
	CmdSetContent: {}, CmdAddSuggestion: {}, CmdAcceptSuggestion: {}, CmdRejectSuggestion: {},
	CmdAcceptAllSuggestions: {}, CmdRejectAllSuggestions: {}, CmdSelectSuggestion: {},
	CmdStartComparing: {}, CmdStopComparing: {}, CmdSelectionChanged: {}, CmdFocus: {}, CmdBlur: {},
}

// Session is the editing surface commands act on.
type Session interface {
	SetContent(raw json.RawMessage) error
	Propose(p editor.Proposal) (ledger.Change, error)
	AcceptOne(id string) error
	RejectOne(id string) error
	AcceptAll() (int, error)
	RejectAll() (int, error)
	Select(id string) error
	StartComparing(baseline *doc.Document, label string) error
	StopComparing() error
	SelectionChanged(r presence.Range)
	Focus()
	Blur()
}

// Envelope is the common header of every message. Command fields sit next
// to it in the same JSON object.
type Envelope struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Nonce     string `json:"nonce"`
	RequestID string `json:"requestId,omitempty"`
}

type suggestionTarget struct {
	SuggestionID string `json:"suggestionId"`
}

type setContentPayload struct {
	Content json.RawMessage `json:"content"`
}

type addSuggestionPayload struct {
	Suggestion editor.Proposal `json:"suggestion"`
}

type startComparingPayload struct {
	Baseline json.RawMessage `json:"baseline,omitempty"`
	Label    string          `json:"label,omitempty"`
}

type selectionPayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Reply answers one command.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
}

type queued struct {
	env Envelope
	raw []byte
}

// pending is a request id reserved by the delivery executing it.
type pending struct {
	done  chan struct{}
	reply Reply
}

type Config struct {
	Version int
	Nonce   string
}

type Bridge struct {
	mu      sync.Mutex
	session Session
	version int
	nonce   string

	ready     bool
	replaying bool
	queue     []queued
	outbox    []Reply

	seen      map[string]Reply
	seenOrder []string
	inflight  map[string]*pending

	disabled   bool
	diagnostic string
}

func New(session Session, cfg Config) *Bridge {
	return &Bridge{
		session: session,
		version: cfg.Version,
		nonce:   cfg.Nonce,
		seen:     make(map[string]Reply),
		inflight: make(map[string]*pending),
	}
}

// ChannelNonce derives the per-channel nonce both ends must present.
func ChannelNonce(secret, channelID string) string {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Unreachable: the key is at most blake2b.Size bytes.
		panic(err)
	}
	_, _ = h.Write([]byte(channelID))
	return hex.EncodeToString(h.Sum(nil))
}

// Deliver accepts one raw envelope. Before MarkReady it is queued and a
// queued reply is returned; afterwards it runs at once.
func (b *Bridge) Deliver(raw []byte) (Reply, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		return Reply{}, ErrDisabled
	}
	if env.Version != b.version {
		err := b.disableLocked(fmt.Sprintf("version %d does not match %d", env.Version, b.version))
		b.mu.Unlock()
		return Reply{}, err
	}
	if subtle.ConstantTimeCompare([]byte(env.Nonce), []byte(b.nonce)) != 1 {
		err := b.disableLocked("nonce mismatch")
		b.mu.Unlock()
		return Reply{}, err
	}
	if _, ok := knownCommands[env.Type]; !ok {
		b.mu.Unlock()
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
	if !b.ready {
		b.queue = append(b.queue, queued{env: env, raw: append([]byte(nil), raw...)})
		b.mu.Unlock()
		return Reply{Type: replyType, RequestID: env.RequestID, Command: env.Type, OK: true, Queued: true}, nil
	}
	if env.RequestID == "" {
		b.mu.Unlock()
		return b.execute(env, raw), nil
	}
	if reply, ok := b.seen[env.RequestID]; ok {
		b.mu.Unlock()
		return reply, nil
	}
	if p, ok := b.inflight[env.RequestID]; ok {
		b.mu.Unlock()
		<-p.done
		return p.reply, nil
	}
	p := &pending{done: make(chan struct{})}
	b.inflight[env.RequestID] = p
	b.mu.Unlock()

	p.reply = b.execute(env, raw)

	b.mu.Lock()
	b.rememberLocked(p.reply)
	delete(b.inflight, env.RequestID)
	b.mu.Unlock()
	close(p.done)
	return p.reply, nil
}

// MarkReady replays the queue in arrival order; replies go to the outbox.
// Envelopes delivered during the replay join the end of the queue.
func (b *Bridge) MarkReady() {
	b.mu.Lock()
	if b.ready || b.replaying {
		b.mu.Unlock()
		return
	}
	b.replaying = true
	for len(b.queue) > 0 && !b.disabled {
		next := b.queue[0]
		b.queue = b.queue[1:]
		if reply, ok := b.seen[next.env.RequestID]; ok && next.env.RequestID != "" {
			b.outbox = append(b.outbox, reply)
			continue
		}
		b.mu.Unlock()

		reply := b.execute(next.env, next.raw)

		b.mu.Lock()
		b.rememberLocked(reply)
		b.outbox = append(b.outbox, reply)
	}
	b.queue = nil
	b.replaying = false
	b.ready = true
	b.mu.Unlock()
}

// TakeReplies drains replies produced by queue replay.
func (b *Bridge) TakeReplies() []Reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.outbox
	b.outbox = nil
	return out
}

func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *Bridge) Disabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled
}

// Diagnostic explains why the bridge disabled itself.
func (b *Bridge) Diagnostic() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.diagnostic
}

func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bridge) disableLocked(reason string) error {
	b.disabled = true
	b.diagnostic = reason
	b.queue = nil
	log.Printf("bridge: disabled: %s", reason)
	return fmt.Errorf("%w: %s", ErrProtocolViolation, reason)
}

func (b *Bridge) rememberLocked(reply Reply) {
	if reply.RequestID == "" {
		return
	}
	if _, ok := b.seen[reply.RequestID]; ok {
		return
	}
	b.seen[reply.RequestID] = reply
	b.seenOrder = append(b.seenOrder, reply.RequestID)
	if len(b.seenOrder) > seenLimit {
		delete(b.seen, b.seenOrder[0])
		b.seenOrder = b.seenOrder[1:]
	}
}

func (b *Bridge) execute(env Envelope, raw []byte) Reply {
	reply := Reply{Type: replyType, RequestID: env.RequestID, Command: env.Type}
	result, err := b.run(env.Type, raw)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	reply.Result = result
	return reply
}

func (b *Bridge) run(command string, raw []byte) (any, error) {
	switch command {
	case CmdSetContent:
		var payload setContentPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, b.session.SetContent(payload.Content)
	case CmdAddSuggestion:
		var payload addSuggestionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return b.session.Propose(payload.Suggestion)
	case CmdAcceptSuggestion, CmdRejectSuggestion, CmdSelectSuggestion:
		var target suggestionTarget
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		id := strings.TrimSpace(target.SuggestionID)
		switch command {
		case CmdAcceptSuggestion:
			return nil, b.session.AcceptOne(id)
		case CmdRejectSuggestion:
			return nil, b.session.RejectOne(id)
		default:
			return nil, b.session.Select(id)
		}
	case CmdAcceptAllSuggestions:
		decided, err := b.session.AcceptAll()
		return map[string]int{"decided": decided}, err
	case CmdRejectAllSuggestions:
		decided, err := b.session.RejectAll()
		return map[string]int{"decided": decided}, err
	case CmdStartComparing:
		var payload startComparingPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var baseline *doc.Document
		if len(payload.Baseline) > 0 {
			parsed, err := doc.Parse(payload.Baseline)
			if err != nil {
				return nil, err
			}
			baseline = parsed
		}
		return nil, b.session.StartComparing(baseline, payload.Label)
	case CmdStopComparing:
		return nil, b.session.StopComparing()
	case CmdSelectionChanged:
		var payload selectionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		b.session.SelectionChanged(presence.Range{From: payload.From, To: payload.To})
		return nil, nil
	case CmdFocus:
		b.session.Focus()
		return nil, nil
	case CmdBlur:
		b.session.Blur()
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}
