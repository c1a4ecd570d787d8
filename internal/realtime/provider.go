package realtime

import (
	"context"
	"encoding/json"

	"muse/api/internal/editor"
	"muse/api/internal/presence"
)

// RoomProvider is the sync provider of one room. Edits received from
// websocket clients are handed to subscribers; local edits are broadcast to
// every client.
type RoomProvider struct {
	room *Room
	load func(ctx context.Context) (json.RawMessage, error)
}

var _ editor.Provider = (*RoomProvider)(nil)

func (p *RoomProvider) InitialContent(ctx context.Context) (json.RawMessage, error) {
	if p.load == nil {
		return nil, nil
	}
	return p.load(ctx)
}

func (p *RoomProvider) ApplyLocalEdit(ctx context.Context, edit editor.Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.room.broadcast(Message{Type: MessageEdit, Edit: &edit}, nil)
	return nil
}

func (p *RoomProvider) Subscribe(fn func(editor.Edit)) func() {
	r := p.room
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// AttachContent sets the source of the content sent to joining clients.
func (p *RoomProvider) AttachContent(fn func() json.RawMessage) {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	p.room.content = fn
}

// OnPresence registers fn for every change of the room's cursor set.
func (p *RoomProvider) OnPresence(fn func([]presence.RemoteCursor)) func() {
	r := p.room
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// RoomTransport carries the session's own cursor into the room.
type RoomTransport struct {
	room *Room
}

var _ presence.Transport = (*RoomTransport)(nil)

func (t *RoomTransport) Send(ctx context.Context, update presence.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.room.publishCursor(ctx, update.RemoteCursor)
	return nil
}
