package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"muse/api/internal/editor"
	"muse/api/internal/presence"
)

const (
	MessageSnapshot = "snapshot"
	MessageEdit     = "edit"
	MessagePresence = "presence"
	MessageError    = "error"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var ErrHubClosed = errors.New("realtime hub closed")

// PresenceStore shares cursors between instances. *RedisStore implements it.
type PresenceStore interface {
	SaveCursor(ctx context.Context, docID string, cursor presence.RemoteCursor) error
	ListCursors(ctx context.Context, docID string) ([]presence.RemoteCursor, error)
	RemoveCursor(ctx context.Context, docID, userID string) error
	Publish(ctx context.Context, docID string, frame Frame) error
	Subscribe(ctx context.Context, docID string, fn func(Frame)) error
}

// Message is the websocket wire format in both directions.
type Message struct {
	Type    string                  `json:"type"`
	Edit    *editor.Edit            `json:"edit,omitempty"`
	Cursor  *presence.RemoteCursor  `json:"cursor,omitempty"`
	Cursors []presence.RemoteCursor `json:"cursors,omitempty"`
	Content json.RawMessage         `json:"content,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// Hub owns one room per document with connected websocket clients.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	store    PresenceStore
	instance string
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewHub creates a hub. store may be nil, in which case presence stays
// within this instance.
func NewHub(store PresenceStore, instanceID string, allowedOrigin string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:    make(map[string]*Room),
		store:    store,
		instance: instanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Hub) room(docID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if room, ok := h.rooms[docID]; ok {
		return room, nil
	}
	room := newRoom(h, docID)
	h.rooms[docID] = room
	if h.store != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			room.relay(room.ctx)
		}()
	}
	return room, nil
}

// Provider returns the sync provider of a document's room. load supplies
// the initial content.
func (h *Hub) Provider(docID string, load func(ctx context.Context) (json.RawMessage, error)) (*RoomProvider, error) {
	room, err := h.room(docID)
	if err != nil {
		return nil, err
	}
	return &RoomProvider{room: room, load: load}, nil
}

// Transport returns the presence transport of a document's room.
func (h *Hub) Transport(docID string) (*RoomTransport, error) {
	room, err := h.room(docID)
	if err != nil {
		return nil, err
	}
	return &RoomTransport{room: room}, nil
}

// ServeWS upgrades the request and joins the client to the document's room
// under identity. It returns once the connection is closed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, docID string, identity presence.Identity) error {
	room, err := h.room(docID)
	if err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{room: room, conn: conn, identity: identity, send: make(chan []byte, sendBuffer)}
	room.join(c)

	go c.writePump()
	c.readPump()
	room.leave(c)
	return nil
}

// CloseRoom disconnects every client of a document.
func (h *Hub) CloseRoom(docID string) {
	h.mu.Lock()
	room, ok := h.rooms[docID]
	delete(h.rooms, docID)
	h.mu.Unlock()
	if ok {
		room.close()
	}
}

// Clients reports how many websocket clients a room has.
func (h *Hub) Clients(docID string) int {
	h.mu.Lock()
	room, ok := h.rooms[docID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return room.clientCount()
}

// Run blocks until ctx is done and then shuts the hub down.
func (h *Hub) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	h.Close()
	return nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	h.cancel()
	for _, room := range rooms {
		room.close()
	}
	h.wg.Wait()
}

// Room is the set of clients editing one document.
type Room struct {
	hub    *Hub
	docID  string
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	clients     map[*client]struct{}
	cursors     map[string]presence.RemoteCursor
	subscribers map[int]func(editor.Edit)
	listeners   map[int]func([]presence.RemoteCursor)
	nextID      int
	content     func() json.RawMessage
}

func newRoom(h *Hub, docID string) *Room {
	ctx, cancel := context.WithCancel(h.ctx)
	return &Room{
		hub:         h,
		docID:       docID,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[*client]struct{}),
		cursors:     make(map[string]presence.RemoteCursor),
		subscribers: make(map[int]func(editor.Edit)),
		listeners:   make(map[int]func([]presence.RemoteCursor)),
	}
}

func (r *Room) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) join(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	contentFn := r.content
	cursors := r.snapshotLocked()
	r.mu.Unlock()

	msg := Message{Type: MessageSnapshot, Cursors: cursors}
	if contentFn != nil {
		msg.Content = contentFn()
	}
	c.enqueue(msg)
	log.Printf("realtime: %s joined %s", c.identity.UserID, r.docID)
}

func (r *Room) leave(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	close(c.send)
	r.mu.Unlock()

	r.removeCursor(c.identity.UserID, true)
	log.Printf("realtime: %s left %s", c.identity.UserID, r.docID)
}

func (r *Room) close() {
	r.cancel()
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()
	for c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
}

// receive handles one message read from a client.
func (r *Room) receive(from *client, msg Message) {
	switch msg.Type {
	case MessageEdit:
		if msg.Edit == nil {
			from.enqueue(Message{Type: MessageError, Error: "edit frame without edit"})
			return
		}
		edit := *msg.Edit
		if edit.Origin == "" {
			edit.Origin = from.identity.UserID
		}
		r.mu.Lock()
		subscribers := make([]func(editor.Edit), 0, len(r.subscribers))
		for id := 0; id < r.nextID; id++ {
			if fn, ok := r.subscribers[id]; ok {
				subscribers = append(subscribers, fn)
			}
		}
		r.mu.Unlock()
		for _, fn := range subscribers {
			fn(edit)
		}
		r.broadcast(Message{Type: MessageEdit, Edit: &edit}, from)
	case MessagePresence:
		if msg.Cursor == nil {
			return
		}
		cursor := *msg.Cursor
		cursor.UserID = from.identity.UserID
		if cursor.DisplayName == "" {
			cursor.DisplayName = from.identity.DisplayName
		}
		if cursor.Color == "" {
			cursor.Color = from.identity.Color
		}
		r.publishCursor(r.ctx, cursor)
	default:
		from.enqueue(Message{Type: MessageError, Error: "unknown message type " + msg.Type})
	}
}

// publishCursor records a cursor of this instance and shares it.
func (r *Room) publishCursor(ctx context.Context, cursor presence.RemoteCursor) {
	r.applyCursor(cursor)
	store := r.hub.store
	if store == nil {
		return
	}
	if err := store.SaveCursor(ctx, r.docID, cursor); err != nil {
		log.Printf("realtime: save cursor: %v", err)
	}
	c := cursor
	frame := Frame{Kind: FramePresence, Origin: r.hub.instance, DocumentID: r.docID, UserID: cursor.UserID, Cursor: &c, SentAt: time.Now().UTC()}
	if err := store.Publish(ctx, r.docID, frame); err != nil {
		log.Printf("realtime: publish cursor: %v", err)
	}
}

func (r *Room) removeCursor(userID string, share bool) {
	r.mu.Lock()
	_, ok := r.cursors[userID]
	delete(r.cursors, userID)
	cursors := r.snapshotLocked()
	r.mu.Unlock()
	if !ok {
		return
	}
	r.fanOut(cursors)

	store := r.hub.store
	if !share || store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.RemoveCursor(ctx, r.docID, userID); err != nil {
		log.Printf("realtime: remove cursor: %v", err)
	}
	frame := Frame{Kind: FrameLeave, Origin: r.hub.instance, DocumentID: r.docID, UserID: userID, SentAt: time.Now().UTC()}
	if err := store.Publish(ctx, r.docID, frame); err != nil {
		log.Printf("realtime: publish leave: %v", err)
	}
}

func (r *Room) applyCursor(cursor presence.RemoteCursor) {
	r.mu.Lock()
	r.cursors[cursor.UserID] = cursor
	cursors := r.snapshotLocked()
	r.mu.Unlock()
	r.fanOut(cursors)
}

// fanOut sends the full cursor set to clients and local listeners.
func (r *Room) fanOut(cursors []presence.RemoteCursor) {
	r.broadcast(Message{Type: MessagePresence, Cursors: cursors}, nil)
	r.mu.Lock()
	listeners := make([]func([]presence.RemoteCursor), 0, len(r.listeners))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(cursors)
	}
}

func (r *Room) snapshotLocked() []presence.RemoteCursor {
	out := make([]presence.RemoteCursor, 0, len(r.cursors))
	for _, c := range r.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) broadcast(msg Message, except *client) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("realtime: encode %s message: %v", msg.Type, err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if c == except {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client; it resyncs from the next snapshot.
			log.Printf("realtime: dropping %s message for %s", msg.Type, c.identity.UserID)
		}
	}
}

// relay applies presence frames published by other instances.
func (r *Room) relay(ctx context.Context) {
	if cursors, err := r.hub.store.ListCursors(ctx, r.docID); err == nil {
		r.mu.Lock()
		for _, c := range cursors {
			r.cursors[c.UserID] = c
		}
		r.mu.Unlock()
	}
	err := r.hub.store.Subscribe(ctx, r.docID, func(frame Frame) {
		if frame.Origin == r.hub.instance {
			return
		}
		switch frame.Kind {
		case FramePresence:
			if frame.Cursor != nil {
				r.applyCursor(*frame.Cursor)
			}
		case FrameLeave:
			r.removeCursor(frame.UserID, false)
		}
	})
	if err != nil {
		log.Printf("realtime: relay for %s stopped: %v", r.docID, err)
	}
}

type client struct {
	room     *Room
	conn     *websocket.Conn
	identity presence.Identity
	send     chan []byte
}

func (c *client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	if _, ok := c.room.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read from %s: %v", c.identity.UserID, err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(Message{Type: MessageError, Error: "malformed message"})
			continue
		}
		c.room.receive(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
