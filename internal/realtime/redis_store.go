// Package realtime connects editing sessions to remote collaborators: a
// websocket hub for edits and presence, and a redis relay that shares
// presence between API instances.
package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"muse/api/internal/presence"
)

const (
	FramePresence = "presence"
	FrameLeave    = "leave"

	defaultCursorTTL = 30 * time.Second
	scanBatch        = 100
)

var errSubscriptionClosed = errors.New("redis subscription closed")

// Frame is the unit relayed between instances.
type Frame struct {
	Kind       string                 `msgpack:"k"`
	Origin     string                 `msgpack:"o"`
	DocumentID string                 `msgpack:"d"`
	UserID     string                 `msgpack:"u,omitempty"`
	Cursor     *presence.RemoteCursor `msgpack:"c,omitempty"`
	SentAt     time.Time              `msgpack:"t"`
}

// RedisStore caches cursors with a TTL and relays frames over pub/sub.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultCursorTTL
	}
	return &RedisStore{client: client, prefix: "muse:", ttl: ttl}
}

func (s *RedisStore) cursorKey(docID, userID string) string {
	return s.prefix + "cursor:" + docID + ":" + userID
}

func (s *RedisStore) channel(docID string) string {
	return s.prefix + "room:" + docID
}

// SaveCursor stores the cursor until the TTL lapses. Participants refresh it
// with every update.
func (s *RedisStore) SaveCursor(ctx context.Context, docID string, cursor presence.RemoteCursor) error {
	data, err := msgpack.Marshal(&cursor)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := s.client.Set(ctx, s.cursorKey(docID, cursor.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// ListCursors returns the live cursors of a document ordered by user id.
func (s *RedisStore) ListCursors(ctx context.Context, docID string) ([]presence.RemoteCursor, error) {
	pattern := s.cursorKey(docID, "*")
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan cursors: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []presence.RemoteCursor{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	out := make([]presence.RemoteCursor, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var c presence.RemoteCursor
		if err := msgpack.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *RedisStore) RemoveCursor(ctx context.Context, docID, userID string) error {
	if err := s.client.Del(ctx, s.cursorKey(docID, userID)).Err(); err != nil {
		return fmt.Errorf("remove cursor: %w", err)
	}
	return nil
}

// Publish relays a frame to every instance subscribed to the document.
func (s *RedisStore) Publish(ctx context.Context, docID string, frame Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel(docID), data).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Subscribe delivers frames for docID to fn until ctx is cancelled. Lost
// subscriptions are re-established with exponential backoff.
func (s *RedisStore) Subscribe(ctx context.Context, docID string, fn func(Frame)) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return s.subscribeOnce(ctx, docID, fn, policy)
	}, backoff.WithContext(policy, ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *RedisStore) subscribeOnce(ctx context.Context, docID string, fn func(Frame), policy backoff.BackOff) error {
	pubsub := s.client.Subscribe(ctx, s.channel(docID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", docID, err)
	}
	policy.Reset()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errSubscriptionClosed
			}
			frame, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				continue
			}
			fn(frame)
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encodeFrame(frame Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(&frame); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (Frame, error) {
	var frame Frame
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
