package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"muse/api/internal/presence"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), 30*time.Second)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", time.Second); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndListCursors(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	cursors := []presence.RemoteCursor{
		{UserID: "u2", DisplayName: "Bea", Color: "#fff", Range: &presence.Range{From: 3, To: 7}, Status: presence.StatusTyping},
		{UserID: "u1", DisplayName: "Ada", Color: "#000", Status: presence.StatusIdle},
	}
	for _, c := range cursors {
		if err := store.SaveCursor(ctx, "doc-1", c); err != nil {
			t.Fatalf("SaveCursor failed: %v", err)
		}
	}
	if err := store.SaveCursor(ctx, "doc-2", presence.RemoteCursor{UserID: "u9"}); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}

	got, err := store.ListCursors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListCursors failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cursors, got %d", len(got))
	}
	if got[0].UserID != "u1" || got[1].UserID != "u2" {
		t.Fatalf("expected cursors sorted by user id, got %+v", got)
	}
	if got[0].Range != nil {
		t.Errorf("expected no range for u1, got %+v", got[0].Range)
	}
	if got[1].Range == nil || got[1].Range.From != 3 || got[1].Range.To != 7 || got[1].Status != presence.StatusTyping {
		t.Errorf("unexpected cursor for u2: %+v", got[1])
	}
}

func TestCursorExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveCursor(ctx, "doc-1", presence.RemoteCursor{UserID: "u1"}); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	s.FastForward(31 * time.Second)

	got, err := store.ListCursors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListCursors failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired cursor to be gone, got %+v", got)
	}
}

func TestRemoveCursor(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveCursor(ctx, "doc-1", presence.RemoteCursor{UserID: "u1"}); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	if err := store.RemoveCursor(ctx, "doc-1", "u1"); err != nil {
		t.Fatalf("RemoveCursor failed: %v", err)
	}
	got, err := store.ListCursors(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListCursors failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no cursors, got %+v", got)
	}
}

func TestPublishSubscribe(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Frame
	done := make(chan error, 1)
	go func() {
		done <- store.Subscribe(ctx, "doc-1", func(f Frame) {
			mu.Lock()
			received = append(received, f)
			mu.Unlock()
		})
	}()

	frame := Frame{
		Kind:       FramePresence,
		Origin:     "instance-a",
		DocumentID: "doc-1",
		UserID:     "u1",
		Cursor:     &presence.RemoteCursor{UserID: "u1", Range: &presence.Range{From: 1, To: 2}},
		SentAt:     time.Now().UTC(),
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := store.Publish(ctx, "doc-1", frame); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for frame")
		}
	}

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.Kind != FramePresence || got.Origin != "instance-a" || got.Cursor == nil || got.Cursor.Range.To != 2 {
		t.Fatalf("unexpected frame %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestFrameCodec(t *testing.T) {
	frame := Frame{Kind: FrameLeave, Origin: "a", DocumentID: "d", UserID: "u", SentAt: time.Unix(100, 0).UTC()}
	data, err := encodeFrame(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != frame.Kind || got.UserID != "u" || !got.SentAt.Equal(frame.SentAt) || got.Cursor != nil {
		t.Fatalf("unexpected frame %+v", got)
	}
	if _, err := decodeFrame([]byte{0xc1}); err == nil {
		t.Fatal("expected error for invalid msgpack")
	}
}
