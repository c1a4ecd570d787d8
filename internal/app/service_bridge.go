package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"muse/api/internal/bridge"
	"muse/api/internal/editor"
	"muse/api/internal/util"
)

// channel is a host bridge bound to one document session.
type channel struct {
	id         string
	documentID string
	opener     string
	bridge     *bridge.Bridge
}

// OpenChannel creates a bridge channel on the document. The returned nonce
// and version must accompany every envelope sent on it.
func (s *Service) OpenChannel(ctx context.Context, documentID, userName string) (map[string]any, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return nil, err
	}
	id := util.NewID("chn")
	nonce := bridge.ChannelNonce(s.cfg.BridgeSecret, id)
	ch := &channel{
		id:         id,
		documentID: documentID,
		opener:     userName,
		bridge:     bridge.New(ds.editor, bridge.Config{Version: s.cfg.BridgeVersion, Nonce: nonce}),
	}
	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	// Runs at once for a loaded session, replaying nothing.
	ds.editor.OnReady(ch.bridge.MarkReady)

	return map[string]any{
		"channelId": id,
		"nonce":     nonce,
		"version":   s.cfg.BridgeVersion,
		"ready":     ch.bridge.Ready(),
	}, nil
}

// Deliver runs one envelope on the channel. Replies produced by replaying
// queued envelopes are returned alongside the reply to this one.
func (s *Service) Deliver(ctx context.Context, documentID, channelID, userName string, raw json.RawMessage) (map[string]any, error) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok || ch.documentID != documentID {
		return nil, notFound("CHANNEL_NOT_FOUND", "Bridge channel not found")
	}

	actor := userName
	if actor == "" {
		actor = ch.opener
	}
	var reply bridge.Reply
	err := s.mutate(ctx, documentID, actor, func(*editor.Session) error {
		var err error
		reply, err = ch.bridge.Deliver(raw)
		return err
	})
	if err != nil {
		if errors.Is(err, bridge.ErrDisabled) || errors.Is(err, bridge.ErrProtocolViolation) {
			return nil, domainError(http.StatusConflict, "BRIDGE_DISABLED", "Bridge channel disabled", map[string]any{
				"diagnostic": ch.bridge.Diagnostic(),
			})
		}
		return nil, err
	}
	replayed := ch.bridge.TakeReplies()
	if replayed == nil {
		replayed = []bridge.Reply{}
	}
	return map[string]any{
		"reply":    reply,
		"replayed": replayed,
	}, nil
}
