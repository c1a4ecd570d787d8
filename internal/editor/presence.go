package editor

import "muse/api/internal/presence"

// Focus, Blur, SelectionChanged and Typed forward local surface activity to
// the presence broadcaster.
func (s *Session) Focus() { s.presence.Focus() }

func (s *Session) Blur() { s.presence.Blur() }

func (s *Session) SelectionChanged(r presence.Range) { s.presence.SelectionChanged(r) }

func (s *Session) Typed() { s.presence.Typed() }

// ApplyPresence replaces the remote cursor set with a snapshot from the
// transport.
func (s *Session) ApplyPresence(cursors []presence.RemoteCursor) {
	s.presence.ApplySnapshot(cursors)
}

func (s *Session) Cursors() []presence.RemoteCursor { return s.presence.Remote() }

func (s *Session) LocalCursor() presence.RemoteCursor { return s.presence.Local() }
