package session

// broadcast fans a frame out to a room snapshot. Enqueue never blocks;
// a session whose queue overflowed has already closed itself and its
// writer pump will finish the disconnect, so failures are ignored here.
func broadcast(targets []*Session, frame []byte, exclude string) {
	for _, s := range targets {
		if s.ID == exclude {
			continue
		}
		s.Enqueue(frame)
	}
}

func (r *Registry) roomSnapshot(room map[string]*Session) []*Session {
	out := make([]*Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

// BroadcastChannel sends a frame to every session in a channel room,
// optionally excluding the originator.
func (r *Registry) BroadcastChannel(channelID string, frame []byte, exclude string) {
	r.mu.RLock()
	targets := r.roomSnapshot(r.byChannel[channelID])
	r.mu.RUnlock()
	broadcast(targets, frame, exclude)
}

// BroadcastDoc sends a frame to every session viewing a document,
// optionally excluding the originator.
func (r *Registry) BroadcastDoc(docID string, frame []byte, exclude string) {
	r.mu.RLock()
	targets := r.roomSnapshot(r.byDoc[docID])
	r.mu.RUnlock()
	broadcast(targets, frame, exclude)
}

// Send delivers a frame to a single session by id.
func (r *Registry) Send(sessionID string, frame []byte) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return s.Enqueue(frame)
}
