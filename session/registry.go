package session

import (
	"sync"
)

// Presence describes one user for the presence queries. DocID is the
// document the user currently has open, empty when they are only in the
// channel room. SessionID identifies one of the user's live sessions.
type Presence struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	DocID     string `json:"docId,omitempty"`
}

// Registry is the in-memory session table with reverse indexes by channel
// room and document room. All room membership changes go through the
// registry so the indexes and the per-session membership stay consistent.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	channelOf map[string]string
	docOf     map[string]string
	byChannel map[string]map[string]*Session
	byDoc     map[string]map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		channelOf: make(map[string]string),
		docOf:     make(map[string]string),
		byChannel: make(map[string]map[string]*Session),
		byDoc:     make(map[string]map[string]*Session),
	}
}

// Add registers a freshly upgraded session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops a session and its room memberships. Returns the channel
// and document rooms it was in so the caller can emit leave notifications
// and run last-viewer bookkeeping.
func (r *Registry) Remove(sessionID string) (channelID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channelID = r.channelOf[sessionID]
	docID = r.docOf[sessionID]
	r.detachDocLocked(sessionID)
	r.detachChannelLocked(sessionID)
	delete(r.sessions, sessionID)
	return channelID, docID
}

// Get looks a session up by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AttachChannel moves a session into a channel room. Entering a channel
// implicitly leaves the previous channel and any open document, since
// documents belong to channels. Returns the rooms that were left.
func (r *Registry) AttachChannel(sessionID, channelID string) (prevChannel, prevDoc string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ""
	}
	prevChannel = r.channelOf[sessionID]
	prevDoc = r.docOf[sessionID]
	r.detachDocLocked(sessionID)
	r.detachChannelLocked(sessionID)

	r.channelOf[sessionID] = channelID
	room := r.byChannel[channelID]
	if room == nil {
		room = make(map[string]*Session)
		r.byChannel[channelID] = room
	}
	room[sessionID] = s
	return prevChannel, prevDoc
}

// DetachChannel removes a session from its channel room, and from its
// document room with it. Returns the rooms that were left.
func (r *Registry) DetachChannel(sessionID string) (channelID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID = r.channelOf[sessionID]
	docID = r.docOf[sessionID]
	r.detachDocLocked(sessionID)
	r.detachChannelLocked(sessionID)
	return channelID, docID
}

// AttachDoc moves a session into a document room, leaving any previous
// document room. Returns the previous document id.
func (r *Registry) AttachDoc(sessionID, docID string) (prevDoc string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ""
	}
	prevDoc = r.docOf[sessionID]
	r.detachDocLocked(sessionID)

	r.docOf[sessionID] = docID
	room := r.byDoc[docID]
	if room == nil {
		room = make(map[string]*Session)
		r.byDoc[docID] = room
	}
	room[sessionID] = s
	return prevDoc
}

// DetachDoc removes a session from its document room. Returns the
// document id and whether the room is now empty, which drives the
// last-viewer write-through.
func (r *Registry) DetachDoc(sessionID string) (docID string, lastViewer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docID = r.docOf[sessionID]
	r.detachDocLocked(sessionID)
	if docID == "" {
		return "", false
	}
	return docID, len(r.byDoc[docID]) == 0
}

func (r *Registry) detachChannelLocked(sessionID string) {
	channelID, ok := r.channelOf[sessionID]
	if !ok {
		return
	}
	delete(r.channelOf, sessionID)
	if room := r.byChannel[channelID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.byChannel, channelID)
		}
	}
}

func (r *Registry) detachDocLocked(sessionID string) {
	docID, ok := r.docOf[sessionID]
	if !ok {
		return
	}
	delete(r.docOf, sessionID)
	if room := r.byDoc[docID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.byDoc, docID)
		}
	}
}

// ChannelOf returns the channel room a session is in.
func (r *Registry) ChannelOf(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelOf[sessionID]
}

// DocOf returns the document room a session is in.
func (r *Registry) DocOf(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docOf[sessionID]
}

// ChannelUsers lists the distinct users in a channel room. A user with
// several sessions appears once; the entry carries the document any of
// those sessions has open, preferring a non-empty one.
func (r *Registry) ChannelUsers(channelID string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.byChannel[channelID]
	index := make(map[string]int, len(room))
	out := make([]Presence, 0, len(room))
	for id, s := range room {
		docID := r.docOf[id]
		if i, ok := index[s.UserID]; ok {
			if out[i].DocID == "" && docID != "" {
				out[i].SessionID = id
				out[i].DocID = docID
			}
			continue
		}
		index[s.UserID] = len(out)
		out = append(out, Presence{
			SessionID: id,
			UserID:    s.UserID,
			UserName:  s.UserName,
			DocID:     docID,
		})
	}
	return out
}

// DocUsers lists the distinct users viewing a document.
func (r *Registry) DocUsers(docID string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.byDoc[docID]
	seen := make(map[string]bool, len(room))
	out := make([]Presence, 0, len(room))
	for id, s := range room {
		if seen[s.UserID] {
			continue
		}
		seen[s.UserID] = true
		out = append(out, Presence{
			SessionID: id,
			UserID:    s.UserID,
			UserName:  s.UserName,
			DocID:     docID,
		})
	}
	return out
}

// DocViewerCount returns how many sessions have a document open.
func (r *Registry) DocViewerCount(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDoc[docID])
}

// All returns a snapshot of every registered session, used for shutdown.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// OpenDocs returns the ids of every document with at least one viewer.
func (r *Registry) OpenDocs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byDoc))
	for id := range r.byDoc {
		out = append(out, id)
	}
	return out
}
