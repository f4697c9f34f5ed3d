package sync

import (
	"context"
	"sync"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

type hubEntry struct {
	session *Session
	refs    int
}

// Hub is the registry of open sessions. Several callers may hold the same
// conversation; it closes once the last one releases it.
type Hub struct {
	d      Deps
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*hubEntry
}

// NewHub creates an empty hub whose sessions share d.
func NewHub(d Deps) *Hub {
	d = d.withDefaults()
	return &Hub{
		d:        d,
		logger:   d.Logger.Named("hub"),
		sessions: make(map[string]*hubEntry),
	}
}

// Acquire returns the open session between self and peer, opening it when
// needed, and takes a reference on it.
func (h *Hub) Acquire(ctx context.Context, self, peer string) (*Session, error) {
	a, err := NormalizeParticipant(self)
	if err != nil {
		return nil, err
	}
	b, err := NormalizeParticipant(peer)
	if err != nil {
		return nil, err
	}
	chatID := ChatID(a, b)

	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[chatID]; ok {
		e.refs++
		return e.session, nil
	}
	s, err := Open(ctx, h.d, a, b)
	if err != nil {
		return nil, err
	}
	h.sessions[chatID] = &hubEntry{session: s, refs: 1}
	h.logger.Info("conversation opened", zap.String("chat_id", chatID))
	return s, nil
}

// Get returns the open session for chatID without taking a reference.
func (h *Hub) Get(chatID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[chatID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Release drops one reference on chatID and closes the session when none
// remain. It reports whether a session was held.
func (h *Hub) Release(chatID string) bool {
	h.mu.Lock()
	e, ok := h.sessions[chatID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return true
	}
	delete(h.sessions, chatID)
	h.mu.Unlock()

	e.session.Close()
	h.logger.Info("conversation closed", zap.String("chat_id", chatID))
	return true
}

// ApplyStatus routes a status change discovered by the outbox processor to
// the open session of chatID, if any, and publishes it.
func (h *Hub) ApplyStatus(messageID, chatID string, st store.Status) {
	if s, ok := h.Get(chatID); ok {
		s.ApplyStatus(messageID, st)
	}
	h.d.Bus.Emit(bus.KindMessageStatusChanged, bus.MessagePayload{ChatID: chatID, MessageID: messageID, Status: string(st)})
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every session regardless of references.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*hubEntry)
	h.mu.Unlock()
	for _, e := range sessions {
		e.session.Close()
	}
}
