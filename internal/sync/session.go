package sync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("empty message")
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Remote is the part of the remote client a session needs.
type Remote interface {
	Send(ctx context.Context, chatID string, m store.Message) bool
	SubscribeTail(ctx context.Context, chatID string, since int64, onMessage remote.MessageFunc, known remote.KnownSet) func()
}

// Deps are shared by every session of a daemon.
type Deps struct {
	DB     *store.DB
	Remote Remote
	Bus    *bus.Bus
	Logger *zap.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Session is one open conversation. All of msgs, known and mounted are
// guarded by mu; every callback rechecks mounted after a blocking call.
type Session struct {
	chatID string
	self   string
	peer   string
	d      Deps
	logger *zap.Logger

	mu          sync.Mutex
	msgs        []store.Message
	known       map[string]struct{}
	mounted     bool
	unsubscribe func()
}

// Open activates the conversation between self and peer: it loads the
// local log and subscribes to remote records newer than the newest one held.
func Open(ctx context.Context, d Deps, self, peer string) (*Session, error) {
	self, err := NormalizeParticipant(self)
	if err != nil {
		return nil, err
	}
	peer, err = NormalizeParticipant(peer)
	if err != nil {
		return nil, err
	}
	d = d.withDefaults()
	chatID := ChatID(self, peer)

	s := &Session{
		chatID:  chatID,
		self:    self,
		peer:    peer,
		d:       d,
		logger:  d.Logger.Named("session").With(zap.String("chat_id", chatID)),
		known:   make(map[string]struct{}),
		mounted: true,
	}

	msgs, err := d.DB.LoadMessages(chatID)
	if err != nil {
		s.degraded("load", err)
	}
	var since int64
	for _, m := range msgs {
		s.known[m.ID] = struct{}{}
		since = max(since, m.Timestamp)
	}
	s.msgs = msgs

	unsub := d.Remote.SubscribeTail(ctx, chatID, since, s.receive, s)
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	s.logger.Debug("session opened", zap.Int("loaded", len(msgs)), zap.Int64("since", since))
	return s, nil
}

// ChatID returns the conversation id.
func (s *Session) ChatID() string { return s.chatID }

// Peer returns the other participant.
func (s *Session) Peer() string { return s.peer }

// Has reports whether id is already part of the conversation.
func (s *Session) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

// Messages returns a copy of the visible list.
func (s *Session) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Send appends text as a new message and tries to deliver it right away.
// On failure the message is queued for the outbox processor. The returned
// message carries the status reached: sent or queued.
func (s *Session) Send(ctx context.Context, text string) (store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Message{}, ErrEmptyMessage
	}

	now := s.d.Now()
	m := store.Message{
		ID:        NewMessageID(now),
		Text:      text,
		Sender:    s.self,
		Timestamp: now.UnixMilli(),
		Status:    store.StatusSending,
	}

	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return store.Message{}, ErrSessionClosed
	}
	s.known[m.ID] = struct{}{}
	s.msgs = append(s.msgs, m)
	s.trim()
	s.mu.Unlock()

	s.emit(bus.KindMessageAppended, m)
	if _, err := s.d.DB.AppendMessage(s.chatID, m); err != nil {
		s.degraded("append", err)
	}

	if s.d.Remote.Send(ctx, s.chatID, m) {
		m.Status = store.StatusSent
		s.persistStatus(m.ID, m.Status)
		s.ApplyStatus(m.ID, m.Status)
		s.emit(bus.KindMessageStatusChanged, m)
		return m, nil
	}

	// Mark queued before enqueueing so a drain that delivers the entry
	// first is not overwritten.
	m.Status = store.StatusQueued
	s.persistStatus(m.ID, m.Status)
	s.ApplyStatus(m.ID, m.Status)
	if _, err := s.d.DB.Enqueue(s.chatID, m); err != nil {
		s.degraded("enqueue", err)
	}
	s.emit(bus.KindMessageStatusChanged, m)
	s.logger.Info("message queued", zap.String("msg_id", m.ID))
	return m, nil
}

// ApplyStatus updates the status of a visible message. It reports whether
// the message was found.
func (s *Session) ApplyStatus(id string, st store.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return false
	}
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].Status = st
			return true
		}
	}
	return false
}

// Close stops the live tail and drops the in-memory view. Durable state is
// untouched. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	s.msgs = nil
	s.known = nil
	unsub := s.unsubscribe
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.logger.Debug("session closed")
}

// receive handles a record from the live tail.
func (s *Session) receive(m store.Message) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	if _, ok := s.known[m.ID]; ok {
		s.mu.Unlock()
		return
	}
	if m.Sender == s.self {
		// Our own message echoed back, possibly sent from another device.
		s.mu.Unlock()
		return
	}
	s.known[m.ID] = struct{}{}
	i := sort.Search(len(s.msgs), func(i int) bool { return s.msgs[i].Timestamp > m.Timestamp })
	// A message older than a full window is persisted but not shown.
	if i > 0 || len(s.msgs) < store.MaxChatMessages {
		s.msgs = append(s.msgs, store.Message{})
		copy(s.msgs[i+1:], s.msgs[i:])
		s.msgs[i] = m
		s.trim()
	}
	s.mu.Unlock()

	if _, err := s.d.DB.AppendMessage(s.chatID, m); err != nil {
		s.degraded("append", err)
	}
	s.emit(bus.KindMessageAppended, m)
}

// trim keeps the visible list within the stored log cap. Caller holds mu.
func (s *Session) trim() {
	if over := len(s.msgs) - store.MaxChatMessages; over > 0 {
		s.msgs = append(s.msgs[:0:0], s.msgs[over:]...)
	}
}

func (s *Session) persistStatus(id string, st store.Status) {
	if err := s.d.DB.UpdateMessageStatus(s.chatID, id, st); err != nil {
		s.degraded("update status", err)
	}
}

func (s *Session) emit(kind string, m store.Message) {
	s.d.Bus.Emit(kind, bus.MessagePayload{ChatID: s.chatID, MessageID: m.ID, Status: string(m.Status)})
}

func (s *Session) degraded(op string, err error) {
	s.logger.Error("local storage failed", zap.String("op", op), zap.Error(err))
	s.d.Bus.Emit(bus.KindStorageDegraded, bus.DegradedPayload{Op: op, ChatID: s.chatID, Err: err.Error()})
}
