package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	alice = "1111111111"
	bob   = "2222222222"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type tailSub struct {
	since     int64
	onMessage remote.MessageFunc
	known     remote.KnownSet
	closed    bool
}

// fakeRemote records sends and exposes the tail callbacks so tests can
// push inbound records.
type fakeRemote struct {
	mu   sync.Mutex
	ok   bool
	sent []store.Message
	subs map[string]*tailSub
}

func newFakeRemote(ok bool) *fakeRemote {
	return &fakeRemote{ok: ok, subs: make(map[string]*tailSub)}
}

func (f *fakeRemote) Send(_ context.Context, _ string, m store.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.ok
}

func (f *fakeRemote) SubscribeTail(_ context.Context, chatID string, since int64, onMessage remote.MessageFunc, known remote.KnownSet) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &tailSub{since: since, onMessage: onMessage, known: known}
	f.subs[chatID] = sub
	return func() {
		f.mu.Lock()
		sub.closed = true
		f.mu.Unlock()
	}
}

func (f *fakeRemote) sub(chatID string) *tailSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[chatID]
}

// push delivers m the way the live tail does.
func (f *fakeRemote) push(chatID string, m store.Message) {
	sub := f.sub(chatID)
	if sub.known != nil && sub.known.Has(m.ID) {
		return
	}
	m.Status = store.StatusSent
	sub.onMessage(m)
}

func deps(t *testing.T, db *store.DB, r Remote, b *bus.Bus) Deps {
	logger, _ := zap.NewDevelopment()
	return Deps{DB: db, Remote: r, Bus: b, Logger: logger}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestChatIDIsSymmetric(t *testing.T) {
	pairs := [][2]string{{alice, bob}, {"5511999999999", "5511888888888"}, {alice, alice}}
	for _, p := range pairs {
		if ChatID(p[0], p[1]) != ChatID(p[1], p[0]) {
			t.Errorf("ChatID(%s,%s) != ChatID(%s,%s)", p[0], p[1], p[1], p[0])
		}
	}
	if got := ChatID(bob, alice); got != "1111111111_2222222222" {
		t.Errorf("ChatID = %q", got)
	}
}

func TestNormalizeParticipant(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"1111111111", "1111111111", false},
		{"+55 (11) 99999-9999", "5511999999999", false},
		{"123456789", "", true},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeParticipant(tt.in)
		if tt.err {
			if !errors.Is(err, ErrInvalidParticipant) {
				t.Errorf("NormalizeParticipant(%q) error = %v, want ErrInvalidParticipant", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeParticipant(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestNewMessageID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	re := regexp.MustCompile(`^1700000000123_[0-9a-f]{9}$`)
	a, b := NewMessageID(now), NewMessageID(now)
	if !re.MatchString(a) {
		t.Errorf("NewMessageID = %q", a)
	}
	if a == b {
		t.Error("two ids in the same millisecond collided")
	}
}

func TestOpenLoadsLocalLogAndSubscribes(t *testing.T) {
	db := testDB(t)
	chatID := ChatID(alice, bob)
	for _, m := range []store.Message{
		{ID: "5_a", Text: "a", Sender: bob, Timestamp: 5, Status: store.StatusSent},
		{ID: "9_b", Text: "b", Sender: alice, Timestamp: 9, Status: store.StatusSent},
	} {
		if _, err := db.AppendMessage(chatID, m); err != nil {
			t.Fatal(err)
		}
	}
	r := newFakeRemote(true)

	s, err := Open(context.Background(), deps(t, db, r, nil), alice, "+"+bob)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.ChatID() != chatID || s.Peer() != bob {
		t.Errorf("chat = %s peer = %s", s.ChatID(), s.Peer())
	}
	if got := ids(s.Messages()); len(got) != 2 || got[0] != "5_a" || got[1] != "9_b" {
		t.Errorf("messages = %v", got)
	}
	sub := r.sub(chatID)
	if sub == nil || sub.since != 9 {
		t.Fatalf("subscription = %+v, want since 9", sub)
	}
	if !s.Has("5_a") || s.Has("nope") {
		t.Error("known set does not match the loaded log")
	}
}

func TestOpenRejectsInvalidParticipant(t *testing.T) {
	_, err := Open(context.Background(), deps(t, testDB(t), newFakeRemote(true), nil), alice, "123")
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("err = %v, want ErrInvalidParticipant", err)
	}
}

func TestSendOnline(t *testing.T) {
	db := testDB(t)
	r := newFakeRemote(true)
	b := bus.New()
	events, unsub := b.Subscribe("message.", 10)
	defer unsub()

	s, err := Open(context.Background(), deps(t, db, r, b), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.Send(context.Background(), "  hi  ")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "hi" || m.Status != store.StatusSent || m.Sender != alice {
		t.Errorf("sent message = %+v", m)
	}
	if !s.Has(m.ID) {
		t.Error("own message not in known set")
	}

	visible := s.Messages()
	if len(visible) != 1 || visible[0].Status != store.StatusSent {
		t.Errorf("visible = %+v", visible)
	}
	stored, _ := db.LoadMessages(s.ChatID())
	if len(stored) != 1 || stored[0].Status != store.StatusSent {
		t.Errorf("stored = %+v", stored)
	}
	if n, _ := db.OutboxLen(); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}

	for _, want := range []string{bus.KindMessageAppended, bus.KindMessageStatusChanged} {
		select {
		case evt := <-events:
			if evt.Kind != want {
				t.Errorf("event = %s, want %s", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestSendOfflineQueues(t *testing.T) {
	db := testDB(t)
	r := newFakeRemote(false)

	s, err := Open(context.Background(), deps(t, db, r, nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusQueued {
		t.Errorf("status = %s, want queued", m.Status)
	}
	if v := s.Messages(); len(v) != 1 || v[0].Status != store.StatusQueued {
		t.Errorf("visible = %+v", v)
	}

	entries, err := db.DequeueAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RetryCount != 0 || entries[0].Message.ID != m.ID {
		t.Fatalf("outbox = %+v", entries)
	}
	if entries[0].ChatID != s.ChatID() {
		t.Errorf("outbox chat = %s", entries[0].ChatID)
	}
}

func TestSendRejectsEmptyAndClosed(t *testing.T) {
	s, err := Open(context.Background(), deps(t, testDB(t), newFakeRemote(true), nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank send err = %v", err)
	}
	s.Close()
	s.Close()
	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send after close err = %v", err)
	}
}

func TestInboundOrderingAndFiltering(t *testing.T) {
	db := testDB(t)
	r := newFakeRemote(true)
	s, err := Open(context.Background(), deps(t, db, r, nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	chatID := s.ChatID()

	r.push(chatID, store.Message{ID: "20_b", Text: "later", Sender: bob, Timestamp: 20})
	r.push(chatID, store.Message{ID: "10_a", Text: "earlier", Sender: bob, Timestamp: 10})
	r.push(chatID, store.Message{ID: "15_x", Text: "echo", Sender: alice, Timestamp: 15})
	// Bypass the tail's own filter to exercise the session's.
	r.sub(chatID).onMessage(store.Message{ID: "20_b", Text: "later", Sender: bob, Timestamp: 20, Status: store.StatusSent})

	got := s.Messages()
	if ids := ids(got); len(ids) != 2 || ids[0] != "10_a" || ids[1] != "20_b" {
		t.Fatalf("visible = %v, want [10_a 20_b]", ids)
	}
	if got[0].Status != store.StatusSent {
		t.Errorf("inbound status = %s", got[0].Status)
	}
	if n, _ := db.MessageCount(); n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}
}

func TestInboundOlderThanFullWindow(t *testing.T) {
	db := testDB(t)
	chatID := ChatID(alice, bob)
	for i := range store.MaxChatMessages {
		m := store.Message{ID: fmt.Sprintf("%d_m", 100+i), Text: "m", Sender: bob, Timestamp: int64(100 + i), Status: store.StatusSent}
		if _, err := db.AppendMessage(chatID, m); err != nil {
			t.Fatal(err)
		}
	}
	r := newFakeRemote(true)
	s, err := Open(context.Background(), deps(t, db, r, nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	r.push(chatID, store.Message{ID: "1_old", Text: "old", Sender: bob, Timestamp: 1})
	got := s.Messages()
	if len(got) != store.MaxChatMessages || got[0].ID != "100_m" {
		t.Fatalf("visible = %d starting at %s, want %d starting at 100_m", len(got), got[0].ID, store.MaxChatMessages)
	}
	if !s.Has("1_old") {
		t.Error("old inbound not recorded as known")
	}

	r.push(chatID, store.Message{ID: "500_new", Text: "new", Sender: bob, Timestamp: 500})
	got = s.Messages()
	if len(got) != store.MaxChatMessages || got[0].ID != "101_m" || got[len(got)-1].ID != "500_new" {
		t.Errorf("visible after newer inbound = [%s .. %s]", got[0].ID, got[len(got)-1].ID)
	}
}

func TestInboundAfterCloseIgnored(t *testing.T) {
	db := testDB(t)
	r := newFakeRemote(true)
	s, err := Open(context.Background(), deps(t, db, r, nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	chatID := s.ChatID()
	sub := r.sub(chatID)

	s.Close()
	if !sub.closed {
		t.Error("close did not unsubscribe")
	}
	sub.onMessage(store.Message{ID: "1_late", Text: "late", Sender: bob, Timestamp: 1})
	if n, _ := db.MessageCount(); n != 0 {
		t.Errorf("stored = %d after close, want 0", n)
	}
	if len(s.Messages()) != 0 {
		t.Error("closed session kept messages")
	}
}

func TestReceiverGetsRetriedMessageOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	newRemote := func() *remote.Client {
		c := remote.New(redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2}), remote.Options{}, nil)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ra, rb := newRemote(), newRemote()
	ctx := context.Background()

	b, err := Open(ctx, deps(t, testDB(t), rb, nil), bob, alice)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	time.Sleep(50 * time.Millisecond)

	a, err := Open(ctx, deps(t, testDB(t), ra, nil), alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	m, err := a.Send(ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}
	// The outbox retrying an already delivered message.
	ra.Send(ctx, a.ChatID(), m)
	ra.Send(ctx, a.ChatID(), m)

	deadline := time.Now().Add(3 * time.Second)
	for len(b.Messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	got := b.Messages()
	if len(got) != 1 {
		t.Fatalf("receiver has %d messages, want 1", len(got))
	}
	if got[0].ID != m.ID || got[0].Text != "hi" || got[0].Status != store.StatusSent {
		t.Errorf("received = %+v", got[0])
	}
	// The sender does not see its own echo twice.
	if n := len(a.Messages()); n != 1 {
		t.Errorf("sender has %d messages, want 1", n)
	}
}

func TestHubRefCounting(t *testing.T) {
	r := newFakeRemote(true)
	h := NewHub(deps(t, testDB(t), r, nil))
	ctx := context.Background()

	s1, err := h.Acquire(ctx, alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := h.Acquire(ctx, bob, alice)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 || h.Len() != 1 {
		t.Fatalf("expected one shared session, have %d", h.Len())
	}

	if !h.Release(s1.ChatID()) {
		t.Fatal("release of held session reported false")
	}
	if _, err := s1.Send(ctx, "still open"); err != nil {
		t.Fatalf("session closed while referenced: %v", err)
	}
	h.Release(s1.ChatID())
	if h.Len() != 0 {
		t.Error("session kept after last release")
	}
	if _, err := s1.Send(ctx, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
	if h.Release(s1.ChatID()) {
		t.Error("release of unknown chat reported true")
	}
}

func TestHubApplyStatus(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindMessageStatusChanged, 10)
	defer unsub()
	h := NewHub(deps(t, db, newFakeRemote(false), b))
	ctx := context.Background()

	s, err := h.Acquire(ctx, alice, bob)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := s.Send(ctx, "hi")
	<-events // queued

	h.ApplyStatus(m.ID, s.ChatID(), store.StatusSent)
	if got := s.Messages()[0].Status; got != store.StatusSent {
		t.Errorf("visible status = %s, want sent", got)
	}
	evt := <-events
	p := evt.Payload.(bus.MessagePayload)
	if p.MessageID != m.ID || p.Status != string(store.StatusSent) {
		t.Errorf("payload = %+v", p)
	}

	// No open session: the event is still published.
	h.ApplyStatus("1_x", "3333333333_4444444444", store.StatusFailed)
	select {
	case evt := <-events:
		if evt.Payload.(bus.MessagePayload).ChatID != "3333333333_4444444444" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for closed conversation")
	}

	h.CloseAll()
	if h.Len() != 0 {
		t.Error("CloseAll left sessions")
	}
}
