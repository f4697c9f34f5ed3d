package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matheus3301/parley/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const chat = "1111111111_2222222222"

func testClient(t *testing.T, mr *miniredis.Miniredis, opts Options) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	logger, _ := zap.NewDevelopment()
	c := New(rdb, opts, logger)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func message(id string, ts int64) store.Message {
	return store.Message{ID: id, Text: "hi " + id, Sender: "1111111111", Timestamp: ts, Status: store.StatusSending}
}

type knownIDs map[string]bool

func (k knownIDs) Has(id string) bool { return k[id] }

func collector() (MessageFunc, chan store.Message) {
	ch := make(chan store.Message, 128)
	return func(m store.Message) { ch <- m }, ch
}

func waitMessages(t *testing.T, ch <-chan store.Message, n int) []store.Message {
	t.Helper()
	var got []store.Message
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-deadline:
			t.Fatalf("got %d messages, want %d", len(got), n)
		}
	}
	return got
}

func expectNone(t *testing.T, ch <-chan store.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSendIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	m := message("1000_abc", 1000)
	for i := range 2 {
		if !c.Send(ctx, chat, m) {
			t.Fatalf("send #%d failed", i+1)
		}
	}

	var stored int
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "chats/"+chat+"/messages/") {
			stored++
		}
	}
	if stored != 1 {
		t.Errorf("stored records = %d, want 1", stored)
	}

	members, err := mr.ZMembers(timelineKey(chat))
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != m.ID {
		t.Errorf("timeline = %v, want [%s]", members, m.ID)
	}

	raw, err := mr.Get(messageKey(chat, m.ID))
	if err != nil {
		t.Fatal(err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != "sent" || rec.Text != m.Text || rec.Sender != m.Sender || rec.Timestamp != m.Timestamp {
		t.Errorf("record = %+v", rec)
	}
}

func TestSendDoesNotRewriteExisting(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	m := message("1000_abc", 1000)
	if !c.Send(ctx, chat, m) {
		t.Fatal("first send failed")
	}
	retry := m
	retry.Text = "edited"
	if !c.Send(ctx, chat, retry) {
		t.Fatal("retry should report success")
	}

	raw, _ := mr.Get(messageKey(chat, m.ID))
	if !strings.Contains(raw, m.Text) {
		t.Errorf("record rewritten: %s", raw)
	}
}

func TestSendUpdatesMeta(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	meta, err := c.Meta(ctx, chat)
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Fatalf("meta before any send = %+v, want nil", meta)
	}

	long := message("2000_x", 2000)
	long.Text = strings.Repeat("é", 80)
	if !c.Send(ctx, chat, long) {
		t.Fatal("send failed")
	}

	meta, err = c.Meta(ctx, chat)
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("meta not written")
	}
	if meta.LastTimestamp != 2000 {
		t.Errorf("lastTimestamp = %d, want 2000", meta.LastTimestamp)
	}
	if got := len([]rune(meta.LastMessage)); got != 50 {
		t.Errorf("preview length = %d runes, want 50", got)
	}
}

func TestSendTransportErrorReturnsFalse(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	c := New(rdb, Options{}, nil)
	defer func() { _ = c.Close() }()

	if c.Send(context.Background(), chat, message("1_a", 1)) {
		t.Error("Send() against an unreachable store should return false")
	}
}

func TestSubscribeTailBacklogThenLive(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := testClient(t, mr, Options{})
	bob := testClient(t, mr, Options{})
	ctx := context.Background()

	if !alice.Send(ctx, chat, message("1000_a", 1000)) {
		t.Fatal("send failed")
	}

	onMessage, ch := collector()
	unsub := bob.SubscribeTail(ctx, chat, 0, onMessage, knownIDs{})
	defer unsub()

	got := waitMessages(t, ch, 1)
	if got[0].ID != "1000_a" || got[0].Status != store.StatusSent {
		t.Errorf("backlog message = %+v", got[0])
	}

	if !alice.Send(ctx, chat, message("2000_b", 2000)) {
		t.Fatal("send failed")
	}
	got = waitMessages(t, ch, 1)
	if got[0].ID != "2000_b" || got[0].Text != "hi 2000_b" || got[0].Sender != "1111111111" {
		t.Errorf("live message = %+v", got[0])
	}
	expectNone(t, ch)
}

func TestSubscribeTailBoundsBacklog(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	for i := 1; i <= 40; i++ {
		if !c.Send(ctx, chat, message(fmt.Sprintf("%d_m", i), int64(i))) {
			t.Fatal("send failed")
		}
	}

	tests := []struct {
		name      string
		since     int64
		wantCount int
		wantFirst int64
	}{
		{"limit applies", 5, DefaultTailLimit, 11},
		{"since applies", 35, 5, 36},
		{"nothing newer", 40, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			onMessage, ch := collector()
			unsub := c.SubscribeTail(ctx, chat, tt.since, onMessage, nil)
			defer unsub()

			if tt.wantCount == 0 {
				expectNone(t, ch)
				return
			}
			got := waitMessages(t, ch, tt.wantCount)
			if got[0].Timestamp != tt.wantFirst {
				t.Errorf("first timestamp = %d, want %d", got[0].Timestamp, tt.wantFirst)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp <= got[i-1].Timestamp {
					t.Fatalf("backlog out of order at %d", i)
				}
			}
			expectNone(t, ch)
		})
	}
}

func TestSubscribeTailSkipsKnownIDs(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	c.Send(ctx, chat, message("1_known", 1))
	c.Send(ctx, chat, message("2_new", 2))

	onMessage, ch := collector()
	unsub := c.SubscribeTail(ctx, chat, 0, onMessage, knownIDs{"1_known": true})
	defer unsub()

	got := waitMessages(t, ch, 1)
	if got[0].ID != "2_new" {
		t.Errorf("got %s, want 2_new", got[0].ID)
	}
	expectNone(t, ch)
}

func TestSubscribeTwiceKeepsOneFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	first, firstCh := collector()
	second, secondCh := collector()

	unsub1 := c.SubscribeTail(ctx, chat, 0, first, nil)
	unsub2 := c.SubscribeTail(ctx, chat, 0, second, nil)

	// The second teardown must not stop the first feed.
	unsub2()
	if !c.TailActive(chat) {
		t.Fatal("second teardown stopped the live feed")
	}

	c.Send(ctx, chat, message("1_a", 1))
	waitMessages(t, firstCh, 1)
	expectNone(t, firstCh)
	expectNone(t, secondCh)

	unsub1()
	unsub1() // idempotent
	if c.TailActive(chat) {
		t.Fatal("feed still active after teardown")
	}

	// The slot is free again.
	third, thirdCh := collector()
	unsub3 := c.SubscribeTail(ctx, chat, 0, third, nil)
	defer unsub3()
	got := waitMessages(t, thirdCh, 1)
	if got[0].ID != "1_a" {
		t.Errorf("resubscribed feed got %s, want 1_a", got[0].ID)
	}
}

func TestCloseRightAfterSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{})
	ctx := context.Background()

	on, ch := collector()
	unsub := c.SubscribeTail(ctx, chat, 0, on, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	unsub()
	if c.TailActive(chat) {
		t.Fatal("feed still active after close")
	}

	// A closed client hands out inert teardowns.
	unsub = c.SubscribeTail(ctx, chat, 0, on, nil)
	unsub()
	if c.TailActive(chat) {
		t.Fatal("subscribe after close opened a feed")
	}
	expectNone(t, ch)
}

func TestRetriedSendDeliveredOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := testClient(t, mr, Options{})
	bob := testClient(t, mr, Options{})
	ctx := context.Background()

	onMessage, ch := collector()
	unsub := bob.SubscribeTail(ctx, chat, 0, onMessage, knownIDs{})
	defer unsub()
	// Let the feed settle before the first write.
	time.Sleep(50 * time.Millisecond)

	m := message("1000_hi", 1000)
	m.Text = "hi"
	for range 3 {
		if !alice.Send(ctx, chat, m) {
			t.Fatal("send failed")
		}
	}

	got := waitMessages(t, ch, 1)
	if got[0].Text != "hi" {
		t.Errorf("text = %q, want hi", got[0].Text)
	}
	expectNone(t, ch)
}

// failOnce fails the first script invocation with a transport-like error.
type failOnce struct {
	mu     sync.Mutex
	failed bool
}

func (h *failOnce) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failOnce) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		name := cmd.Name()
		if name == "evalsha" || name == "eval" {
			h.mu.Lock()
			fail := !h.failed
			h.failed = true
			h.mu.Unlock()
			if fail {
				err := errors.New("connection reset by peer")
				cmd.SetErr(err)
				return err
			}
		}
		return next(ctx, cmd)
	}
}

func (h *failOnce) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestFailedSendRetriedIsPublishedAndIndexed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	rdb.AddHook(&failOnce{})
	alice := New(rdb, Options{}, zap.NewNop())
	t.Cleanup(func() { _ = alice.Close() })
	bob := testClient(t, mr, Options{})

	onMessage, ch := collector()
	unsub := bob.SubscribeTail(ctx, chat, 0, onMessage, knownIDs{})
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	m := message("1000_retry", 1000)
	if alice.Send(ctx, chat, m) {
		t.Fatal("first send should fail")
	}
	if mr.Exists(messageKey(chat, m.ID)) {
		t.Fatal("failed send left a record behind")
	}
	if !alice.Send(ctx, chat, m) {
		t.Fatal("retry failed")
	}

	got := waitMessages(t, ch, 1)
	if got[0].ID != m.ID {
		t.Errorf("received %q, want %q", got[0].ID, m.ID)
	}
	expectNone(t, ch)

	meta, err := alice.Meta(ctx, chat)
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.LastTimestamp != 1000 || meta.LastMessage != m.Text {
		t.Errorf("meta = %+v", meta)
	}
	members, _ := mr.ZMembers(timelineKey(chat))
	if len(members) != 1 || members[0] != m.ID {
		t.Errorf("timeline = %v", members)
	}
}

func TestPresenceAutoOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{LeaseTTL: time.Hour})
	ctx := context.Background()

	if err := c.SaveUser(ctx, store.Profile{Name: "Ana", Phone: "1111111111"}); err != nil {
		t.Fatal(err)
	}
	// Registering again is a no-op.
	if err := c.RegisterPresenceAutoOffline(ctx, "1111111111"); err != nil {
		t.Fatal(err)
	}

	if name := mr.HGet(userKey("1111111111"), "name"); name != "Ana" {
		t.Errorf("name = %q, want Ana", name)
	}
	online, err := c.Presence(ctx, "1111111111")
	if err != nil {
		t.Fatal(err)
	}
	if !online {
		t.Fatal("user should be online after SaveUser")
	}

	// Simulate a dropped connection: the lease runs out on the server.
	mr.FastForward(2 * time.Hour)

	online, err = c.Presence(ctx, "1111111111")
	if err != nil {
		t.Fatal(err)
	}
	if online {
		t.Error("user should be offline once the lease expired")
	}
	if flag := mr.HGet(userKey("1111111111"), "online"); flag != "false" {
		t.Errorf("online flag = %q, want false", flag)
	}
}

func TestPresenceCleanDisconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, Options{LeaseTTL: time.Hour})
	ctx := context.Background()

	if err := c.SaveUser(ctx, store.Profile{Name: "Bo", Phone: "2222222222"}); err != nil {
		t.Fatal(err)
	}
	if err := c.GoOffline(ctx, "2222222222"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(leaseKey("2222222222")) {
		t.Error("lease still present after clean disconnect")
	}
	online, err := c.Presence(ctx, "2222222222")
	if err != nil {
		t.Fatal(err)
	}
	if online {
		t.Error("user should be offline after GoOffline")
	}

	// Unknown participants read as offline.
	online, err = c.Presence(ctx, "3333333333")
	if err != nil || online {
		t.Errorf("Presence(unknown) = %v, %v; want false, nil", online, err)
	}

	if err := c.SetPresence(ctx, "2222222222", true); err != nil {
		t.Fatal(err)
	}
	if flag := mr.HGet(userKey("2222222222"), "online"); flag != "true" {
		t.Errorf("online flag = %q, want true", flag)
	}
}
