package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/parley/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KnownSet reports message ids the subscriber already holds.
type KnownSet interface {
	Has(id string) bool
}

// MessageFunc receives newly observed remote messages.
type MessageFunc func(store.Message)

// feed is one live tail. seen is only touched by the feed goroutine.
type feed struct {
	cancel context.CancelFunc
	pubsub *redis.PubSub
	seen   map[string]struct{}
	once   sync.Once
}

func (f *feed) stop() {
	f.once.Do(func() {
		f.cancel()
		_ = f.pubsub.Close()
	})
}

// feedRegistry guarantees at most one live feed per conversation.
type feedRegistry struct {
	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

func newFeedRegistry() *feedRegistry {
	return &feedRegistry{feeds: make(map[string]*feed)}
}

// claim registers f as the live feed of chatID. False means a feed is
// already live or the registry was shut down.
func (r *feedRegistry) claim(chatID string, f *feed) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.feeds[chatID]; ok {
		return false
	}
	r.feeds[chatID] = f
	return true
}

// release stops f and frees its slot, unless the slot was already handed
// to a newer feed.
func (r *feedRegistry) release(chatID string, f *feed) {
	r.mu.Lock()
	if r.feeds[chatID] == f {
		delete(r.feeds, chatID)
	}
	r.mu.Unlock()
	f.stop()
}

// available reports whether claim could currently succeed for chatID.
func (r *feedRegistry) available(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.feeds[chatID]
	return !ok && !r.closed
}

func (r *feedRegistry) active(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.feeds[chatID]
	return ok
}

func (r *feedRegistry) stopAll() {
	r.mu.Lock()
	r.closed = true
	feeds := r.feeds
	r.feeds = make(map[string]*feed)
	r.mu.Unlock()
	for _, f := range feeds {
		f.stop()
	}
}

// SubscribeTail opens the live feed of chatID: the latest records newer
// than since (at most the tail limit), then every record published after.
// onMessage fires once per record whose id known does not hold, with the
// status forced to sent. Only one feed per chatID is live at a time; a
// second call returns a teardown that does nothing. The returned teardown
// stops the feed and frees the slot for a later subscription.
func (c *Client) SubscribeTail(ctx context.Context, chatID string, since int64, onMessage MessageFunc, known KnownSet) func() {
	if !c.feeds.available(chatID) {
		c.logger.Debug("live tail already active or client closed", zap.String("chat_id", chatID))
		return func() {}
	}

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &feed{
		cancel: cancel,
		pubsub: c.rdb.Subscribe(feedCtx, feedChannel(chatID)),
		seen:   make(map[string]struct{}),
	}

	// Counted before claiming so Close waits for a feed it cannot see yet.
	c.wg.Add(1)
	if !c.feeds.claim(chatID, f) {
		c.wg.Done()
		f.stop()
		c.logger.Debug("live tail lost the race for its slot", zap.String("chat_id", chatID))
		return func() {}
	}
	go func() {
		defer c.wg.Done()
		c.runFeed(feedCtx, f, chatID, since, onMessage, known)
	}()

	c.logger.Debug("live tail started", zap.String("chat_id", chatID), zap.Int64("since", since))
	return func() { c.feeds.release(chatID, f) }
}

// TailActive reports whether a live feed is open for chatID.
func (c *Client) TailActive(chatID string) bool {
	return c.feeds.active(chatID)
}

func (c *Client) runFeed(ctx context.Context, f *feed, chatID string, since int64, onMessage MessageFunc, known KnownSet) {
	log := c.logger.With(zap.String("chat_id", chatID))

	// Wait for the subscription to be acknowledged before reading the
	// backlog, so a record is either in the backlog or on the channel.
	if _, err := f.pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("live tail subscribe failed, relying on reconnect", zap.Error(err))
	}
	live := f.pubsub.Channel()

	backlog := make(chan []store.Message, 1)
	go func() {
		msgs, err := c.loadBacklog(ctx, chatID, since)
		if err != nil {
			return
		}
		backlog <- msgs
	}()

	deliver := func(m store.Message) {
		if _, dup := f.seen[m.ID]; dup {
			return
		}
		if known != nil && known.Has(m.ID) {
			return
		}
		f.seen[m.ID] = struct{}{}
		m.Status = store.StatusSent
		onMessage(m)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msgs := <-backlog:
			for _, m := range msgs {
				deliver(m)
			}
		case pm, ok := <-live:
			if !ok {
				return
			}
			var rec record
			if err := json.Unmarshal([]byte(pm.Payload), &rec); err != nil || rec.ID == "" {
				log.Warn("dropping malformed feed record", zap.Error(err))
				continue
			}
			if rec.Timestamp <= since {
				continue
			}
			deliver(store.Message{ID: rec.ID, Text: rec.Text, Sender: rec.Sender, Timestamp: rec.Timestamp})
		}
	}
}

// loadBacklog retries until the backlog is read or the feed is torn down.
func (c *Client) loadBacklog(ctx context.Context, chatID string, since int64) ([]store.Message, error) {
	var msgs []store.Message
	op := func() error {
		var err error
		msgs, err = c.backlog(ctx, chatID, since)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0

	err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		c.logger.Warn("live tail backlog failed",
			zap.String("chat_id", chatID), zap.Error(err), zap.Duration("retry_in", next))
	})
	return msgs, err
}

// backlog returns the newest tail-limit records with timestamp > since,
// oldest first.
func (c *Client) backlog(ctx context.Context, chatID string, since int64) ([]store.Message, error) {
	ids, err := c.rdb.ZRevRangeByScore(ctx, timelineKey(chatID), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since, 10),
		Max:   "+inf",
		Count: int64(c.tailLimit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Reverse(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(chatID, id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	msgs := make([]store.Message, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // indexed but record missing
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			c.logger.Warn("skipping malformed record", zap.String("chat_id", chatID), zap.String("msg_id", ids[i]), zap.Error(err))
			continue
		}
		msgs = append(msgs, store.Message{ID: ids[i], Text: rec.Text, Sender: rec.Sender, Timestamp: rec.Timestamp})
	}
	return msgs, nil
}
