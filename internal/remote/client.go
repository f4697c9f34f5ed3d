// Package remote is the transport to the shared key-value store. It holds
// no message state of its own beyond the bookkeeping of live feeds and
// presence leases.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTailLimit bounds the backlog a live tail loads.
	DefaultTailLimit = 30
	// DefaultLeaseTTL is how long a presence lease outlives its last refresh.
	DefaultLeaseTTL = 30 * time.Second
)

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("remote client closed")

// Options tunes a Client. Zero values pick the defaults.
type Options struct {
	TailLimit int
	LeaseTTL  time.Duration
}

// Meta is the per-conversation preview used for list ordering.
type Meta struct {
	LastMessage   string
	LastTimestamp int64
}

// Client performs conditional writes and reads against the remote store and
// exposes live-tail subscriptions.
type Client struct {
	rdb       *redis.Client
	logger    *zap.Logger
	feeds     *feedRegistry
	tailLimit int
	leaseTTL  time.Duration

	mu     sync.Mutex
	leases map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// New creates a remote client over rdb. The client takes ownership of rdb
// and closes it in Close.
func New(rdb *redis.Client, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TailLimit <= 0 {
		opts.TailLimit = DefaultTailLimit
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Client{
		rdb:       rdb,
		logger:    logger.Named("remote"),
		feeds:     newFeedRegistry(),
		tailLimit: opts.TailLimit,
		leaseTTL:  opts.LeaseTTL,
		leases:    make(map[string]context.CancelFunc),
	}
}

// Ping checks the connection to the remote store.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// sendScript stores the record and, only when it was not there yet,
// indexes it, publishes it on the feed and updates the preview, all in one
// atomic step. An existing record is left untouched.
//
//	KEYS: message, timeline, meta, feed channel
//	ARGV: record, timestamp, message id, feed payload, preview
var sendScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], 'lastMessage', ARGV[5], 'lastTimestamp', ARGV[2])
redis.call('PUBLISH', KEYS[4], ARGV[4])
return 1
`)

// Send writes m to the conversation log unless a record with m.ID already
// exists, in which case the earlier write is treated as this one's success.
// A fresh write also indexes the message, publishes it on the feed and
// updates the conversation preview in the same atomic step. Transport
// errors yield false.
func (c *Client) Send(ctx context.Context, chatID string, m store.Message) bool {
	log := c.logger.With(zap.String("chat_id", chatID), zap.String("msg_id", m.ID))

	body, err := json.Marshal(record{Text: m.Text, Sender: m.Sender, Timestamp: m.Timestamp, Status: string(store.StatusSent)})
	if err != nil {
		log.Error("encode message", zap.Error(err))
		return false
	}
	feed, err := json.Marshal(record{ID: m.ID, Text: m.Text, Sender: m.Sender, Timestamp: m.Timestamp})
	if err != nil {
		log.Error("encode feed record", zap.Error(err))
		return false
	}

	keys := []string{messageKey(chatID, m.ID), timelineKey(chatID), metaKey(chatID), feedChannel(chatID)}
	created, err := sendScript.Run(ctx, c.rdb, keys,
		body, m.Timestamp, m.ID, feed, truncate(m.Text, previewLen)).Int()
	if err != nil {
		log.Warn("remote write failed", zap.Error(err))
		return false
	}
	if created == 0 {
		log.Debug("message already stored remotely")
		return true
	}
	log.Debug("message stored remotely")
	return true
}

// Meta returns the conversation preview, or nil when none was written yet.
func (c *Client) Meta(ctx context.Context, chatID string) (*Meta, error) {
	vals, err := c.rdb.HGetAll(ctx, metaKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	ts, err := strconv.ParseInt(vals[metaLastTimestamp], 10, 64)
	if err != nil {
		return nil, errors.New("malformed meta timestamp")
	}
	return &Meta{LastMessage: vals[metaLastMessage], LastTimestamp: ts}, nil
}

// Close tears down every live feed and presence lease and closes the
// connection.
func (c *Client) Close() error {
	c.feeds.stopAll()

	c.mu.Lock()
	c.closed = true
	for pid, cancel := range c.leases {
		cancel()
		delete(c.leases, pid)
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.rdb.Close()
}
