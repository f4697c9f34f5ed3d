package remote

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/parley/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SaveUser publishes the profile as online and arms the auto-offline lease.
func (c *Client) SaveUser(ctx context.Context, p store.Profile) error {
	if err := c.rdb.HSet(ctx, userKey(p.Phone), "name", p.Name, "online", "true").Err(); err != nil {
		return err
	}
	return c.RegisterPresenceAutoOffline(ctx, p.Phone)
}

// SetPresence writes the participant's online flag.
func (c *Client) SetPresence(ctx context.Context, pid string, online bool) error {
	return c.rdb.HSet(ctx, userKey(pid), "online", strconv.FormatBool(online)).Err()
}

// RegisterPresenceAutoOffline arms a lease that keeps pid online only while
// this client keeps refreshing it. If the process dies or loses its
// connection the lease expires on the server and pid reads as offline.
// Registering the same pid again is a no-op. After Close it fails with
// ErrClosed.
func (c *Client) RegisterPresenceAutoOffline(ctx context.Context, pid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.leases[pid]; ok {
		return nil
	}
	if err := c.rdb.Set(ctx, leaseKey(pid), "1", c.leaseTTL).Err(); err != nil {
		return err
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	c.leases[pid] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.keepLease(leaseCtx, pid)
	}()
	return nil
}

// GoOffline is the clean disconnect: it stops the lease, drops it and
// marks pid offline.
func (c *Client) GoOffline(ctx context.Context, pid string) error {
	c.mu.Lock()
	if cancel, ok := c.leases[pid]; ok {
		cancel()
		delete(c.leases, pid)
	}
	c.mu.Unlock()

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, leaseKey(pid))
		p.HSet(ctx, userKey(pid), "online", "false")
		return nil
	})
	return err
}

// Presence reports whether pid is online. A participant flagged online
// whose lease has expired is flipped to offline here.
func (c *Client) Presence(ctx context.Context, pid string) (bool, error) {
	online, err := c.rdb.HGet(ctx, userKey(pid), "online").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if online != "true" {
		return false, nil
	}

	alive, err := c.rdb.Exists(ctx, leaseKey(pid)).Result()
	if err != nil {
		return false, err
	}
	if alive == 0 {
		if err := c.SetPresence(ctx, pid, false); err != nil {
			c.logger.Warn("apply auto-offline", zap.String("pid", pid), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

func (c *Client) keepLease(ctx context.Context, pid string) {
	every := c.leaseTTL / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 100 * time.Millisecond
			eb.MaxElapsedTime = every
			err := backoff.Retry(func() error {
				return c.rdb.Set(ctx, leaseKey(pid), "1", c.leaseTTL).Err()
			}, backoff.WithContext(eb, ctx))
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("presence lease refresh failed", zap.String("pid", pid), zap.Error(err))
			}
		}
	}
}
