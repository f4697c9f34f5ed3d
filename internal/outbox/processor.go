// Package outbox drives the durable retry queue: a periodic, lifecycle-aware
// processor that drains queued messages to the remote store.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

const (
	// MaxRetries is the number of failed attempts after which an entry is
	// marked failed and dropped from the queue.
	MaxRetries = 10
	// DefaultInterval is the retry timer period while active.
	DefaultInterval = 3 * time.Second
)

// Remote is the conditional remote write used for each queued entry.
type Remote interface {
	Send(ctx context.Context, chatID string, m store.Message) bool
}

// Prober reports network reachability.
type Prober interface {
	Probe(ctx context.Context) bool
}

// StatusFunc is told about every status change a drain discovers.
type StatusFunc func(messageID, chatID string, s store.Status)

// Deps are the collaborators of a Processor. Machine and Lifecycle default
// to a fresh foreground pair when nil.
type Deps struct {
	DB        *store.DB
	Remote    Remote
	Monitor   Prober
	Machine   *status.Machine
	Lifecycle *status.Lifecycle
	Bus       *bus.Bus
	OnStatus  StatusFunc
	Interval  time.Duration
	Logger    *zap.Logger
}

// Processor retries the outbox on a timer while the app is foregrounded.
type Processor struct {
	db        *store.DB
	remote    Remote
	monitor   Prober
	machine   *status.Machine
	lifecycle *status.Lifecycle
	bus       *bus.Bus
	onStatus  StatusFunc
	interval  time.Duration
	logger    *zap.Logger

	inFlight atomic.Bool
	online   atomic.Bool
	pending  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	ticks  sync.WaitGroup
}

// NewProcessor creates a processor. It does nothing until Start.
func NewProcessor(d Deps) *Processor {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Interval <= 0 {
		d.Interval = DefaultInterval
	}
	if d.Lifecycle == nil {
		d.Lifecycle = status.NewLifecycle(status.Foreground)
	}
	if d.Machine == nil {
		d.Machine = status.NewMachine(d.Lifecycle.Current().Target(), d.Bus)
	}
	p := &Processor{
		db:        d.DB,
		remote:    d.Remote,
		monitor:   d.Monitor,
		machine:   d.Machine,
		lifecycle: d.Lifecycle,
		bus:       d.Bus,
		onStatus:  d.OnStatus,
		interval:  d.Interval,
		logger:    d.Logger.Named("outbox"),
	}
	// Optimistic until the first probe says otherwise.
	p.online.Store(true)
	return p
}

// Start runs an initial tick and, while active, the retry timer.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.refreshPending()
	go p.loop(ctx)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.ticks.Wait()
}

// Online reports the result of the latest connectivity probe.
func (p *Processor) Online() bool { return p.online.Load() }

// Pending returns the outbox length observed at the end of the latest tick.
func (p *Processor) Pending() int { return int(p.pending.Load()) }

// State returns the run state.
func (p *Processor) State() status.State { return p.machine.Current() }

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)

	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	startTimer := func() {
		if ticker == nil {
			ticker = time.NewTicker(p.interval)
			tickC = ticker.C
		}
	}
	stopTimer := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
	}
	defer stopTimer()

	p.spawnTick(ctx)
	if p.machine.Current() == status.Active {
		startTimer()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			p.spawnTick(ctx)
		case app := <-p.lifecycle.Events():
			to := app.Target()
			if to == p.machine.Current() {
				continue
			}
			if err := p.machine.Transition(to); err != nil {
				p.logger.Warn("lifecycle transition rejected", zap.Error(err))
				continue
			}
			p.logger.Info("processor state changed", zap.String("state", string(to)))
			if to == status.Paused {
				stopTimer()
				continue
			}
			p.spawnTick(ctx)
			startTimer()
		}
	}
}

// spawnTick runs a tick off the loop goroutine so lifecycle events are
// handled while a drain is in progress.
func (p *Processor) spawnTick(ctx context.Context) {
	p.ticks.Add(1)
	go func() {
		defer p.ticks.Done()
		p.Tick(ctx)
	}()
}

// Tick probes connectivity, drains the outbox when online and refreshes the
// pending count. It returns false without doing anything when another tick
// is still running.
func (p *Processor) Tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("tick suppressed, previous still running")
		return false
	}
	defer p.inFlight.Store(false)

	online := p.monitor.Probe(ctx)
	if p.online.Swap(online) != online {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	if online {
		p.drain(ctx)
	}
	p.refreshPending()
	p.bus.Emit(bus.KindOutboxState, bus.OutboxPayload{Online: online, Pending: p.Pending()})
	return true
}

func (p *Processor) drain(ctx context.Context) {
	snapshot, err := p.db.DequeueAll()
	if err != nil {
		p.degraded("dequeue", "", err)
		return
	}
	if len(snapshot) == 0 {
		return
	}

	var (
		remaining []store.OutboxEntry
		sent      int
	)
	for _, e := range snapshot {
		if ctx.Err() != nil {
			// Shutting down: leave the rest untouched for the next run.
			remaining = append(remaining, e)
			continue
		}
		if e.Message.Status == store.StatusSent {
			continue
		}
		if e.RetryCount >= MaxRetries {
			p.fail(e)
			continue
		}
		if p.remote.Send(ctx, e.ChatID, e.Message) {
			p.setStatus(e, store.StatusSent)
			sent++
			continue
		}
		e.RetryCount++
		if e.RetryCount >= MaxRetries {
			p.fail(e)
			continue
		}
		e.Message.Status = store.StatusQueued
		remaining = append(remaining, e)
	}

	dropped, err := p.db.ReplaceOutbox(snapshot, remaining)
	if err != nil {
		p.degraded("replace outbox", "", err)
		return
	}
	if dropped > 0 {
		p.logger.Warn("outbox over capacity, oldest entries discarded", zap.Int("dropped", dropped))
	}
	p.logger.Debug("outbox drained",
		zap.Int("attempted", len(snapshot)), zap.Int("sent", sent), zap.Int("remaining", len(remaining)))
}

func (p *Processor) fail(e store.OutboxEntry) {
	p.logger.Warn("giving up on message",
		zap.String("chat_id", e.ChatID), zap.String("msg_id", e.Message.ID), zap.Int("retries", e.RetryCount))
	p.setStatus(e, store.StatusFailed)
}

func (p *Processor) setStatus(e store.OutboxEntry, s store.Status) {
	if err := p.db.UpdateMessageStatus(e.ChatID, e.Message.ID, s); err != nil {
		p.degraded("update status", e.ChatID, err)
	}
	if p.onStatus != nil {
		p.onStatus(e.Message.ID, e.ChatID, s)
	}
}

func (p *Processor) refreshPending() {
	n, err := p.db.OutboxLen()
	if err != nil {
		p.degraded("outbox length", "", err)
		return
	}
	p.pending.Store(int64(n))
}

func (p *Processor) degraded(op, chatID string, err error) {
	p.logger.Error("local storage failed", zap.String("op", op), zap.String("chat_id", chatID), zap.Error(err))
	p.bus.Emit(bus.KindStorageDegraded, bus.DegradedPayload{Op: op, ChatID: chatID, Err: err.Error()})
}
