// Package router delivers point-to-point and broadcast messages between
// workers. Each worker has exactly one inbound queue; messages from a given
// sender to a given recipient are received in send order. No global ordering
// across different senders is guaranteed.
//
// The router also retains a bounded per-space history so late-joining
// participants can reconstruct context, and keeps delivery counters for
// observability.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
)

// Options configures a Router using the functional options pattern.
type Options struct {
	// Config supplies queue depth, history depth, retry counts and TTL.
	Config core.Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger
}

// Stats is a snapshot of the router's delivery counters.
type Stats struct {
	Sent       int
	Broadcasts int
	Delivered  int
	Failed     int
	Expired    int
}

// Router owns the per-worker inbound queues. Queues exist exactly for the
// workers the dispatcher has attached; sending to anything else fails with
// core.UnknownRecipientError, surfaced to the sender rather than dropped.
type Router struct {
	opts   Options
	mu     sync.RWMutex
	queues map[string]chan core.Message

	histMu  sync.Mutex
	history map[string][]core.Message

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Router with optional overrides.
func New(optFns ...func(o *Options)) *Router {
	opts := Options{
		Config: core.DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		opts:    opts,
		queues:  make(map[string]chan core.Message),
		history: make(map[string][]core.Message),
	}
}

// Attach creates the inbound queue for a worker. Attaching an already
// attached id is a no-op so registration retries stay harmless.
func (r *Router) Attach(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[workerID]; !ok {
		r.queues[workerID] = make(chan core.Message, r.queueSize())
	}
}

// Detach removes a worker's queue. Undelivered messages are discarded and
// counted as expired.
func (r *Router) Detach(workerID string) {
	r.mu.Lock()
	q, ok := r.queues[workerID]
	if ok {
		delete(r.queues, workerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	dropped := 0
	for {
		select {
		case <-q:
			dropped++
		default:
			if dropped > 0 {
				r.statsMu.Lock()
				r.stats.Expired += dropped
				r.statsMu.Unlock()
			}
			return
		}
	}
}

// Attached reports whether a worker currently has an inbound queue.
func (r *Router) Attached(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[workerID]
	return ok
}

// Send enqueues a point-to-point message and returns its id. The recipient
// must have an attached queue; a momentarily full queue is retried with a
// short delay before the send fails with core.TimeoutError.
func (r *Router) Send(from, to string, payload map[string]any, requiresResponse bool) (string, error) {
	msg := core.NewMessage(from, to, payload, requiresResponse)
	if err := r.SendMessage(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendMessage enqueues a pre-built message, preserving its id. Used for
// responses whose ReplyTo correlation is set by the caller.
func (r *Router) SendMessage(msg core.Message) error {
	r.mu.RLock()
	q, ok := r.queues[msg.To]
	r.mu.RUnlock()
	if !ok {
		r.countFailed()
		return &core.UnknownRecipientError{Recipient: msg.To}
	}

	if err := r.enqueue(q, msg); err != nil {
		r.countFailed()
		return err
	}

	r.statsMu.Lock()
	r.stats.Sent++
	r.statsMu.Unlock()
	if msg.SpaceID != "" {
		r.record(msg)
	}
	r.opts.Logger.Debug("message enqueued", "message_id", msg.ID, "from", msg.From, "to", msg.To)
	return nil
}

// Broadcast enqueues a copy of the payload to every participant's queue
// except the sender, using the same per-pair FIFO rule as Send. It returns
// the broadcast message id. Participants without a queue fail the whole
// broadcast with core.UnknownRecipientError before anything is enqueued, so
// a stale participant list cannot cause a partial fan-out.
func (r *Router) Broadcast(from, spaceID string, payload map[string]any, participants []string) (string, error) {
	msg := core.NewBroadcast(from, spaceID, payload)

	r.mu.RLock()
	targets := make([]chan core.Message, 0, len(participants))
	for _, p := range participants {
		if p == from {
			continue
		}
		q, ok := r.queues[p]
		if !ok {
			r.mu.RUnlock()
			r.countFailed()
			return "", &core.UnknownRecipientError{Recipient: p}
		}
		targets = append(targets, q)
	}
	r.mu.RUnlock()

	for _, q := range targets {
		if err := r.enqueue(q, msg); err != nil {
			r.countFailed()
			return "", err
		}
	}

	r.statsMu.Lock()
	r.stats.Sent += len(targets)
	r.stats.Broadcasts++
	r.statsMu.Unlock()
	r.record(msg)
	r.opts.Logger.Debug("broadcast enqueued", "message_id", msg.ID, "from", from, "space_id", spaceID, "recipients", len(targets))
	return msg.ID, nil
}

// Receive returns the next message for the worker, blocking until one
// arrives or the context is cancelled. Context expiry surfaces as
// core.TimeoutError so the recovery coordinator can classify it as
// transient. Messages older than the configured TTL are skipped and counted
// as expired.
func (r *Router) Receive(ctx context.Context, workerID string) (core.Message, error) {
	r.mu.RLock()
	q, ok := r.queues[workerID]
	r.mu.RUnlock()
	if !ok {
		return core.Message{}, &core.UnknownRecipientError{Recipient: workerID}
	}

	start := time.Now()
	for {
		select {
		case msg := <-q:
			if r.expired(msg) {
				r.statsMu.Lock()
				r.stats.Expired++
				r.statsMu.Unlock()
				continue
			}
			r.statsMu.Lock()
			r.stats.Delivered++
			r.statsMu.Unlock()
			return msg, nil
		case <-ctx.Done():
			return core.Message{}, &core.TimeoutError{Operation: "receive for " + workerID, Elapsed: time.Since(start)}
		}
	}
}

// TryReceive returns the next pending message without blocking. The second
// return value reports whether a message was available.
func (r *Router) TryReceive(workerID string) (core.Message, bool) {
	r.mu.RLock()
	q, ok := r.queues[workerID]
	r.mu.RUnlock()
	if !ok {
		return core.Message{}, false
	}
	for {
		select {
		case msg := <-q:
			if r.expired(msg) {
				r.statsMu.Lock()
				r.stats.Expired++
				r.statsMu.Unlock()
				continue
			}
			r.statsMu.Lock()
			r.stats.Delivered++
			r.statsMu.Unlock()
			return msg, true
		default:
			return core.Message{}, false
		}
	}
}

// History returns the retained messages for a space, oldest first. The
// slice is a copy; mutating it does not affect the router.
func (r *Router) History(spaceID string) []core.Message {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	h := r.history[spaceID]
	res := make([]core.Message, len(h))
	copy(res, h)
	return res
}

// DropHistory discards the retained history of a space (on archive).
func (r *Router) DropHistory(spaceID string) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	delete(r.history, spaceID)
}

// Stats returns a snapshot of the delivery counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// enqueue attempts a non-blocking enqueue, retrying a full queue a bounded
// number of times before giving up.
func (r *Router) enqueue(q chan core.Message, msg core.Message) error {
	attempts := r.opts.Config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.opts.Config.BackoffBase
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	for i := 0; i < attempts; i++ {
		select {
		case q <- msg:
			return nil
		default:
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return &core.TimeoutError{Operation: "enqueue to " + msg.To, Elapsed: time.Duration(attempts) * delay}
}

func (r *Router) record(msg core.Message) {
	depth := r.opts.Config.HistoryDepth
	if depth <= 0 {
		return
	}
	r.histMu.Lock()
	defer r.histMu.Unlock()
	h := append(r.history[msg.SpaceID], msg)
	if len(h) > depth {
		h = h[len(h)-depth:]
	}
	r.history[msg.SpaceID] = h
}

func (r *Router) expired(msg core.Message) bool {
	ttl := r.opts.Config.MessageTTL
	return ttl > 0 && time.Since(msg.CreatedAt) > ttl
}

func (r *Router) countFailed() {
	r.statsMu.Lock()
	r.stats.Failed++
	r.statsMu.Unlock()
}

func (r *Router) queueSize() int {
	if r.opts.Config.QueueSize > 0 {
		return r.opts.Config.QueueSize
	}
	return core.DefaultConfig.QueueSize
}
