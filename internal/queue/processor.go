// Package queue implements the drain loop that moves messages from the
// durable send queue onto the transport.
//
// Draining is strictly sequential: one in-flight send at a time, in
// created_at order. That trades throughput for a total per-client ordering
// guarantee, and means one stuck message throttles the queue behind it.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftq/driftq/internal/backoff"
	"github.com/driftq/driftq/internal/metrics"
	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/store"
	"github.com/driftq/driftq/internal/transport"
)

// Processor configuration constants.
const (
	// DefaultSendTimeout bounds each individual send attempt.
	DefaultSendTimeout = 10 * time.Second
	// DefaultStaleThreshold is how long a row may sit in sending before
	// startup recovery treats it as a crash leftover.
	DefaultStaleThreshold = 5 * time.Minute
)

// Processor drains the send queue against the transport, applying the
// backoff policy and recording every per-message outcome on the queue row.
// It never returns an error for per-message failures.
type Processor struct {
	queue       store.QueueRepo
	transport   transport.Transport
	backoff     backoff.Config
	sendTimeout time.Duration
	online      func() bool

	mu       sync.Mutex
	draining bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithSendTimeout overrides the per-attempt send timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Processor) { p.sendTimeout = d }
}

// WithOnlineCheck supplies the platform connectivity probe consulted before
// each drain. Nil means assume online.
func WithOnlineCheck(online func() bool) Option {
	return func(p *Processor) { p.online = online }
}

// NewProcessor creates a Processor over the given queue and transport.
func NewProcessor(queue store.QueueRepo, tr transport.Transport, cfg backoff.Config, opts ...Option) *Processor {
	p := &Processor{
		queue:       queue,
		transport:   tr,
		backoff:     cfg,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RecoverStale cleans up crash leftovers: rows stuck in sending are
// requeued, and rows stuck in sent (the delivery was acked but the process
// died before removal) are deleted so they never resurface. Should be
// called once at startup, before the first drain.
func (p *Processor) RecoverStale() error {
	purged, err := p.queue.PurgeSentMessages()
	if err != nil {
		return err
	}
	if purged > 0 {
		slog.Info("Processor.RecoverStale: purged confirmed leftovers", "count", purged)
	}

	staleBefore := time.Now().Add(-DefaultStaleThreshold)
	n, err := p.queue.RequeueStaleSending(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Processor.RecoverStale: requeued stale messages", "count", n)
	}
	return nil
}

// Drain runs the queue to completion. If a drain is already in progress or
// the platform reports no connectivity, it returns immediately; concurrent
// callers never produce overlapping drains, which would double-send.
func (p *Processor) Drain(ctx context.Context) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		slog.Debug("Processor.Drain: already in progress, skipping")
		return
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	if p.online != nil && !p.online() {
		slog.Debug("Processor.Drain: offline, skipping")
		return
	}

	msgs, err := p.queue.ListPendingMessages("")
	if err != nil {
		slog.Error("Processor.Drain: list pending failed", "error", err)
		return
	}
	metrics.QueueDepth.Set(float64(len(msgs)))
	if len(msgs) == 0 {
		return
	}
	slog.Debug("Processor.Drain: draining", "count", len(msgs))

	for _, msg := range msgs {
		if ctx.Err() != nil {
			slog.Debug("Processor.Drain: context cancelled, stopping")
			return
		}
		p.process(ctx, msg)
	}
}

func (p *Processor) process(ctx context.Context, msg models.QueuedMessage) {
	if msg.Status == models.QueueStatusFailed && !backoff.ShouldRetry(msg.RetryCount, p.backoff) {
		// Out of budget; left for an explicit user retry or cancel.
		slog.Debug("Processor.process: retries exhausted, skipping", "clientID", msg.ClientID, "retryCount", msg.RetryCount)
		return
	}

	if msg.RetryCount > 0 {
		metrics.SendRetries.Inc()
		if !sleepCtx(ctx, backoff.Delay(msg.RetryCount, p.backoff)) {
			return
		}
	}

	if err := p.queue.UpdateQueuedStatus(msg.ClientID, models.QueueStatusSending, store.QueuedUpdate{}); err != nil {
		slog.Error("Processor.process: mark sending failed", "clientID", msg.ClientID, "error", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	var res transport.SendResult
	var err error
	if msg.IsReply() {
		res, err = p.transport.SendReply(sendCtx, msg)
	} else {
		res, err = p.transport.SendMessage(sendCtx, msg)
	}
	cancel()

	switch {
	case err == nil && res.MessageID != "":
		p.confirm(msg, res)

	case err == nil:
		// Ack without identity is a transport contract violation, never a
		// silent success.
		p.fail(msg, "transport acknowledged send without a message id")

	default:
		var rl *transport.RateLimitError
		if errors.As(err, &rl) {
			metrics.RateLimitHits.Inc()
			slog.Warn("Processor.process: rate limited", "clientID", msg.ClientID, "retryAfter", rl.RetryAfter)
			if !sleepCtx(ctx, rl.RetryAfter) {
				return
			}
		}
		p.fail(msg, err.Error())
	}
}

// confirm marks the row sent and evicts it. A crash between ack and
// removal leaves the row behind for a duplicate resend; server-side
// deduplication by client ID is the backstop.
func (p *Processor) confirm(msg models.QueuedMessage, res transport.SendResult) {
	serverID := res.MessageID
	if err := p.queue.UpdateQueuedStatus(msg.ClientID, models.QueueStatusSent, store.QueuedUpdate{ServerID: &serverID}); err != nil {
		slog.Error("Processor.confirm: mark sent failed", "clientID", msg.ClientID, "error", err)
	}
	if err := p.queue.RemoveQueuedMessage(msg.ClientID); err != nil {
		slog.Error("Processor.confirm: remove failed", "clientID", msg.ClientID, "error", err)
		return
	}
	metrics.SendsTotal.WithLabelValues("sent").Inc()
	slog.Debug("Processor.confirm: message sent", "clientID", msg.ClientID, "serverID", serverID)
}

func (p *Processor) fail(msg models.QueuedMessage, errMsg string) {
	retryCount := msg.RetryCount + 1
	if err := p.queue.UpdateQueuedStatus(msg.ClientID, models.QueueStatusFailed, store.QueuedUpdate{
		RetryCount: &retryCount,
		LastError:  &errMsg,
	}); err != nil {
		slog.Error("Processor.fail: record failure failed", "clientID", msg.ClientID, "error", err)
	}
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	slog.Warn("Processor.fail: send failed", "clientID", msg.ClientID, "retryCount", retryCount, "error", errMsg)
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
