package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/hublink/internal/ble"
)

// writeQueue serializes control writes. A single worker owns the
// characteristic, so at most one write is in flight and writes reach the hub
// in the order they were queued.
type writeQueue struct {
	char    ble.Characteristic
	retries int
	backoff time.Duration
	timeout time.Duration

	reqs chan *writeRequest
	quit chan struct{}
	once sync.Once
}

type writeRequest struct {
	ctx    context.Context
	frame  []byte
	result chan error
}

func newWriteQueue(char ble.Characteristic, opts Options) *writeQueue {
	q := &writeQueue{
		char:    char,
		retries: opts.WriteRetries,
		backoff: opts.WriteBackoff,
		timeout: opts.WriteTimeout,
		reqs:    make(chan *writeRequest, opts.QueueSize),
		quit:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Write queues frame and waits for it to be written. Frames still queued
// when the queue closes fail with ErrNotConnected.
func (q *writeQueue) Write(ctx context.Context, frame []byte) error {
	req := &writeRequest{ctx: ctx, frame: frame, result: make(chan error, 1)}
	select {
	case q.reqs <- req:
	case <-q.quit:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-q.quit:
		// The worker may have finished the write just before closing.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. It does not wait for an in-flight write.
func (q *writeQueue) Close() {
	q.once.Do(func() { close(q.quit) })
}

func (q *writeQueue) run() {
	for {
		select {
		case <-q.quit:
			return
		case req := <-q.reqs:
			req.result <- q.write(req)
		}
	}
}

// write performs one frame with linear backoff between attempts.
func (q *writeQueue) write(req *writeRequest) error {
	for attempt := 1; ; attempt++ {
		// The caller gave up while the frame was queued.
		if err := req.ctx.Err(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(req.ctx, q.timeout)
		err := q.char.Write(ctx, req.frame)
		cancel()
		if err == nil {
			return nil
		}
		if attempt > q.retries {
			if !errors.Is(err, ErrWriteFailed) {
				err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
			}
			return fmt.Errorf("hub: write after %d attempts: %w", attempt, err)
		}

		delay := q.backoff * time.Duration(attempt)
		slog.Debug("[HUB] write failed, retrying", "error", err, "attempt", attempt, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-q.quit:
			t.Stop()
			return ErrNotConnected
		case <-req.ctx.Done():
			t.Stop()
			return req.ctx.Err()
		}
	}
}
