package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"go.uber.org/zap"
)

// RefetchOpts configures a RefetchQueue.
type RefetchOpts struct {
	Directory Directory
	BatchSize int           // ids per lookup; default 50
	Capacity  int           // maximum pending ids; default 1024
	Attempts  int           // tries per batch before giving up; default 3
	RetryBase time.Duration // first retry delay, doubling after; default 500ms
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// RefetchQueue is a bounded, de-duplicating queue of user ids awaiting an
// authoritative lookup. A single worker drains it in batches.
type RefetchQueue struct {
	dir      Directory
	batch    int
	capacity int
	attempts int
	base     time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu         sync.Mutex
	pending    []string
	queued     map[string]struct{}
	inflight   int
	wake       chan struct{}
	idle       chan struct{}
	idleClosed bool
}

// NewRefetchQueue creates a queue that looks users up through opts.Directory.
func NewRefetchQueue(opts RefetchOpts) (*RefetchQueue, error) {
	if opts.Directory == nil {
		return nil, fmt.Errorf("memory: refetch: directory is required")
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &RefetchQueue{
		dir:        opts.Directory,
		batch:      batch,
		capacity:   capacity,
		attempts:   attempts,
		base:       base,
		metrics:    opts.Metrics,
		logger:     logger,
		queued:     map[string]struct{}{},
		wake:       make(chan struct{}, 1),
		idle:       idle,
		idleClosed: true,
	}, nil
}

// Enqueue adds chatID to the queue. Ids already pending are not added
// twice. It reports false when the queue is full and the id was dropped.
func (q *RefetchQueue) Enqueue(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[chatID]; ok {
		return true
	}
	if len(q.pending) >= q.capacity {
		q.metrics.RefetchDropped()
		q.logger.Warn("refetch queue full, dropping user", zap.String("chat_id", chatID))
		return false
	}
	q.pending = append(q.pending, chatID)
	q.queued[chatID] = struct{}{}
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of ids waiting or being looked up.
func (q *RefetchQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inflight
}

// Wait blocks until the queue is empty and no lookup is in flight.
func (q *RefetchQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the worker loop. Every returned user is handed to sink.
func (q *RefetchQueue) run(ctx context.Context, sink func(User, bool) bool) {
	for {
		batch := q.take()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		users, err := q.lookup(ctx, batch)
		if err != nil {
			q.logger.Warn("refetch lookup failed", zap.Strings("chat_ids", batch), zap.Error(err))
		}
		updated := 0
		for _, u := range users {
			if sink(u, true) {
				updated++
			}
		}
		q.logger.Info("refetched users",
			zap.Int("requested", len(batch)),
			zap.Int("returned", len(users)),
			zap.Int("updated", updated))
		q.done()

		if ctx.Err() != nil {
			return
		}
	}
}

// lookup asks the directory for batch, retrying failures with exponential
// backoff until the attempts are used up or ctx is done.
func (q *RefetchQueue) lookup(ctx context.Context, batch []string) ([]User, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.base
	exp.Multiplier = 2
	exp.MaxInterval = 16 * q.base
	exp.MaxElapsedTime = 0
	exp.Reset()

	var users []User
	op := func() error {
		var err error
		users, err = q.dir.GetEntitiesByIDs(ctx, batch)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(q.attempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		q.logger.Debug("refetch lookup failed, retrying",
			zap.Int("ids", len(batch)),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	q.metrics.RefetchLookup(err)
	return users, err
}

// take removes up to one batch of ids from the queue.
func (q *RefetchQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n > q.batch {
		n = q.batch
	}
	batch := append([]string(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	for _, id := range batch {
		delete(q.queued, id)
	}
	q.inflight = len(batch)
	if n == 0 {
		q.markIdle()
	}
	return batch
}

// done records the end of a lookup.
func (q *RefetchQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = 0
	if len(q.pending) == 0 {
		q.markIdle()
	}
}

// markIdle closes the idle channel. Caller holds q.mu.
func (q *RefetchQueue) markIdle() {
	if !q.idleClosed && q.inflight == 0 {
		close(q.idle)
		q.idleClosed = true
	}
}
