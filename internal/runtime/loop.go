package runtime

import (
	"context"
	"sync"
)

type submission struct {
	ctx   context.Context
	tx    *Transaction
	reply chan submitResult
}

type submitResult struct {
	receipt Receipt
	err     error
}

// submitQueue is a thread-safe FIFO of pending submissions.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type submitQueue struct {
	mu     sync.Mutex
	items  []submission
	closed bool
	signal chan struct{} // buffered, size 1
}

func newSubmitQueue() *submitQueue {
	return &submitQueue{
		items:  make([]submission, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a submission. Returns false if the queue is closed.
func (q *submitQueue) Enqueue(s submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, s)

	// buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front submission without blocking.
func (q *submitQueue) TryDequeue() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return submission{}, false
	}
	s := q.items[0]
	q.items[0] = submission{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return s, true
}

// Wait returns a channel that signals when submissions may be available.
// The channel is closed when the queue is closed.
func (q *submitQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending submissions.
func (q *submitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting submissions and wakes the loop.
func (q *submitQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Run starts the single-writer transition loop. It applies submitted
// transactions in arrival order until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: an infrastructure failure is returned to the submitter
// and logged with the transaction context; the loop keeps going. Retrying
// inside the loop would reorder the log.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("runtime starting", "program_id", r.programID.String(), "seq", r.clock.Current())

	for {
		s, ok := r.queue.TryDequeue()
		if ok {
			r.process(ctx, s)
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("runtime stopping: context cancelled")
			r.queue.Close()
			r.drain()
			return ctx.Err()

		case <-r.queue.Wait():
			if r.queue.Len() == 0 && r.stopped() {
				r.logger.Info("runtime stopping: queue closed")
				return nil
			}
		}
	}
}

func (r *Runtime) process(ctx context.Context, s submission) {
	if s.ctx.Err() != nil {
		s.reply <- submitResult{err: s.ctx.Err()}
		return
	}
	receipt, err := r.Apply(ctx, s.tx)
	if err != nil {
		r.logger.Error("submission failed",
			"instruction", s.tx.Message.Instruction,
			"payer", s.tx.Message.Payer.String(),
			"error", err,
		)
	}
	s.reply <- submitResult{receipt: receipt, err: err}
}

// drain fails every submission still queued after shutdown.
func (r *Runtime) drain() {
	for {
		s, ok := r.queue.TryDequeue()
		if !ok {
			return
		}
		s.reply <- submitResult{err: ErrStopped}
	}
}

func (r *Runtime) stopped() bool {
	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()
	return r.queue.closed
}

// Submit hands tx to the Run loop and waits for its receipt.
// Thread-safe: may be called from any goroutine.
func (r *Runtime) Submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	reply := make(chan submitResult, 1)
	if !r.queue.Enqueue(submission{ctx: ctx, tx: tx, reply: reply}) {
		return Receipt{}, ErrStopped
	}
	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Stop closes the submission queue. Run returns once it is empty.
func (r *Runtime) Stop() {
	r.queue.Close()
}

// Submitter applies a transaction and returns its receipt. *Runtime
// satisfies it through Submit; SubmitFunc(rt.Apply) bypasses the loop.
type Submitter interface {
	Submit(ctx context.Context, tx *Transaction) (Receipt, error)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, tx *Transaction) (Receipt, error)

// Submit calls f.
func (f SubmitFunc) Submit(ctx context.Context, tx *Transaction) (Receipt, error) {
	return f(ctx, tx)
}
