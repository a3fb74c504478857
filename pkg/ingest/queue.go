package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/go-playground/validator"
)

// ErrClosed is reported for states offered after Stop.
var ErrClosed = errors.New("ingest queue closed")

// Ack is the answer to Enqueue.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Handler receives a formed batch. It may block until the batch can be
// dispatched; while it blocks no further batch is formed. Returning an error
// hands the batch back to the front of the queue untouched.
type Handler func(ctx context.Context, batch []common.PendingState) error

// Params configures a Queue.
type Params struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxAttempts bounds how often a state may be handed back with Requeue
	// before it is reported through OnFailed.
	MaxAttempts int
	Handler     Handler
	OnFailed    func(states []common.PendingState)
}

// Queue buffers consolidated states and forms micro-batches. The buffer is
// owned by a single goroutine; every other method talks to it over
// channels.
//
// A Queue should be created using New and stopped with Stop.
type Queue struct {
	batchSize     int
	flushInterval time.Duration
	maxAttempts   int
	handler       Handler
	onFailed      func([]common.PendingState)
	validate      *validator.Validate

	in       chan common.PendingState
	requeue  chan []common.PendingState
	restore  chan []common.PendingState
	snapshot chan chan []common.PendingState
	stop     chan chan []common.PendingState
	runDone  chan []common.PendingState
	done     chan struct{}

	mu       sync.RWMutex
	closed   bool
	final    []common.PendingState
	stopOnce sync.Once

	depth atomic.Int64
}

// New creates a Queue and starts its owner goroutine.
func New(p Params) *Queue {
	if p.BatchSize <= 0 {
		p.BatchSize = 5
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = 5 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	q := &Queue{
		batchSize:     p.BatchSize,
		flushInterval: p.FlushInterval,
		maxAttempts:   p.MaxAttempts,
		handler:       p.Handler,
		onFailed:      p.OnFailed,
		validate:      validator.New(),

		in:       make(chan common.PendingState),
		requeue:  make(chan []common.PendingState),
		restore:  make(chan []common.PendingState),
		snapshot: make(chan chan []common.PendingState),
		stop:     make(chan chan []common.PendingState),
		runDone:  make(chan []common.PendingState, 1),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue offers a state to the queue. Invalid states and states offered
// after Stop are refused.
func (q *Queue) Enqueue(state common.ConsolidatedState) Ack {
	if err := q.validate.Struct(state); err != nil {
		return Ack{Reason: fmt.Sprintf("invalid state: %v", err)}
	}
	if strings.TrimSpace(state.AgentID) == "" || strings.TrimSpace(state.Summary) == "" {
		return Ack{Reason: "invalid state: blank agent id or summary"}
	}
	if state.ProducedAt.IsZero() {
		state.ProducedAt = time.Now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Ack{Reason: ErrClosed.Error()}
	}
	q.in <- common.PendingState{State: state}
	return Ack{Accepted: true}
}

// Requeue hands abandoned states back. Every state's attempt counter is
// incremented; states that reach MaxAttempts go to OnFailed instead. After
// Stop, requeued states are kept for Snapshot.
func (q *Queue) Requeue(batch []common.PendingState) {
	var retry, failed []common.PendingState
	for _, p := range batch {
		p.Attempts++
		if p.Attempts >= q.maxAttempts {
			failed = append(failed, p)
			continue
		}
		retry = append(retry, p)
	}
	if len(failed) > 0 {
		logger.Warn("[Ingest] states exceeded max attempts", "count", len(failed), "max_attempts", q.maxAttempts)
		if q.onFailed != nil {
			q.onFailed(failed)
		}
	}
	q.putBack(retry)
}

// HandBack returns states to the front of the queue without counting an
// attempt, e.g. for a batch interrupted by shutdown.
func (q *Queue) HandBack(batch []common.PendingState) {
	q.putBack(slices.Clone(batch))
}

func (q *Queue) putBack(states []common.PendingState) {
	if len(states) == 0 {
		return
	}

	q.mu.RLock()
	if !q.closed {
		q.requeue <- states
		q.mu.RUnlock()
		return
	}
	q.mu.RUnlock()

	q.mu.Lock()
	q.final = append(q.final, states...)
	q.mu.Unlock()
}

// Restore seeds the queue with previously pending states, e.g. from a
// checkpoint.
func (q *Queue) Restore(pending []common.PendingState) error {
	if len(pending) == 0 {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.restore <- slices.Clone(pending)
	return nil
}

// Snapshot returns a copy of the states that have not been handed over yet,
// including a batch the handler is still blocking on. After Stop it returns
// what Stop returned plus anything requeued since.
func (q *Queue) Snapshot() []common.PendingState {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return slices.Clone(q.final)
	}
	reply := make(chan []common.PendingState, 1)
	q.snapshot <- reply
	return <-reply
}

// Depth returns the number of buffered states.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Stop refuses new states, cancels a formation run that is still waiting in
// the handler and returns every state that was not dispatched. It is safe to
// call more than once.
func (q *Queue) Stop() []common.PendingState {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		reply := make(chan []common.PendingState, 1)
		q.stop <- reply
		left := <-reply
		<-q.done

		q.mu.Lock()
		q.final = append(left, q.final...)
		q.mu.Unlock()
		logger.Debug("[Ingest] queue stopped", "pending", len(left))
	})

	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.final)
}

func (q *Queue) run() {
	defer close(q.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	var buf []common.PendingState
	// formed is the batch of the current formation run until the handler
	// accepts or returns it.
	var formed []common.PendingState
	running := false
	tickMissed := false

	form := func() {
		if running || len(buf) == 0 {
			return
		}
		n := min(len(buf), q.batchSize)
		batch := slices.Clone(buf[:n])
		buf = slices.Clone(buf[n:])
		formed = batch
		running = true

		go func() {
			var back []common.PendingState
			if err := q.handler(ctx, batch); err != nil {
				logger.Debug("[Ingest] batch handed back", "size", len(batch), "err", err)
				back = batch
			}
			q.runDone <- back
		}()
	}

	for {
		q.depth.Store(int64(len(buf)))

		select {
		case ps := <-q.in:
			buf = append(buf, ps)
			if len(buf) >= q.batchSize {
				form()
			}

		case ps := <-q.requeue:
			buf = append(ps, buf...)
			if len(buf) >= q.batchSize {
				form()
			}

		case ps := <-q.restore:
			buf = append(buf, ps...)
			if len(buf) >= q.batchSize {
				form()
			}

		case <-ticker.C:
			if running {
				tickMissed = true
				continue
			}
			form()

		case back := <-q.runDone:
			running = false
			formed = nil
			if len(back) > 0 {
				buf = append(back, buf...)
				tickMissed = false
				continue
			}
			if len(buf) >= q.batchSize || (tickMissed && len(buf) > 0) {
				tickMissed = false
				form()
			}

		case reply := <-q.snapshot:
			reply <- append(slices.Clone(formed), buf...)

		case reply := <-q.stop:
			cancel()
			if running {
				buf = append(<-q.runDone, buf...)
			}
			q.depth.Store(0)
			reply <- buf
			return
		}
	}
}
