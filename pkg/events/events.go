package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
)

// Type names a pipeline lifecycle event.
type Type string

const (
	BatchProcessed     Type = "batch_processed"
	KnowledgePersisted Type = "knowledge_persisted"
	ConflictResolved   Type = "conflict_resolved"
	ExtractionError    Type = "extraction_error"
	BatchFailed        Type = "batch_failed"
	StatesFailed       Type = "states_failed"
)

// Event is a lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type    Type      `json:"type"`
	BatchID string    `json:"batch_id,omitempty"`
	At      time.Time `json:"at"`

	// batch_processed
	BatchSize        int           `json:"batch_size,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	TriplesExtracted int           `json:"triples_extracted,omitempty"`

	// knowledge_persisted
	EntityCount int `json:"entity_count,omitempty"`
	TripleCount int `json:"triple_count,omitempty"`
	CausalCount int `json:"causal_count,omitempty"`

	// conflict_resolved
	Subject      string   `json:"subject,omitempty"`
	Predicate    string   `json:"predicate,omitempty"`
	Winner       string   `json:"winner,omitempty"`
	WinnerAgents []string `json:"winner_agents,omitempty"`
	LoserAgents  []string `json:"loser_agents,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`

	// extraction_error, batch_failed, states_failed
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
	States int    `json:"states,omitempty"`
}

// Sink receives events from the dispatcher goroutine. Handle should return
// quickly; a slow sink only delays other sinks, never the pipeline.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Emitter fans events out to sinks without ever blocking the caller. When
// the buffer is full the event is dropped and counted.
//
// An Emitter should be created using NewEmitter and closed with Close.
type Emitter struct {
	ch          chan Event
	sinks       []Sink
	sinkTimeout time.Duration

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEmitter starts the dispatcher. buffer <= 0 uses 1024.
func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	e := &Emitter{
		ch:          make(chan Event, buffer),
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Emit queues ev for delivery and reports whether it was accepted.
func (e *Emitter) Emit(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return false
	}
	select {
	case e.ch <- ev:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of events that could not be queued.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close delivers the queued events and stops the dispatcher.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for ev := range e.ch {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.sinkTimeout)
			if err := s.Handle(ctx, ev); err != nil {
				logger.Warn("[Events] sink failed", "sink", s.Name(), "type", string(ev.Type), "err", err)
			}
			cancel()
		}
	}
}
