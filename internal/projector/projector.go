// Package projector drives derived-graph projection off the event
// ledger. Each Projector owns one consumer group and advances it
// at-least-once: entries stay pending under a lease until their graph
// writes commit, and redelivery after lease expiry makes the
// idempotent upserts converge.
package projector

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/store"
)

// Transform turns one event into zero or more node and edge upserts.
// It must be deterministic over ledger contents: replays and rebuilds
// rely on identical output for identical input.
type Transform func(db *store.DB, ev *event.Envelope) ([]store.GraphNode, []store.GraphEdge, error)

// TransformError marks a single event that failed projection. The rest
// of its batch proceeds; the failing event is retried and eventually
// dead-lettered.
type TransformError struct {
	EventID string
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform event %s: %v", e.EventID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// State is the projector loop's observable phase.
type State int

const (
	StateIdle State = iota
	StateReading
	StateProcessing
	StateAcknowledging
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateAcknowledging:
		return "acknowledging"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options are the projector tunables, resolved once at startup.
type Options struct {
	BatchSize  int
	Lease      time.Duration
	MaxRetries int
	Poll       time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Poll <= 0 {
		o.Poll = 250 * time.Millisecond
	}
	return o
}

// Projector is one consumer-group worker over the global stream.
type Projector struct {
	db        *store.DB
	group     string
	consumer  string
	transform Transform
	opts      Options
	state     atomic.Int32
}

// New creates a projector for a consumer group. Multiple projectors may
// share a group name; the pending-lease mechanism keeps each entry
// owned by one worker at a time.
func New(db *store.DB, group, consumer string, transform Transform, opts Options) *Projector {
	return &Projector{
		db:        db,
		group:     group,
		consumer:  consumer,
		transform: transform,
		opts:      opts.withDefaults(),
	}
}

// Group returns the consumer group name.
func (p *Projector) Group() string { return p.group }

// State returns the loop's current phase. Safe to call from other
// goroutines while Run is looping.
func (p *Projector) State() State { return State(p.state.Load()) }

func (p *Projector) setState(s State) { p.state.Store(int32(s)) }

// Run loops read → process → acknowledge until the context is
// canceled. An empty read blocks on the poll interval. Errors put the
// loop in the failed state, then it re-enters reading at the persisted
// cursor; recovery is just resuming.
func (p *Projector) Run(ctx context.Context) error {
	if err := p.db.EnsureGroup(p.group, time.Now().UnixMilli()); err != nil {
		return err
	}

	for {
		n, err := p.RunOnce(ctx)
		if err != nil {
			p.setState(StateFailed)
			log.Printf("projector %s: %v", p.group, err)
		}
		if n == 0 || err != nil {
			p.setState(StateIdle)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.Poll):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOnce performs a single read-process-acknowledge cycle and returns
// how many entries it acknowledged.
func (p *Projector) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	p.setState(StateReading)
	entries, err := p.db.ReadGroup(p.group, p.consumer, p.opts.BatchSize,
		now.Add(p.opts.Lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("read group: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	p.setState(StateProcessing)
	var nodes []store.GraphNode
	var edges []store.GraphEdge
	acked := make([]int64, 0, len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		n, e, terr := p.transform(p.db, entry.Event)
		if terr != nil {
			// One bad event never blocks its batch. Leave it pending
			// for lease-expiry retry until it runs out of deliveries.
			if entry.DeliveryCount > p.opts.MaxRetries {
				reason := (&TransformError{EventID: entry.Event.EventID, Err: terr}).Error()
				if dlErr := p.db.AddDeadLetter(p.group, entry.Position, entry.Event.EventID, reason, entry.DeliveryCount); dlErr != nil {
					return 0, fmt.Errorf("dead-letter %d: %w", entry.Position, dlErr)
				}
				log.Printf("projector %s: dead-lettered position %d after %d deliveries: %v",
					p.group, entry.Position, entry.DeliveryCount, terr)
				acked = append(acked, entry.Position)
			} else {
				log.Printf("projector %s: transform failed at position %d (delivery %d): %v",
					p.group, entry.Position, entry.DeliveryCount, terr)
			}
			continue
		}
		nodes = append(nodes, n...)
		edges = append(edges, e...)
		acked = append(acked, entry.Position)
	}

	// Apply the whole batch before acknowledging anything; a failed
	// write leaves every entry pending for redelivery.
	if err := p.db.UpsertNodes(nodes); err != nil {
		return 0, fmt.Errorf("apply nodes: %w", err)
	}
	if err := p.db.UpsertEdges(edges); err != nil {
		return 0, fmt.Errorf("apply edges: %w", err)
	}

	p.setState(StateAcknowledging)
	if err := p.db.Ack(p.group, acked); err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	return len(acked), nil
}

// Drain runs cycles until the stream is exhausted. Used by tests and
// by rebuild to project a ledger prefix synchronously.
func (p *Projector) Drain(ctx context.Context) (int, error) {
	if err := p.db.EnsureGroup(p.group, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := p.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}
