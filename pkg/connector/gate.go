// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// ============================================================================
// Ordered delivery gate
// ============================================================================

// deliveryGate releases resolved records strictly in ascending ID order.
// A group that settles before it reaches the head of the index parks its
// outcome in its continuation slot. Every settle runs flush, which drains
// the head for as long as the head has an outcome, so a parked group is
// woken by the removal of the group in front of it.
//
// All methods must be called from the session loop.
type deliveryGate struct {
	chatID  ChatID
	log     zerolog.Logger
	metrics *Metrics

	index pendingIndex
	// watermark is the highest ID delivered or abandoned. It never decreases.
	watermark MessageID
	// lastTimestamp is the timestamp of the most recently flushed record,
	// used to date membership notices.
	lastTimestamp *int64

	// deliver is called after every flush that removed at least one group.
	// records may be empty if every removed group was abandoned.
	deliver func(records []*MessageRecord, watermark MessageID)
}

func newDeliveryGate(chatID ChatID, log zerolog.Logger, metrics *Metrics, deliver func([]*MessageRecord, MessageID)) *deliveryGate {
	return &deliveryGate{
		chatID:  chatID,
		log:     log,
		metrics: metrics,
		deliver: deliver,
	}
}

// track registers a new parse attempt. If its ID already has a group, the
// attempt joins it and the group waits for it unless a successful record is
// already parked.
func (g *deliveryGate) track(p *pendingParse) {
	group := g.index.insert(p)
	if len(group.entries) > 1 {
		g.log.Debug().
			Int64("message_id", int64(p.id)).
			Int("attempts", len(group.entries)).
			Msg("Element re-rendered, racing another parse for the same ID")
	}
	if group.slot != nil && !group.slot.final() {
		group.slot = nil
	}
	g.metrics.setPending(g.index.size())
}

// resolve settles a parse attempt with a complete record.
func (g *deliveryGate) resolve(p *pendingParse, rec *MessageRecord) {
	if p.settled {
		return
	}
	p.settled = true
	pos := g.index.locate(p.id)
	if pos < 0 {
		g.log.Debug().Int64("message_id", int64(p.id)).Msg("Discarding parse result for already delivered ID")
		g.metrics.parseSuperseded()
		return
	}
	group := g.index.groups[pos]
	if group.slot.final() {
		g.log.Debug().Int64("message_id", int64(p.id)).Msg("Discarding duplicate parse result")
		g.metrics.parseSuperseded()
		return
	}
	group.slot = &groupOutcome{record: rec}
	if pos > 0 {
		g.log.Debug().
			Int64("message_id", int64(p.id)).
			Int64("waiting_for", int64(g.index.groups[0].id)).
			Msg("Parked resolved message behind earlier ID")
	}
	g.flush()
}

// reject settles a parse attempt with a failure. When every attempt for the
// ID has failed the group resolves with the first partial record any of them
// carried, or is abandoned if none did.
func (g *deliveryGate) reject(p *pendingParse, err error) {
	if p.settled {
		return
	}
	p.settled = true
	pos := g.index.locate(p.id)
	if pos < 0 {
		return
	}
	group := g.index.groups[pos]
	group.rejected++
	var parseErr *ParseError
	if group.partial == nil && errors.As(err, &parseErr) && parseErr.Partial != nil {
		group.partial = parseErr.Partial
	}
	g.log.Debug().Err(err).
		Int64("message_id", int64(p.id)).
		Int("rejected", group.rejected).
		Int("attempts", len(group.entries)).
		Msg("Parse attempt failed")
	if group.slot != nil || !group.allRejected() {
		return
	}
	if group.partial != nil {
		group.slot = &groupOutcome{record: group.partial, bestEffort: true}
	} else {
		group.slot = &groupOutcome{}
	}
	g.flush()
}

// flush removes every settled group from the head of the index, advancing
// the watermark in the same step, and hands the records to deliver as one
// ordered batch.
func (g *deliveryGate) flush() {
	var records []*MessageRecord
	removed := 0
	for head := g.index.head(); head != nil && head.slot != nil; head = g.index.head() {
		g.index.removeHead()
		g.advance(head.id)
		removed++
		rec := head.slot.record
		if rec == nil {
			g.log.Warn().Int64("message_id", int64(head.id)).Msg("Abandoning message, every parse attempt failed without data")
			g.metrics.messageAbandoned()
			continue
		}
		if head.slot.bestEffort {
			g.log.Warn().Int64("message_id", int64(head.id)).Msg("Delivering partial message after every parse attempt failed")
		}
		if rec.Timestamp == nil && rec.MemberChange != nil && g.lastTimestamp != nil {
			rec.Timestamp = ptr.Ptr(*g.lastTimestamp)
		} else if rec.Timestamp != nil {
			g.lastTimestamp = rec.Timestamp
		}
		records = append(records, rec)
		g.metrics.messageDelivered(head.slot.bestEffort)
	}
	g.metrics.setPending(g.index.size())
	if removed > 0 {
		g.deliver(records, g.watermark)
	}
}

func (g *deliveryGate) advance(id MessageID) {
	if id > g.watermark {
		g.watermark = id
	}
}

// reset drops every in-flight group without delivering it. Late results for
// the dropped attempts are discarded as superseded.
func (g *deliveryGate) reset() {
	g.index.reset()
	g.metrics.setPending(0)
}

// ============================================================================
// Delivery queue
// ============================================================================

type deliveryJob struct {
	name string
	fn   func(ctx context.Context) error
}

// deliveryQueue runs transport calls on a single worker in the order they
// were enqueued, so batches flushed in order reach the backend in order even
// though the loop never waits for them.
type deliveryQueue struct {
	log zerolog.Logger

	mu     sync.Mutex
	jobs   []deliveryJob
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

func newDeliveryQueue(log zerolog.Logger) *deliveryQueue {
	return &deliveryQueue{
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (q *deliveryQueue) enqueue(name string, fn func(ctx context.Context) error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn().Str("job", name).Msg("Dropping delivery, queue is closed")
		return
	}
	q.jobs = append(q.jobs, deliveryJob{name: name, fn: fn})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run(ctx context.Context) {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		job := q.jobs[0]
		q.jobs[0] = deliveryJob{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		if err := job.fn(ctx); err != nil {
			q.log.Err(err).Str("job", job.name).Msg("Failed to deliver to backend")
		}
	}
}

// close stops accepting jobs and waits for the queued ones to finish.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}
