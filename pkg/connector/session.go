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
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// WatermarkStore persists what has been delivered so a restarted session
// does not deliver it again.
type WatermarkStore interface {
	SaveMessageWatermark(ctx context.Context, chatID ChatID, id MessageID) error
	SaveReceiptWatermark(ctx context.Context, chatID ChatID, count int, id MessageID) error
}

// SessionParams configures a Session. Observer and Sink are required.
type SessionParams struct {
	ChatID    ChatID
	Observer  dom.Observer
	Sink      Sink
	Directory Directory
	Store     WatermarkStore
	Sync      SyncConfig
	// Selector of the timeline container. Empty uses the observer default.
	Selector string
	Dates    *DateParser
	Metrics  *Metrics
	Log      zerolog.Logger
}

type trackKind int

const (
	trackedRemote trackKind = iota + 1
	trackedOwn
)

// elementWaiter is a suspended step of a parse or own send, waiting for a
// Changed mutation of one element to satisfy ready.
type elementWaiter struct {
	ready     func(*dom.Node) bool
	onReady   func(*dom.Node)
	onTimeout func(*dom.Node)
	timer     *time.Timer
	// last is the latest snapshot seen while waiting.
	last *dom.Node
}

// Session synchronizes the timeline of one chat view. Every piece of engine
// state is owned by the session loop goroutine; public methods post closures
// to the loop and wait for their result.
type Session struct {
	chatID   ChatID
	chatType ChatType
	params   SessionParams
	cfg      SyncConfig
	dates    *DateParser
	metrics  *Metrics
	log      zerolog.Logger

	events chan func()
	cancel context.CancelFunc
	done   chan struct{}
	queue  *deliveryQueue

	// Loop-only state below.
	observing bool
	timeline  dom.Subscription
	roster    *Roster
	tracked   map[string]trackKind
	ownIDs    map[MessageID]struct{}
	waiters   map[string]*elementWaiter
	gate      *deliveryGate
	ownSend   *ownSendCorrelator
	receipts  *receiptWatcher
}

// NewSession validates the chat ID and starts the session loop. The session
// does not observe anything until StartObserving is called.
func NewSession(params SessionParams) (*Session, error) {
	chatType, err := params.ChatID.Type()
	if err != nil {
		return nil, err
	}
	if params.Observer == nil || params.Sink == nil {
		return nil, fmt.Errorf("session for %s needs an observer and a sink", params.ChatID)
	}
	log := params.Log.With().Str("chat_id", string(params.ChatID)).Logger()
	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))
	s := &Session{
		chatID:   params.ChatID,
		chatType: chatType,
		params:   params,
		cfg:      params.Sync.withDefaults(),
		dates:    params.Dates,
		metrics:  params.Metrics,
		log:      log,
		events:   make(chan func(), 64),
		cancel:   cancel,
		done:     make(chan struct{}),
		queue:    newDeliveryQueue(log),
		tracked:  make(map[string]trackKind),
		ownIDs:   make(map[MessageID]struct{}),
		waiters:  make(map[string]*elementWaiter),
		receipts: newReceiptWatcher(chatType, nil),
	}
	s.gate = newDeliveryGate(s.chatID, log, s.metrics, s.deliverMessages)
	s.ownSend = &ownSendCorrelator{sess: s}
	go s.queue.run(context.WithoutCancel(ctx))
	go s.loop(ctx)
	return s, nil
}

func (s *Session) ChatID() ChatID {
	return s.chatID
}

func (s *Session) ChatType() ChatType {
	return s.chatType
}

// Close stops the loop and waits for queued deliveries to finish.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	s.queue.close()
}

// ============================================================================
// Loop plumbing
// ============================================================================

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer s.drainEvents()
	defer s.stopObserving()
	for {
		var timelineCh <-chan dom.Batch
		if s.timeline != nil {
			timelineCh = s.timeline.Batches()
		}
		select {
		case fn := <-s.events:
			fn()
		case batch, ok := <-timelineCh:
			if !ok {
				s.log.Warn().Msg("Timeline subscription ended, stopping observation")
				s.timeline = nil
				s.stopObserving()
				continue
			}
			s.handleTimeline(batch)
			s.handleReadBatch(batch)
		case <-ctx.Done():
			return
		}
	}
}

// drainEvents runs the closures posted while the loop was shutting down, so
// callers waiting on them are released.
func (s *Session) drainEvents() {
	for {
		select {
		case fn := <-s.events:
			fn()
		default:
			return
		}
	}
}

// post queues fn to run on the loop. It returns false if the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.post(func() { result <- fn() }) {
		return ErrSessionStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionStopped
		}
	}
}

// waitFor suspends a step until a Changed mutation of ref satisfies ready.
// With a zero timeout the wait only ends through ready or cancelWait.
func (s *Session) waitFor(ref string, timeout time.Duration, ready func(*dom.Node) bool, onReady, onTimeout func(*dom.Node)) {
	s.cancelWait(ref)
	w := &elementWaiter{ready: ready, onReady: onReady, onTimeout: onTimeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			s.post(func() {
				if s.waiters[ref] != w {
					return
				}
				delete(s.waiters, ref)
				if w.onTimeout != nil {
					w.onTimeout(w.last)
				}
			})
		})
	}
	s.waiters[ref] = w
}

func (s *Session) cancelWait(ref string) {
	if w, ok := s.waiters[ref]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(s.waiters, ref)
	}
}

// ============================================================================
// Watcher
// ============================================================================

func (s *Session) handleTimeline(batch dom.Batch) {
	s.log.Trace().Int64("seq", batch.Seq).Int("mutations", len(batch.Mutations)).Msg("Timeline batch")
	// Every new element of the batch is tracked before any parse starts, so
	// the gate orders the whole batch.
	var parses []*parseTask
	for i := range batch.Mutations {
		mut := &batch.Mutations[i]
		switch mut.Type {
		case dom.Added:
			parses = s.classify(&mut.Node, parses)
		case dom.Changed:
			if _, ok := s.tracked[mut.Node.Ref]; ok {
				s.dispatchChange(&mut.Node)
			} else {
				// IDs are assigned after insertion for elements that were
				// still being sent.
				parses = s.classify(&mut.Node, parses)
			}
		case dom.Removed:
			// Elements get detached and re-inserted by the UI, so removal
			// is not final. Stuck parses end through their timeouts.
		}
	}
	for _, task := range parses {
		task.begin()
	}
}

func (s *Session) classify(node *dom.Node, parses []*parseTask) []*parseTask {
	if !node.MessageBearing() {
		return parses
	}
	if _, ok := s.tracked[node.Ref]; ok {
		return parses
	}
	id := MessageID(node.ID)
	if id != 0 && id <= s.gate.watermark {
		return parses
	}
	if _, ok := s.ownIDs[id]; ok && id != 0 {
		return parses
	}
	if s.ownSend.offer(node) {
		s.tracked[node.Ref] = trackedOwn
		return parses
	}
	if id == 0 {
		s.log.Debug().Str("ref", node.Ref).Msg("Ignoring timeline element without an ID")
		return parses
	}
	s.tracked[node.Ref] = trackedRemote
	p := &pendingParse{id: id, ref: node.Ref}
	s.gate.track(p)
	return append(parses, s.newParse(p, node))
}

func (s *Session) dispatchChange(node *dom.Node) {
	w, ok := s.waiters[node.Ref]
	if !ok {
		return
	}
	w.last = node
	if !w.ready(node) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(s.waiters, node.Ref)
	w.onReady(node)
}

func (s *Session) deliverMessages(records []*MessageRecord, watermark MessageID) {
	chatID := s.chatID
	store := s.params.Store
	sink := s.params.Sink
	s.queue.enqueue("messages", func(ctx context.Context) error {
		if len(records) > 0 {
			if err := sink.DeliverMessages(ctx, chatID, records); err != nil {
				return fmt.Errorf("failed to deliver %d messages: %w", len(records), err)
			}
		}
		if store != nil {
			if err := store.SaveMessageWatermark(ctx, chatID, watermark); err != nil {
				return fmt.Errorf("failed to save message watermark: %w", err)
			}
		}
		return nil
	})
}

// ============================================================================
// Receipts
// ============================================================================

func (s *Session) handleReadBatch(batch dom.Batch) {
	changed := false
	for i := range batch.Mutations {
		mut := &batch.Mutations[i]
		if mut.Type == dom.Removed {
			continue
		}
		if s.receipts.observe(&mut.Node) {
			changed = true
		}
	}
	if !changed {
		return
	}
	receipts := s.receipts.scan(s.receipts.tiers)
	s.receipts.commit(receipts)
	s.deliverReceipts(receipts)
}

func (s *Session) deliverReceipts(receipts []ReceiptRecord) {
	if len(receipts) == 0 {
		return
	}
	s.metrics.receiptsReported(s.chatType, len(receipts))
	chatID := s.chatID
	store := s.params.Store
	sink := s.params.Sink
	multiParty := s.chatType.MultiParty()
	s.queue.enqueue("receipts", func(ctx context.Context) error {
		var err error
		if multiParty {
			err = sink.DeliverReceiptBatch(ctx, chatID, receipts)
		} else {
			err = sink.DeliverReceiptLatest(ctx, chatID, receipts[len(receipts)-1].ID)
		}
		if err != nil {
			return fmt.Errorf("failed to deliver receipts: %w", err)
		}
		if store == nil {
			return nil
		}
		for _, rcpt := range receipts {
			count := 1
			if rcpt.Count != nil {
				count = *rcpt.Count
			}
			if err = store.SaveReceiptWatermark(ctx, chatID, count, rcpt.ID); err != nil {
				return fmt.Errorf("failed to save receipt watermark: %w", err)
			}
		}
		return nil
	})
}

// ============================================================================
// Control surface
// ============================================================================

// StartObserving attaches to the timeline. Elements with IDs at or below
// minID are treated as already delivered, and read indicators at or below
// tiers as already reported.
func (s *Session) StartObserving(ctx context.Context, minID MessageID, tiers TierWatermarks) error {
	return s.call(ctx, func() error {
		if s.observing {
			return nil
		}
		s.gate.advance(minID)
		// The initial batch may already be queued when Observe returns.
		s.receipts.tiers.merge(tiers)
		if s.chatType.MultiParty() && s.params.Directory != nil {
			roster, err := s.params.Directory.Roster(ctx, s.chatID)
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to load chat roster, senders will be unresolved")
			} else {
				s.roster = roster
				if n := len(roster.Participants); n > 1 {
					s.receipts.maxTier = n - 1
				}
			}
		}
		// One subscription feeds both the watcher and the receipt watcher.
		timeline, err := s.params.Observer.Observe(ctx, dom.Options{
			Selector:      s.params.Selector,
			Initial:       true,
			Subtree:       true,
			Attributes:    true,
			CharacterData: true,
		})
		if err != nil {
			return fmt.Errorf("failed to observe timeline: %w", err)
		}
		s.timeline = timeline
		s.observing = true
		s.log.Info().Int64("min_id", int64(s.gate.watermark)).Msg("Started observing chat")
		return nil
	})
}

// StopObserving detaches every subscription. In-flight parses are dropped
// and will be picked up again by the initial batch of the next start.
func (s *Session) StopObserving(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.stopObserving()
		return nil
	})
}

func (s *Session) stopObserving() {
	if s.timeline != nil {
		if err := s.timeline.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to close timeline subscription")
		}
		s.timeline = nil
	}
	if !s.observing {
		return
	}
	s.observing = false
	if send := s.ownSend.current; send != nil {
		s.ownSend.settle(send, 0, ErrNotObserving)
	}
	for ref := range s.waiters {
		s.cancelWait(ref)
	}
	clear(s.tracked)
	s.gate.reset()
	s.receipts.reset()
	s.log.Info().Int64("watermark", int64(s.gate.watermark)).Msg("Stopped observing chat")
}

// ArmOwnSend announces that a message is being sent. The returned future
// resolves with the ID of the element whose success indicator becomes
// visible. A zero timeout uses the configured default.
func (s *Session) ArmOwnSend(timeout time.Duration, success, failure string) *OwnSend {
	future := newOwnSend()
	if timeout <= 0 {
		timeout = s.cfg.OwnSendTimeout
	}
	ok := s.post(func() {
		if !s.observing {
			future.settle(0, ErrNotObserving)
			return
		}
		s.ownSend.arm(future, timeout, success, failure)
	})
	if !ok {
		future.settle(0, ErrSessionStopped)
	}
	return future
}

// ResyncReceipts merges the given watermarks into the session's and reports
// every receipt newer than the result.
func (s *Session) ResyncReceipts(ctx context.Context, tiers TierWatermarks) ([]ReceiptRecord, error) {
	var receipts []ReceiptRecord
	err := s.call(ctx, func() error {
		s.receipts.tiers.merge(tiers)
		receipts = s.receipts.scan(s.receipts.tiers)
		s.receipts.commit(receipts)
		s.deliverReceipts(receipts)
		return nil
	})
	return receipts, err
}

// Watermark returns the highest message ID delivered or abandoned.
func (s *Session) Watermark(ctx context.Context) (MessageID, error) {
	var wm MessageID
	err := s.call(ctx, func() error {
		wm = s.gate.watermark
		return nil
	})
	return wm, err
}

// ReceiptWatermarks returns a copy of the per-tier receipt watermarks.
func (s *Session) ReceiptWatermarks(ctx context.Context) (TierWatermarks, error) {
	var tiers TierWatermarks
	err := s.call(ctx, func() error {
		tiers = s.receipts.tiers.Clone()
		return nil
	})
	return tiers, err
}
