// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"cmp"
	"maps"
	"slices"

	"github.com/samber/lo"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// TierWatermarks maps a read count to the highest message ID known to have
// been read by at least that many members. Direct chats only use tier 1.
type TierWatermarks map[int]MessageID

func (tw TierWatermarks) Clone() TierWatermarks {
	if tw == nil {
		return TierWatermarks{}
	}
	return maps.Clone(tw)
}

// apply raises every tier up to count to at least id.
func (tw TierWatermarks) apply(id MessageID, count int) {
	for tier := 1; tier <= count; tier++ {
		if tw[tier] < id {
			tw[tier] = id
		}
	}
}

// merge raises every tier to the value in other if that is higher.
func (tw TierWatermarks) merge(other TierWatermarks) {
	for tier, id := range other {
		if tw[tier] < id {
			tw[tier] = id
		}
	}
}

// readState is the read indicator of one outgoing message. A count of 0
// means unread. A direct chat read counts as 1.
type readState struct {
	id    MessageID
	count int
}

// scanDirectReceipts returns the IDs above watermark that show as read, in
// ascending order. The last one is the latest read message.
func scanDirectReceipts(states []readState, watermark MessageID) []MessageID {
	read := lo.Filter(states, func(st readState, _ int) bool {
		return st.count > 0 && st.id > watermark
	})
	ids := lo.Map(read, func(st readState, _ int) MessageID { return st.id })
	slices.Sort(ids)
	return ids
}

// scanGroupReceipts scans states from newest to oldest and reports every
// message whose read count is above the watermark of its tier. The scan
// stops at the fully read watermark, or once a count drops below the lowest
// tier still being searched for. states must be sorted by ascending ID.
// maxTier is the highest possible count, or 0 if unknown.
func scanGroupReceipts(states []readState, tiers TierWatermarks, maxTier int) []ReceiptRecord {
	if maxTier <= 0 {
		maxTier = lo.Max(append(lo.Keys(tiers), lo.Map(states, func(st readState, _ int) int { return st.count })...))
	}
	if maxTier <= 0 {
		return nil
	}
	fullyRead := tiers[maxTier]
	found := make([]bool, maxTier+1)
	var reports []ReceiptRecord
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		if st.id <= fullyRead {
			break
		}
		if st.count <= 0 {
			continue
		}
		minSought := 0
		for tier := 1; tier <= maxTier; tier++ {
			if !found[tier] && tiers[tier] < st.id {
				minSought = tier
				break
			}
		}
		if minSought == 0 || st.count < minSought {
			break
		}
		tier := min(st.count, maxTier)
		if !found[tier] && st.id > tiers[tier] {
			found[tier] = true
			reports = append(reports, ReceiptRecord{ID: st.id, Count: ptr.Ptr(st.count)})
		}
	}
	slices.Reverse(reports)
	return reports
}

// receiptWatcher tracks the read indicators of outgoing messages in the
// observed timeline. It lives on the session loop.
type receiptWatcher struct {
	chatType ChatType
	maxTier  int
	states   map[MessageID]int
	tiers    TierWatermarks
}

func newReceiptWatcher(chatType ChatType, tiers TierWatermarks) *receiptWatcher {
	return &receiptWatcher{
		chatType: chatType,
		states:   make(map[MessageID]int),
		tiers:    tiers.Clone(),
	}
}

// observe records the read state of node. It returns true if it changed.
func (rw *receiptWatcher) observe(node *dom.Node) bool {
	if !node.MessageBearing() || !node.Outgoing || node.ID == 0 {
		return false
	}
	count := 0
	if node.Read != nil && node.Read.Visible {
		count = 1
		if rw.chatType.MultiParty() {
			count = max(node.Read.Count, 1)
		}
	}
	id := MessageID(node.ID)
	prev, ok := rw.states[id]
	if ok && prev == count {
		return false
	}
	rw.states[id] = count
	return true
}

func (rw *receiptWatcher) sortedStates() []readState {
	states := make([]readState, 0, len(rw.states))
	for id, count := range rw.states {
		states = append(states, readState{id: id, count: count})
	}
	slices.SortFunc(states, func(a, b readState) int {
		return cmp.Compare(a.id, b.id)
	})
	return states
}

// scan reports the receipts that are newer than tiers. It does not update
// any watermark.
func (rw *receiptWatcher) scan(tiers TierWatermarks) []ReceiptRecord {
	states := rw.sortedStates()
	if !rw.chatType.MultiParty() {
		return lo.Map(scanDirectReceipts(states, tiers[1]), func(id MessageID, _ int) ReceiptRecord {
			return ReceiptRecord{ID: id}
		})
	}
	return scanGroupReceipts(states, tiers, rw.maxTier)
}

// commit raises the watermarks past the given receipts.
func (rw *receiptWatcher) commit(receipts []ReceiptRecord) {
	for _, rcpt := range receipts {
		rw.tiers.apply(rcpt.ID, ptr.Val(rcpt.Count))
		if rcpt.Count == nil {
			rw.tiers.apply(rcpt.ID, 1)
		}
	}
}

func (rw *receiptWatcher) reset() {
	clear(rw.states)
}
