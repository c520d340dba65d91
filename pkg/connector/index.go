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
	"slices"
)

// pendingParse is one parse attempt for an element of the timeline.
type pendingParse struct {
	id      MessageID
	ref     string
	settled bool
}

// groupOutcome is the continuation slot of an idGroup. A nil record means
// the group is abandoned and will be dropped without delivery.
type groupOutcome struct {
	record     *MessageRecord
	bestEffort bool
}

func (o *groupOutcome) final() bool {
	return o != nil && o.record != nil && !o.bestEffort
}

// idGroup holds every parse attempt racing to resolve one message ID.
type idGroup struct {
	id       MessageID
	entries  []*pendingParse
	rejected int
	// partial is the first partial record carried by a rejection.
	partial *MessageRecord
	// slot is set once the group has an outcome but is not yet the head.
	slot *groupOutcome
}

func (g *idGroup) allRejected() bool {
	return g.rejected >= len(g.entries)
}

// pendingIndex is the Pending-ID Index: groups sorted by strictly
// increasing ID. The head (index 0) is the only group allowed to flush.
type pendingIndex struct {
	groups []*idGroup
}

func compareGroup(g *idGroup, id MessageID) int {
	return cmp.Compare(g.id, id)
}

// locate returns the position of the group for id, or -1 if there is none.
func (pi *pendingIndex) locate(id MessageID) int {
	pos, found := slices.BinarySearchFunc(pi.groups, id, compareGroup)
	if !found {
		return -1
	}
	return pos
}

// insert adds the parse attempt to the group for its ID, creating the group
// at its sorted position if needed.
func (pi *pendingIndex) insert(p *pendingParse) *idGroup {
	pos, found := slices.BinarySearchFunc(pi.groups, p.id, compareGroup)
	if found {
		group := pi.groups[pos]
		group.entries = append(group.entries, p)
		return group
	}
	group := &idGroup{id: p.id, entries: []*pendingParse{p}}
	pi.groups = slices.Insert(pi.groups, pos, group)
	return group
}

func (pi *pendingIndex) head() *idGroup {
	if len(pi.groups) == 0 {
		return nil
	}
	return pi.groups[0]
}

func (pi *pendingIndex) removeHead() *idGroup {
	head := pi.groups[0]
	pi.groups[0] = nil
	pi.groups = pi.groups[1:]
	return head
}

func (pi *pendingIndex) size() int {
	return len(pi.groups)
}

func (pi *pendingIndex) reset() {
	clear(pi.groups)
	pi.groups = nil
}
