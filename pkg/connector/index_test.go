// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingIndex_SortedGroups(t *testing.T) {
	var pi pendingIndex
	for _, id := range []MessageID{42, 7, 19, 7, 100, 1} {
		pi.insert(&pendingParse{id: id})
	}
	require.Equal(t, 5, pi.size())
	var ids []MessageID
	for _, g := range pi.groups {
		ids = append(ids, g.id)
	}
	assert.Equal(t, []MessageID{1, 7, 19, 42, 100}, ids)
	assert.Len(t, pi.groups[pi.locate(7)].entries, 2)
	assert.Equal(t, -1, pi.locate(8))
	assert.Equal(t, 3, pi.locate(42))
}

func TestPendingIndex_RemoveHead(t *testing.T) {
	var pi pendingIndex
	assert.Nil(t, pi.head())
	pi.insert(&pendingParse{id: 2})
	pi.insert(&pendingParse{id: 1})
	assert.Equal(t, MessageID(1), pi.head().id)
	assert.Equal(t, MessageID(1), pi.removeHead().id)
	assert.Equal(t, MessageID(2), pi.head().id)
	pi.reset()
	assert.Zero(t, pi.size())
	assert.Nil(t, pi.head())
}

func TestIDGroup_AllRejected(t *testing.T) {
	g := &idGroup{entries: []*pendingParse{{}, {}}}
	assert.False(t, g.allRejected())
	g.rejected = 2
	assert.True(t, g.allRejected())
}
