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
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

type managerFixture struct {
	manager  *Manager
	observer *fakeObserver
	sink     *recordingSink
	store    *Store
}

func newTestManager(t *testing.T) *managerFixture {
	t.Helper()
	fx := &managerFixture{
		observer: &fakeObserver{},
		sink:     &recordingSink{},
		store:    openTestStore(t),
	}
	fx.manager = NewManager(ManagerParams{
		Observer: fx.observer,
		Sink:     fx.sink,
		Store:    fx.store,
		Dates:    &DateParser{Location: time.UTC, Now: func() time.Time { return testNow }},
		Log:      zerolog.Nop(),
	})
	t.Cleanup(fx.manager.Close)
	return fx
}

func (fx *managerFixture) waitForMessages(t *testing.T, ids ...MessageID) {
	t.Helper()
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, ids, fx.sink.messageIDs())
	}, waitFor, tick)
}

func TestManager_SwitchChatRestoresWatermark(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t)
	require.NoError(t, fx.store.SaveMessageWatermark(ctx, "u1", 10))
	fx.manager.SetLastMessageIDs(map[ChatID]MessageID{"u1": 12, "u2": 3})

	sess, err := fx.manager.SwitchChat(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, sess, fx.manager.Active())
	fx.observer.push(t, added(textNode(11, "a")), added(textNode(12, "b")), added(textNode(13, "c")))
	fx.waitForMessages(t, 13)
	require.Eventually(t, func() bool {
		id, err := fx.store.MessageWatermark(ctx, "u1")
		return err == nil && id == 13
	}, waitFor, tick)

	same, err := fx.manager.SwitchChat(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, sess, same)

	other, err := fx.manager.SwitchChat(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, ChatTypeGroup, other.ChatType())
	assert.Equal(t, 1, fx.observer.openSubs())
}

func TestManager_PauseResume(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t)
	_, err := fx.manager.SwitchChat(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, fx.manager.Pause(ctx))
	assert.Zero(t, fx.observer.openSubs())

	// Switching while paused doesn't start observing.
	_, err = fx.manager.SwitchChat(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, fx.observer.openSubs())

	require.NoError(t, fx.manager.Resume(ctx))
	assert.Equal(t, 1, fx.observer.openSubs())
	fx.observer.push(t, added(textNode(1, "a")))
	fx.waitForMessages(t, 1)

	fx.manager.Reattach(ctx)
	assert.Equal(t, 1, fx.observer.openSubs())
}

func TestManager_ReceiptWatermarks(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t)
	require.NoError(t, fx.store.SaveReceiptWatermark(ctx, "u1", 1, 2))
	_, err := fx.manager.SwitchChat(ctx, "u1")
	require.NoError(t, err)

	fx.observer.push(t, added(readNode(5, "a", 1)))
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		tiers, err := fx.manager.ReceiptWatermarks(ctx, "u1")
		assert.NoError(c, err)
		assert.Equal(c, TierWatermarks{1: 5}, tiers)
	}, waitFor, tick)

	tiers, err := fx.manager.ReceiptWatermarks(ctx, "u7")
	require.NoError(t, err)
	assert.Empty(t, tiers)
}

func TestManager_StoredReceiptsNotReportedAgain(t *testing.T) {
	ctx := context.Background()
	fx := newTestManager(t)
	require.NoError(t, fx.store.SaveMessageWatermark(ctx, "u1", 10))
	require.NoError(t, fx.store.SaveReceiptWatermark(ctx, "u1", 1, 9))
	fx.observer.initial = []dom.Mutation{added(readNode(9, "a", 1)), added(readNode(10, "b", 0))}

	_, err := fx.manager.SwitchChat(ctx, "u1")
	require.NoError(t, err)

	// Receipts are delivered in order, so a report of 9 would come first.
	fx.observer.push(t, changed(readNode(10, "b", 1)))
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, []MessageID{10}, fx.sink.latestReceipts())
	}, waitFor, tick)
}

func TestManager_ArmOwnSendWithoutChat(t *testing.T) {
	fx := newTestManager(t)
	_, err := fx.manager.ArmOwnSend(0, "sent", "failed")
	assert.ErrorIs(t, err, ErrNoActiveChat)
}
