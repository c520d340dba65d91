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

	"github.com/lrhodin/linepuppet/pkg/rpc"
)

// Event commands pushed to the bridge.
const (
	EventMessage  = "message"
	EventReceipt  = "receipt"
	EventReceipts = "receipts"
)

// Broadcaster pushes events to the connected bridge.
type Broadcaster interface {
	Broadcast(command string, sequential bool, payload any) error
}

var _ Broadcaster = (*rpc.Server)(nil)

// bridgeAdapter delivers sync output to the bridge as rpc events.
type bridgeAdapter struct {
	out Broadcaster
}

var _ Sink = (*bridgeAdapter)(nil)

// NewBridgeSink returns a Sink that broadcasts to the bridge through out.
func NewBridgeSink(out Broadcaster) Sink {
	return &bridgeAdapter{out: out}
}

type messageEvent struct {
	Message *MessageRecord `json:"message"`
}

type receiptEvent struct {
	Receipt latestReceipt `json:"receipt"`
}

type latestReceipt struct {
	ID     MessageID `json:"id"`
	ChatID ChatID    `json:"chat_id"`
}

type receiptsEvent struct {
	ChatID   ChatID          `json:"chat_id"`
	Receipts []ReceiptRecord `json:"receipts"`
}

// DeliverMessages sends one sequential event per message so the bridge
// handles them in ID order.
func (ba *bridgeAdapter) DeliverMessages(ctx context.Context, chatID ChatID, msgs []*MessageRecord) error {
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ba.out.Broadcast(EventMessage, true, messageEvent{Message: msg}); err != nil {
			return fmt.Errorf("failed to send message %d: %w", msg.ID, err)
		}
	}
	return nil
}

func (ba *bridgeAdapter) DeliverReceiptLatest(ctx context.Context, chatID ChatID, id MessageID) error {
	return ba.out.Broadcast(EventReceipt, false, receiptEvent{Receipt: latestReceipt{ID: id, ChatID: chatID}})
}

func (ba *bridgeAdapter) DeliverReceiptBatch(ctx context.Context, chatID ChatID, receipts []ReceiptRecord) error {
	return ba.out.Broadcast(EventReceipts, false, receiptsEvent{ChatID: chatID, Receipts: receipts})
}
