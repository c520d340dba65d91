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
	"fmt"
)

// MessageID is the sequential local ID the LINE UI assigns to each chat turn.
type MessageID int64

// ChatID is a LINE chat identifier. The first character encodes the chat type.
type ChatID string

type ChatType int

const (
	ChatTypeDirect ChatType = iota + 1
	ChatTypeGroup
	ChatTypeRoom
)

func (t ChatType) String() string {
	switch t {
	case ChatTypeDirect:
		return "direct"
	case ChatTypeGroup:
		return "group"
	case ChatTypeRoom:
		return "room"
	default:
		return fmt.Sprintf("ChatType(%d)", int(t))
	}
}

// MultiParty reports whether senders and read counts must be tracked per member.
func (t ChatType) MultiParty() bool {
	return t == ChatTypeGroup || t == ChatTypeRoom
}

var (
	ErrMalformedChatID = errors.New("malformed chat ID")
	ErrParseTimeout    = errors.New("timed out waiting for message to decrypt")
	ErrImageTimeout    = errors.New("timed out waiting for image to load")
	ErrOwnSendTimeout  = errors.New("timed out waiting for sent message to appear")
	ErrOwnSendReplaced = errors.New("own send was replaced by a newer send")
	ErrSessionStopped  = errors.New("session stopped")
	ErrNotObserving    = errors.New("session is not observing a chat")
	ErrNoActiveChat    = errors.New("no active chat")
)

// Type returns the chat type encoded in the ID prefix.
func (c ChatID) Type() (ChatType, error) {
	if len(c) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedChatID, string(c))
	}
	switch c[0] {
	case 'u':
		return ChatTypeDirect, nil
	case 'c':
		return ChatTypeGroup, nil
	case 'r':
		return ChatTypeRoom, nil
	default:
		return 0, fmt.Errorf("%w: unknown prefix %q in %q", ErrMalformedChatID, c[0], string(c))
	}
}

// ParseChatID validates a raw chat ID and returns it with its type.
func ParseChatID(raw string) (ChatID, ChatType, error) {
	chatID := ChatID(raw)
	chatType, err := chatID.Type()
	if err != nil {
		return "", 0, err
	}
	return chatID, chatType, nil
}

// Participant is a LINE user as listed in the friends or member lists.
type Participant struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// MessageImage is the image body of a message.
type MessageImage struct {
	URL        string `json:"url"`
	IsSticker  bool   `json:"is_sticker"`
	IsAnimated bool   `json:"is_animated"`
}

// MemberChange is the body of a join/leave notice.
type MemberChange struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// MessageRecord is a fully resolved timeline message.
type MessageRecord struct {
	ID         MessageID `json:"id"`
	ChatID     ChatID    `json:"chat_id"`
	IsOutgoing bool      `json:"is_outgoing"`
	// Timestamp is in unix milliseconds.
	Timestamp *int64       `json:"timestamp,omitempty"`
	Sender    *Participant `json:"sender,omitempty"`

	HTML         string        `json:"html,omitempty"`
	Text         string        `json:"text,omitempty"`
	Image        *MessageImage `json:"image,omitempty"`
	MemberChange *MemberChange `json:"member_change,omitempty"`

	ReceiptCount *int `json:"receipt_count,omitempty"`
}

// ReceiptRecord reports that a message was read. Count is nil for direct
// chats, where read state is binary.
type ReceiptRecord struct {
	ID    MessageID `json:"id"`
	Count *int      `json:"count,omitempty"`
}

// ParseError is a parse rejection. Partial holds the fields that had been
// resolved before the failure, if any.
type ParseError struct {
	Err     error
	Partial *MessageRecord
}

func (pe *ParseError) Error() string {
	return pe.Err.Error()
}

func (pe *ParseError) Unwrap() error {
	return pe.Err
}

// OwnSendFailure is returned when the failure indicator of a sent message
// becomes visible.
type OwnSendFailure struct {
	Indicator string
}

func (f *OwnSendFailure) Error() string {
	return fmt.Sprintf("message send failed (indicator %q visible)", f.Indicator)
}

// Sink is the backend transport. Calls are made from a single delivery
// worker per session, so calls for one chat never overlap.
type Sink interface {
	DeliverMessages(ctx context.Context, chatID ChatID, msgs []*MessageRecord) error
	DeliverReceiptLatest(ctx context.Context, chatID ChatID, id MessageID) error
	DeliverReceiptBatch(ctx context.Context, chatID ChatID, receipts []ReceiptRecord) error
}
