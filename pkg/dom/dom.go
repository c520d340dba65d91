// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package dom describes the chat timeline as seen through structural
// mutation batches. Observers deliver snapshots of message-bearing elements
// instead of live node handles, since the host UI owns the nodes and may
// detach them at any time.
package dom

import (
	"context"
	"strings"
)

// NodeKind classifies an element of the timeline container.
type NodeKind string

const (
	// KindNone is used for children of the timeline that carry no message.
	KindNone    NodeKind = ""
	KindMessage NodeKind = "message"
	KindNotice  NodeKind = "notice"
)

// Image is an image reference inside a message element.
type Image struct {
	URL        string `json:"url"`
	Loaded     bool   `json:"loaded,omitempty"`
	IsSticker  bool   `json:"is_sticker,omitempty"`
	IsAnimated bool   `json:"is_animated,omitempty"`
	Alt        string `json:"alt,omitempty"`
}

// Stable reports whether the image URL points at a resource that will not
// change anymore. Placeholder URLs are swapped for blob: URLs once the
// extension has downloaded and decrypted the image.
func (img Image) Stable() bool {
	switch {
	case strings.HasPrefix(img.URL, "blob:"), strings.HasPrefix(img.URL, "data:"):
		return true
	case strings.HasPrefix(img.URL, "https://"), strings.HasPrefix(img.URL, "http://"):
		return img.Loaded
	default:
		return false
	}
}

// Sender is the sender identity as displayed next to a message.
type Sender struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Notice is the content of a membership-change banner.
type Notice struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ReadIndicator is the "Read" marker shown under outgoing messages.
// Count is the number of readers in multi-party chats and 1 in direct chats.
type ReadIndicator struct {
	Visible bool `json:"visible"`
	Count   int  `json:"count,omitempty"`
}

// Node is a snapshot of one element in the timeline.
type Node struct {
	// Ref identifies the DOM element itself. Two elements rendering the same
	// logical message share an ID but never a Ref.
	Ref  string   `json:"ref"`
	ID   int64    `json:"id,omitempty"`
	Kind NodeKind `json:"kind,omitempty"`

	Outgoing   bool   `json:"outgoing,omitempty"`
	DateText   string `json:"date,omitempty"`
	TimeText   string `json:"time,omitempty"`
	HTML       string `json:"html,omitempty"`
	Decrypting bool   `json:"decrypting,omitempty"`

	Image        *Image  `json:"image,omitempty"`
	InlineImages []Image `json:"inline_images,omitempty"`

	Sender *Sender        `json:"sender,omitempty"`
	Notice *Notice        `json:"notice,omitempty"`
	Read   *ReadIndicator `json:"read,omitempty"`

	// Indicators lists the class names of the status indicators that are
	// currently visible on the element (sending, sent, failed...).
	Indicators []string `json:"indicators,omitempty"`
}

// MessageBearing reports whether the node carries a message or notice.
func (n *Node) MessageBearing() bool {
	return n.Kind == KindMessage || n.Kind == KindNotice
}

// HasIndicator reports whether the given status indicator is visible.
func (n *Node) HasIndicator(name string) bool {
	if name == "" {
		return false
	}
	for _, ind := range n.Indicators {
		if ind == name {
			return true
		}
	}
	return false
}

// MutationType is the kind of change a Mutation describes.
type MutationType string

const (
	Added   MutationType = "added"
	Removed MutationType = "removed"
	Changed MutationType = "changed"
)

// Mutation is one change descriptor. For Changed mutations Node holds the
// element state after the change.
type Mutation struct {
	Type MutationType `json:"type"`
	Node Node         `json:"node"`
}

// Batch is the set of mutations delivered by one observer callback.
type Batch struct {
	Seq       int64      `json:"seq"`
	Mutations []Mutation `json:"mutations"`
}

// Options selects which changes a subscription receives.
type Options struct {
	// Selector locates the container to observe. Empty means the default
	// timeline container of the observer.
	Selector string `json:"selector,omitempty"`
	// Initial makes the observer report every element already present as
	// an Added mutation in the first batch.
	Initial       bool `json:"initial,omitempty"`
	Subtree       bool `json:"subtree,omitempty"`
	Attributes    bool `json:"attributes,omitempty"`
	CharacterData bool `json:"character_data,omitempty"`
}

// Subscription is a live change feed on one container.
type Subscription interface {
	// Batches is closed when the observer ends the subscription, for
	// example because the page was reloaded. Close does not close it.
	Batches() <-chan Batch
	Close() error
}

// Observer creates change feeds on the host document.
type Observer interface {
	Observe(ctx context.Context, opts Options) (Subscription, error)
}
