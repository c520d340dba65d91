// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"regexp"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/format"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// parseTask resolves one remote timeline element into a MessageRecord. It
// never blocks: each wait registers an element waiter on the session and the
// task continues from the waiter's callback on the loop.
type parseTask struct {
	sess    *Session
	pending *pendingParse
	node    *dom.Node
	rec     *MessageRecord
}

func (s *Session) newParse(p *pendingParse, node *dom.Node) *parseTask {
	return &parseTask{sess: s, pending: p, node: node}
}

func (t *parseTask) begin() {
	s := t.sess
	node := t.node
	t.rec = &MessageRecord{
		ID:         t.pending.id,
		ChatID:     s.chatID,
		IsOutgoing: node.Outgoing,
	}
	if node.Kind == dom.KindNotice {
		if node.Notice != nil {
			t.rec.MemberChange = &MemberChange{Kind: node.Notice.Kind, Text: node.Notice.Text}
		}
		t.resolve()
		return
	}
	t.rec.Timestamp = s.dates.Timestamp(node.DateText, node.TimeText)
	if s.chatType.MultiParty() && !node.Outgoing {
		t.rec.Sender = resolveSender(s.log, s.roster, node.Sender)
	}
	if node.Read != nil && node.Read.Visible && node.Outgoing {
		t.rec.ReceiptCount = ptr.Ptr(max(node.Read.Count, 1))
	}
	if node.Decrypting {
		s.log.Debug().Int64("message_id", int64(t.pending.id)).Msg("Waiting for message to decrypt")
		s.waitFor(node.Ref, s.cfg.DecryptTimeout, func(n *dom.Node) bool {
			return !n.Decrypting
		}, t.body, func(*dom.Node) {
			t.fail(ErrParseTimeout, "decrypt")
		})
		return
	}
	t.body(node)
}

func (t *parseTask) body(node *dom.Node) {
	s := t.sess
	if node.Image == nil {
		t.inline(node)
		return
	}
	if node.Image.Stable() {
		t.image(node)
		return
	}
	s.log.Debug().Int64("message_id", int64(t.pending.id)).Msg("Waiting for image to load")
	s.waitFor(node.Ref, s.cfg.ImageTimeout, func(n *dom.Node) bool {
		return n.Image != nil && n.Image.Stable()
	}, t.image, func(*dom.Node) {
		t.fail(ErrImageTimeout, "image")
	})
}

func (t *parseTask) image(node *dom.Node) {
	t.rec.Image = &MessageImage{
		URL:        node.Image.URL,
		IsSticker:  node.Image.IsSticker,
		IsAnimated: node.Image.IsAnimated,
	}
	t.resolve()
}

// inline waits briefly for images embedded in the text body (emoji) to load.
// On timeout the last seen state is used as is.
func (t *parseTask) inline(node *dom.Node) {
	if inlineImagesStable(node) {
		t.text(node)
		return
	}
	s := t.sess
	s.waitFor(node.Ref, s.cfg.InlineImageTimeout, inlineImagesStable, t.text, func(last *dom.Node) {
		if last == nil {
			last = node
		}
		s.log.Debug().Int64("message_id", int64(t.pending.id)).Msg("Inline images didn't load in time, continuing")
		t.text(last)
	})
}

func inlineImagesStable(node *dom.Node) bool {
	for _, img := range node.InlineImages {
		if !img.Stable() {
			return false
		}
	}
	return true
}

func (t *parseTask) text(node *dom.Node) {
	t.rec.HTML = node.HTML
	t.rec.Text = htmlToText(node.HTML)
	t.resolve()
}

var inlineImageTag = regexp.MustCompile(`<img\b[^>]*\balt="([^"]*)"[^>]*>`)

// htmlToText renders an HTML body as plain text. Inline images become their
// alt text wrapped in colons.
func htmlToText(html string) string {
	if html == "" {
		return ""
	}
	return format.HTMLToText(inlineImageTag.ReplaceAllString(html, ":$1:"))
}

func (t *parseTask) resolve() {
	t.sess.gate.resolve(t.pending, t.rec)
}

func (t *parseTask) fail(err error, reason string) {
	t.sess.metrics.parseFailed(reason)
	t.sess.log.Debug().Err(err).Int64("message_id", int64(t.pending.id)).Msg("Parse wait timed out")
	parseErr := &ParseError{Err: err}
	if t.rec.Timestamp != nil || t.rec.Sender != nil {
		partial := *t.rec
		parseErr.Partial = &partial
	}
	t.sess.gate.reject(t.pending, parseErr)
}
