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
	"time"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// OwnSend is the pending result of an armed own send. It resolves with the
// ID the UI assigned to the sent message, or fails with *OwnSendFailure,
// ErrOwnSendTimeout, ErrOwnSendReplaced or ErrNotObserving.
type OwnSend struct {
	done chan struct{}
	id   MessageID
	err  error
}

func newOwnSend() *OwnSend {
	return &OwnSend{done: make(chan struct{})}
}

func (o *OwnSend) settle(id MessageID, err error) {
	o.id, o.err = id, err
	close(o.done)
}

// Done is closed once the send has settled.
func (o *OwnSend) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the send settles or ctx is done.
func (o *OwnSend) Wait(ctx context.Context) (MessageID, error) {
	select {
	case <-o.done:
		return o.id, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// armedSend is the single outgoing send contract the correlator can hold.
type armedSend struct {
	future  *OwnSend
	success string
	failure string
	timer   *time.Timer
	// ref is the element matched to the send, once there is one.
	ref string
}

// ownSendCorrelator matches the local echo of a send to the contract armed
// for it. It lives on the session loop.
type ownSendCorrelator struct {
	sess *Session
	// current is nil when idle. It has no ref while armed and a ref while
	// watching the matched element.
	current *armedSend
}

func (c *ownSendCorrelator) arm(future *OwnSend, timeout time.Duration, success, failure string) {
	if prev := c.current; prev != nil {
		c.sess.log.Warn().Msg("Arming own send while another is pending, replacing it")
		c.settle(prev, 0, ErrOwnSendReplaced)
	}
	send := &armedSend{future: future, success: success, failure: failure}
	send.timer = time.AfterFunc(timeout, func() {
		c.sess.post(func() {
			if c.current != send {
				return
			}
			c.sess.log.Warn().
				Dur("timeout", timeout).
				Str("matched_ref", send.ref).
				Msg("Timed out waiting for own send to settle")
			c.settle(send, 0, ErrOwnSendTimeout)
		})
	})
	c.current = send
}

// offer hands a new outgoing element to the correlator. It returns true if
// the element was claimed as the local echo of the armed send.
func (c *ownSendCorrelator) offer(node *dom.Node) bool {
	send := c.current
	if send == nil || send.ref != "" || !node.Outgoing {
		return false
	}
	// A re-render of a message that is already being parsed, for example
	// one sent from another device, is not the local echo.
	if node.ID != 0 && c.sess.gate.index.locate(MessageID(node.ID)) >= 0 {
		return false
	}
	send.ref = node.Ref
	c.sess.log.Debug().Str("ref", node.Ref).Int64("message_id", node.ID).Msg("Matched element to own send")
	if !c.check(send, node) {
		c.sess.waitFor(node.Ref, 0, func(n *dom.Node) bool {
			return c.indicatorVisible(send, n)
		}, func(n *dom.Node) {
			c.check(send, n)
		}, nil)
	}
	return true
}

func (c *ownSendCorrelator) indicatorVisible(send *armedSend, node *dom.Node) bool {
	return node.HasIndicator(send.failure) || (node.HasIndicator(send.success) && node.ID != 0)
}

// check settles the send if one of its indicators is visible on node.
func (c *ownSendCorrelator) check(send *armedSend, node *dom.Node) bool {
	if c.current != send {
		return true
	}
	switch {
	case node.HasIndicator(send.failure):
		c.settle(send, 0, &OwnSendFailure{Indicator: send.failure})
	case node.HasIndicator(send.success) && node.ID != 0:
		c.settle(send, MessageID(node.ID), nil)
	default:
		return false
	}
	return true
}

// settle clears the timer and element wait of the send before completing it.
func (c *ownSendCorrelator) settle(send *armedSend, id MessageID, err error) {
	if c.current == send {
		c.current = nil
	}
	send.timer.Stop()
	if send.ref != "" {
		c.sess.cancelWait(send.ref)
	}
	outcome := "success"
	switch {
	case err == nil:
		c.sess.ownIDs[id] = struct{}{}
		c.sess.log.Debug().Int64("message_id", int64(id)).Msg("Own send settled")
	case errors.Is(err, ErrOwnSendTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrOwnSendReplaced):
		outcome = "replaced"
	case errors.Is(err, ErrNotObserving):
		outcome = "stopped"
	default:
		outcome = "failure"
		c.sess.log.Warn().Err(err).Msg("Own send failed")
	}
	c.sess.metrics.ownSendSettled(outcome)
	send.future.settle(id, err)
}
