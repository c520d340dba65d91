// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dom

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

//go:embed observer.js
var observerScript string

const (
	bindingName = "__linepuppetMutations__"
	// subscriptionBuffer is how many batches a subscription holds before the
	// CDP read loop blocks on it.
	subscriptionBuffer = 256
	reconnectDelay     = 2 * time.Second
	closeTimeout       = 5 * time.Second
	// Chromium writes DevToolsActivePort slightly before it accepts
	// connections on the port.
	dialAttempts = 3
	dialDelay    = 250 * time.Millisecond
)

var ErrNotAttached = errors.New("not attached to the LINE page")

// CDPError is an error response to a DevTools protocol call.
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CDPError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CDPError       `json:"error,omitempty"`
}

// bindingPayload is what the injected script passes to the binding.
type bindingPayload struct {
	Sub   string `json:"sub"`
	Batch Batch  `json:"batch"`
}

// CDP drives the LINE extension page through the Chrome DevTools Protocol.
// It injects a MutationObserver script and turns its callbacks into Batches.
type CDP struct {
	upstream *Upstream
	log      zerolog.Logger
	// OnAttached is called after every successful attach to the page, in
	// its own goroutine. Subscriptions from earlier attachments are ended
	// by then.
	OnAttached func()

	msgID  atomic.Int64
	subSeq atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	pending   map[int64]chan *cdpMessage
	subs      map[string]*cdpSubscription
}

var _ Observer = (*CDP)(nil)

func NewCDP(upstream *Upstream, log zerolog.Logger) *CDP {
	return &CDP{
		upstream: upstream,
		log:      log.With().Str("component", "cdp").Logger(),
		pending:  make(map[int64]chan *cdpMessage),
		subs:     make(map[string]*cdpSubscription),
	}
}

// Run keeps a DevTools connection open until ctx is done, reconnecting
// whenever it drops or the upstream URL changes.
func (c *CDP) Run(ctx context.Context) error {
	updates, unsubscribe := c.upstream.Subscribe()
	defer unsubscribe()
	for {
		// The URL is read below, so a pending update is already accounted for.
		select {
		case <-updates:
		default:
		}
		if url := c.upstream.Current(); url != "" {
			connCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-updates:
					c.log.Info().Msg("DevTools upstream changed, reconnecting")
					cancel()
				case <-connCtx.Done():
				}
			}()
			err := c.connect(connCtx, url)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Err(err).Msg("DevTools connection failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *CDP) connect(ctx context.Context, url string) error {
	c.log.Info().Str("url", url).Msg("Connecting to DevTools")
	var conn *websocket.Conn
	err := retry.New(
		retry.Attempts(dialAttempts),
		retry.Delay(dialDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() (err error) {
		conn, _, err = websocket.Dial(ctx, url, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	conn.SetReadLimit(-1)
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.detach()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()
	if err = c.attach(ctx); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "attach failed")
		<-readErr
		return err
	}
	if c.OnAttached != nil {
		go c.OnAttached()
	}
	return <-readErr
}

// detach fails pending calls and ends every subscription.
func (c *CDP) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.sessionID = ""
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.endSubscriptionsLocked()
}

func (c *CDP) endSubscriptionsLocked() {
	for name, sub := range c.subs {
		sub.end()
		delete(c.subs, name)
	}
}

func (c *CDP) attach(ctx context.Context) error {
	var targets struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
		} `json:"targetInfos"`
	}
	if err := c.call(ctx, "", "Target.getTargets", nil, &targets); err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	var targetID string
	for _, ti := range targets.TargetInfos {
		if ti.Type != "page" {
			continue
		}
		if strings.HasPrefix(ti.URL, "chrome-extension://") {
			targetID = ti.TargetID
			break
		} else if targetID == "" {
			targetID = ti.TargetID
		}
	}
	if targetID == "" {
		return errors.New("no page target found")
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return fmt.Errorf("failed to attach to target: %w", err)
	}
	c.mu.Lock()
	c.sessionID = attached.SessionID
	c.mu.Unlock()
	c.log.Info().Str("target_id", targetID).Str("session_id", attached.SessionID).Msg("Attached to page")

	steps := []struct {
		method string
		params any
	}{
		{"Runtime.addBinding", map[string]any{"name": bindingName}},
		{"Runtime.enable", nil},
		{"Page.enable", nil},
		{"Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": observerScript}},
		{"Runtime.evaluate", map[string]any{"expression": observerScript}},
	}
	for _, step := range steps {
		if err = c.call(ctx, attached.SessionID, step.method, step.params, nil); err != nil {
			return fmt.Errorf("%s failed: %w", step.method, err)
		}
	}
	return nil
}

func (c *CDP) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg cdpMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse DevTools message")
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}
		c.handleEvent(ctx, &msg)
	}
}

func (c *CDP) handleEvent(ctx context.Context, msg *cdpMessage) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if msg.SessionID != sessionID {
		return
	}
	switch msg.Method {
	case "Runtime.bindingCalled":
		var params struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name != bindingName {
			return
		}
		var payload bindingPayload
		if err := json.Unmarshal([]byte(params.Payload), &payload); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse mutation payload")
			return
		}
		c.mu.Lock()
		sub, ok := c.subs[payload.Sub]
		c.mu.Unlock()
		if ok {
			sub.push(ctx, payload.Batch)
		}
	case "Page.loadEventFired":
		// The page was reloaded, so every observer in it is gone.
		c.log.Info().Msg("Page reloaded, ending subscriptions")
		c.mu.Lock()
		c.endSubscriptionsLocked()
		c.mu.Unlock()
		if c.OnAttached != nil {
			go c.OnAttached()
		}
	}
}

// call sends a protocol command and waits for its response. An empty
// sessionID addresses the browser target.
func (c *CDP) call(ctx context.Context, sessionID, method string, params, result any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotAttached
	}
	id := c.msgID.Add(1)
	respCh := make(chan *cdpMessage, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	req := map[string]any{"id": id, "method": method}
	if sessionID != "" {
		req["sessionId"] = sessionID
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err = conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	select {
	case resp, ok := <-respCh:
		if !ok {
			return ErrNotAttached
		} else if resp.Error != nil {
			return resp.Error
		} else if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Evaluate runs expression in the page, awaiting it if it returns a promise,
// and decodes the result into out.
func (c *CDP) Evaluate(ctx context.Context, expression string, out any) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotAttached
	}
	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := c.call(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return err
	}
	if exc := res.ExceptionDetails; exc != nil {
		if exc.Exception != nil && exc.Exception.Description != "" {
			return fmt.Errorf("script threw: %s", exc.Exception.Description)
		}
		return fmt.Errorf("script threw: %s", exc.Text)
	}
	if out != nil && len(res.Result.Value) > 0 {
		return json.Unmarshal(res.Result.Value, out)
	}
	return nil
}

// ReadImage downloads url inside the page, which has the cookies and blob
// store the URL belongs to.
func (c *CDP) ReadImage(ctx context.Context, url string) ([]byte, error) {
	arg, err := json.Marshal(url)
	if err != nil {
		return nil, err
	}
	var encoded string
	if err = c.Evaluate(ctx, fmt.Sprintf("window.__linepuppet__.readImage(%s)", arg), &encoded); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Observe starts a MutationObserver on the container matching opts.Selector.
func (c *CDP) Observe(ctx context.Context, opts Options) (Subscription, error) {
	name := "s" + strconv.FormatInt(c.subSeq.Add(1), 10)
	sub := &cdpSubscription{
		cdp:  c,
		name: name,
		ch:   make(chan Batch, subscriptionBuffer),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNotAttached
	}
	// Registered before the script runs, so the initial batch isn't lost.
	c.subs[name] = sub
	c.mu.Unlock()

	args, err := json.Marshal([]any{name, opts})
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf("window.__linepuppet__.observe(...%s)", args)
	var found bool
	if err = c.Evaluate(ctx, expr, &found); err != nil || !found {
		c.mu.Lock()
		delete(c.subs, name)
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("no element matches %q", opts.Selector)
		}
		return nil, fmt.Errorf("failed to start observer: %w", err)
	}
	c.log.Debug().Str("subscription", name).Str("selector", opts.Selector).Msg("Started observer")
	return sub, nil
}

type cdpSubscription struct {
	cdp  *CDP
	name string
	ch   chan Batch
	// done is closed by Close.
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (s *cdpSubscription) Batches() <-chan Batch {
	return s.ch
}

// push is only called from the read loop, which is the only sender on ch.
func (s *cdpSubscription) push(ctx context.Context, batch Batch) {
	select {
	case s.ch <- batch:
	case <-s.done:
	case <-ctx.Done():
	}
}

// end closes the batch channel. It must only be called from the read loop
// goroutine or after the read loop has exited.
func (s *cdpSubscription) end() {
	s.endOnce.Do(func() {
		close(s.ch)
	})
}

// Close stops delivery immediately. The observer in the page is disconnected
// in the background, since callers may hold up the read loop until Close
// returns.
func (s *cdpSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cdp.mu.Lock()
		_, active := s.cdp.subs[s.name]
		delete(s.cdp.subs, s.name)
		s.cdp.mu.Unlock()
		if !active {
			return
		}
		go s.disconnect()
	})
	return nil
}

func (s *cdpSubscription) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	arg, err := json.Marshal(s.name)
	if err != nil {
		s.cdp.log.Debug().Err(err).Str("subscription", s.name).Msg("Failed to encode subscription name")
		return
	}
	err = s.cdp.Evaluate(ctx, fmt.Sprintf("window.__linepuppet__.disconnect(%s)", arg), nil)
	if err != nil && !errors.Is(err, ErrNotAttached) {
		s.cdp.log.Debug().Err(err).Str("subscription", s.name).Msg("Failed to disconnect observer")
	}
}
