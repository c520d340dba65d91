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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionID = "S"

// fakeBrowser answers DevTools calls the way Chromium does for a page with
// the observer script installed.
type fakeBrowser struct {
	t           *testing.T
	conns       chan *websocket.Conn
	disconnects chan string
}

func newFakeBrowser(t *testing.T) (*fakeBrowser, string) {
	fb := &fakeBrowser{t: t, conns: make(chan *websocket.Conn, 4), disconnects: make(chan string, 4)}
	srv := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(srv.Close)
	return fb, "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func (fb *fakeBrowser) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		fb.t.Errorf("accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	fb.conns <- conn
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err = json.Unmarshal(data, &req); err != nil {
			fb.t.Errorf("bad request: %v", err)
			return
		}
		fb.handle(ctx, conn, req.ID, req.Method, req.Params)
	}
}

func (fb *fakeBrowser) send(ctx context.Context, conn *websocket.Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fb.t.Errorf("marshal failed: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (fb *fakeBrowser) reply(ctx context.Context, conn *websocket.Conn, id int64, result any) {
	fb.send(ctx, conn, map[string]any{"id": id, "result": result})
}

func (fb *fakeBrowser) handle(ctx context.Context, conn *websocket.Conn, id int64, method string, rawParams json.RawMessage) {
	switch method {
	case "Target.getTargets":
		fb.reply(ctx, conn, id, map[string]any{"targetInfos": []map[string]any{
			{"targetId": "bg", "type": "service_worker", "url": "chrome-extension://ophjlpahpchlmihnnnihgmmeilfjmjjc/background.js"},
			{"targetId": "other", "type": "page", "url": "https://example.com/"},
			{"targetId": "line", "type": "page", "url": "chrome-extension://ophjlpahpchlmihnnnihgmmeilfjmjjc/index.html"},
		}})
	case "Target.attachToTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(rawParams, &params)
		if params.TargetID != "line" {
			fb.send(ctx, conn, map[string]any{"id": id, "error": map[string]any{"code": -32000, "message": "wrong target"}})
			return
		}
		fb.reply(ctx, conn, id, map[string]any{"sessionId": testSessionID})
	case "Runtime.evaluate":
		var params struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(rawParams, &params)
		fb.evaluate(ctx, conn, id, params.Expression)
	default:
		fb.reply(ctx, conn, id, map[string]any{})
	}
}

func (fb *fakeBrowser) evaluate(ctx context.Context, conn *websocket.Conn, id int64, expr string) {
	value := func(v any) map[string]any {
		return map[string]any{"result": map[string]any{"type": "object", "value": v}}
	}
	switch {
	case strings.Contains(expr, "#missing"):
		fb.reply(ctx, conn, id, value(false))
	case strings.HasPrefix(expr, "window.__linepuppet__.observe("):
		fb.reply(ctx, conn, id, value(true))
		payload, _ := json.Marshal(map[string]any{
			"sub": "s1",
			"batch": map[string]any{"seq": 1, "mutations": []map[string]any{
				{"type": "added", "node": map[string]any{"ref": "r7", "id": 7, "kind": "message", "html": "hi"}},
			}},
		})
		fb.send(ctx, conn, map[string]any{
			"method":    "Runtime.bindingCalled",
			"sessionId": testSessionID,
			"params":    map[string]any{"name": bindingName, "payload": string(payload)},
		})
	case strings.HasPrefix(expr, "window.__linepuppet__.readImage("):
		fb.reply(ctx, conn, id, value("aGVsbG8="))
	case strings.HasPrefix(expr, "window.__linepuppet__.disconnect("):
		fb.disconnects <- expr
		fb.reply(ctx, conn, id, map[string]any{"result": map[string]any{"type": "undefined"}})
	case strings.HasPrefix(expr, "throw"):
		fb.reply(ctx, conn, id, map[string]any{
			"result":           map[string]any{"type": "object"},
			"exceptionDetails": map[string]any{"text": "Uncaught", "exception": map[string]any{"description": "Error: boom"}},
		})
	default:
		fb.reply(ctx, conn, id, map[string]any{"result": map[string]any{"type": "undefined"}})
	}
}

func TestCDP_NotAttached(t *testing.T) {
	cdp := NewCDP(NewStaticUpstream(""), zerolog.Nop())
	ctx := context.Background()
	assert.ErrorIs(t, cdp.Evaluate(ctx, "1", nil), ErrNotAttached)
	_, err := cdp.Observe(ctx, Options{})
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestCDP_ObserveAndReload(t *testing.T) {
	fb, url := newFakeBrowser(t)
	cdp := NewCDP(NewStaticUpstream(url), zerolog.Nop())
	attached := make(chan struct{}, 4)
	cdp.OnAttached = func() {
		attached <- struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cdp.Run(ctx)
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("never attached")
	}
	var conn *websocket.Conn
	select {
	case conn = <-fb.conns:
	case <-time.After(time.Second):
		t.Fatal("no connection")
	}

	sub, err := cdp.Observe(ctx, Options{Selector: "#timeline", Initial: true})
	require.NoError(t, err)
	select {
	case batch := <-sub.Batches():
		assert.Equal(t, int64(1), batch.Seq)
		require.Len(t, batch.Mutations, 1)
		assert.Equal(t, Added, batch.Mutations[0].Type)
		assert.Equal(t, int64(7), batch.Mutations[0].Node.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
	}

	_, err = cdp.Observe(ctx, Options{Selector: "#missing"})
	assert.ErrorContains(t, err, "no element matches")

	data, err := cdp.ReadImage(ctx, "blob:chrome-extension://x/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	err = cdp.Evaluate(ctx, "throw new Error('boom')", nil)
	assert.ErrorContains(t, err, "Error: boom")

	fb.send(ctx, conn, map[string]any{"method": "Page.loadEventFired", "sessionId": testSessionID, "params": map[string]any{}})
	select {
	case _, ok := <-sub.Batches():
		assert.False(t, ok, "subscription should end on reload")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ended")
	}
	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not reported")
	}
	assert.NoError(t, sub.Close())
}

func TestCDP_IgnoresOtherSessions(t *testing.T) {
	fb, url := newFakeBrowser(t)
	cdp := NewCDP(NewStaticUpstream(url), zerolog.Nop())
	attached := make(chan struct{}, 4)
	cdp.OnAttached = func() {
		attached <- struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cdp.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("never attached")
	}
	conn := <-fb.conns

	sub, err := cdp.Observe(ctx, Options{Selector: "#timeline"})
	require.NoError(t, err)
	<-sub.Batches()

	fb.send(ctx, conn, map[string]any{"method": "Page.loadEventFired", "sessionId": "other", "params": map[string]any{}})
	// A round trip through the read loop guarantees the event was handled.
	_, err = cdp.ReadImage(ctx, "blob:x")
	require.NoError(t, err)
	select {
	case _, ok := <-sub.Batches():
		assert.True(t, ok, "subscription ended by another session's event")
	default:
	}
	require.NoError(t, sub.Close())
	select {
	case expr := <-fb.disconnects:
		assert.Equal(t, `window.__linepuppet__.disconnect("s1")`, expr)
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not disconnected in the page")
	}
}
