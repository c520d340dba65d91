// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T) (*Server, *testClient) {
	t.Helper()
	server := NewServer(zerolog.Nop())
	server.Handle("register", func(ctx context.Context, conn *Conn, req *Request) (any, error) {
		server.SetActive(conn)
		return map[string]bool{"ok": true}, nil
	})
	server.Handle("echo", func(ctx context.Context, conn *Conn, req *Request) (any, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return args.Text, nil
	})
	server.Handle("fail", func(ctx context.Context, conn *Conn, req *Request) (any, error) {
		return nil, errors.New("it broke")
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-served)
	})
	return server, dial(t, ln.Addr().String())
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (tc *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := tc.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (tc *testClient) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := tc.reader.ReadBytes('\n')
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func TestServer_Response(t *testing.T) {
	_, client := startServer(t)
	client.send(t, `{"id":1,"command":"echo","text":"hello"}`)
	assert.Equal(t, map[string]any{"id": 1.0, "command": "response", "response": "hello"}, client.read(t))

	client.send(t, `{"id":2,"command":"fail"}`)
	assert.Equal(t, map[string]any{"id": 2.0, "command": "error", "error": "it broke"}, client.read(t))

	client.send(t, `garbage`)
	client.send(t, `{"id":3,"command":"nope"}`)
	resp := client.read(t)
	assert.Equal(t, "error", resp["command"])
	assert.Equal(t, 3.0, resp["id"])
	assert.Contains(t, resp["error"], "unknown command")
}

func TestServer_Broadcast(t *testing.T) {
	server, client := startServer(t)
	assert.ErrorIs(t, server.Broadcast("message", true, nil), ErrNoClient)

	client.send(t, `{"id":1,"command":"register"}`)
	client.read(t)

	require.NoError(t, server.Broadcast("message", true, map[string]any{"message": map[string]int{"id": 5}}))
	require.NoError(t, server.Broadcast("receipt", false, map[string]any{"receipt": map[string]int{"id": 5}}))
	first := client.read(t)
	second := client.read(t)
	assert.Equal(t, map[string]any{
		"id":            -1.0,
		"command":       "message",
		"is_sequential": true,
		"message":       map[string]any{"id": 5.0},
	}, first)
	assert.Equal(t, -2.0, second["id"])
	assert.NotContains(t, second, "is_sequential")

	assert.Error(t, server.Broadcast("bad", false, []int{1}))
}

func TestServer_RegisterReplacesClient(t *testing.T) {
	server, first := startServer(t)
	first.send(t, `{"id":1,"command":"register"}`)
	first.read(t)

	second := dial(t, first.conn.RemoteAddr().String())
	second.send(t, `{"id":1,"command":"register"}`)
	second.read(t)

	// The old connection is closed by the server.
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := first.reader.ReadByte()
	assert.Error(t, err)

	require.NoError(t, server.Broadcast("message", false, nil))
	assert.Equal(t, "message", second.read(t)["command"])
}
