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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivePort(t *testing.T) {
	url, err := ParseActivePort([]byte("9222\n/devtools/browser/0d3c-11\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/0d3c-11", url)

	_, err = ParseActivePort([]byte("9222\n"))
	assert.Error(t, err)
	_, err = ParseActivePort([]byte("port\n/devtools/browser/x\n"))
	assert.Error(t, err)
	_, err = ParseActivePort(nil)
	assert.Error(t, err)
}

func TestUpstream_Static(t *testing.T) {
	u := NewStaticUpstream("ws://127.0.0.1:9222/devtools/browser/x")
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", u.Current())
	assert.NoError(t, u.Run(context.Background()))
}

func TestUpstream_LatestWins(t *testing.T) {
	u := NewUpstream("", zerolog.Nop())
	updates, unsubscribe := u.Subscribe()
	u.setCurrent("ws://a")
	u.setCurrent("ws://b")
	u.setCurrent("ws://b")
	assert.Equal(t, "ws://b", <-updates)
	select {
	case url := <-updates:
		t.Fatalf("unexpected extra update %q", url)
	default:
	}
	unsubscribe()
	_, ok := <-updates
	assert.False(t, ok)
}

func TestUpstream_WatchesPortFile(t *testing.T) {
	dir := t.TempDir()
	portFile := filepath.Join(dir, "DevToolsActivePort")
	require.NoError(t, os.WriteFile(portFile, []byte("9222\n/devtools/browser/first\n"), 0600))

	u := NewUpstream(portFile, zerolog.Nop())
	updates, unsubscribe := u.Subscribe()
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.Run(ctx)
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	select {
	case url := <-updates:
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/first", url)
	case <-time.After(2 * time.Second):
		t.Fatal("port file was not read")
	}

	require.NoError(t, os.WriteFile(portFile, []byte("9333\n/devtools/browser/second\n"), 0600))
	require.Eventually(t, func() bool {
		return u.Current() == "ws://127.0.0.1:9333/devtools/browser/second"
	}, 2*time.Second, 10*time.Millisecond)
}
