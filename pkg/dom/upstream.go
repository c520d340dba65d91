// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dom

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Upstream tracks the DevTools websocket URL of the browser. The URL is
// either fixed or read from the DevToolsActivePort file Chromium rewrites
// every time it starts.
type Upstream struct {
	portFile string
	log      zerolog.Logger

	currentURL atomic.Value // string

	subsMu sync.RWMutex
	subs   map[chan string]struct{}
}

// NewStaticUpstream returns an Upstream that always points at url.
func NewStaticUpstream(url string) *Upstream {
	u := &Upstream{log: zerolog.Nop()}
	u.currentURL.Store(url)
	return u
}

func NewUpstream(portFile string, log zerolog.Logger) *Upstream {
	u := &Upstream{
		portFile: portFile,
		log:      log.With().Str("component", "devtools_upstream").Logger(),
	}
	u.currentURL.Store("")
	return u
}

// Current returns the current websocket URL, or an empty string if the
// browser hasn't been found yet.
func (u *Upstream) Current() string {
	val, _ := u.currentURL.Load().(string)
	return val
}

func (u *Upstream) setCurrent(url string) {
	if url == "" || url == u.Current() {
		return
	}
	u.log.Info().Str("url", url).Msg("DevTools upstream updated")
	u.currentURL.Store(url)
	u.subsMu.RLock()
	defer u.subsMu.RUnlock()
	for ch := range u.subs {
		// Latest wins: replace a stale buffered value rather than block.
		select {
		case ch <- url:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- url:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives every new upstream URL.
func (u *Upstream) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	u.subsMu.Lock()
	if u.subs == nil {
		u.subs = make(map[chan string]struct{})
	}
	u.subs[ch] = struct{}{}
	u.subsMu.Unlock()
	return ch, func() {
		u.subsMu.Lock()
		if _, ok := u.subs[ch]; ok {
			delete(u.subs, ch)
			close(ch)
		}
		u.subsMu.Unlock()
	}
}

// ParseActivePort parses the contents of a DevToolsActivePort file: the
// port on the first line and the browser target path on the second.
func ParseActivePort(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, scanner.Text())
	}
	if len(lines) < 2 {
		return "", fmt.Errorf("expected port and path, got %d lines", len(lines))
	}
	port, err := strconv.Atoi(lines[0])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", lines[0])
	}
	return fmt.Sprintf("ws://127.0.0.1:%d%s", port, lines[1]), nil
}

func (u *Upstream) readPortFile() {
	data, err := os.ReadFile(u.portFile)
	if err != nil {
		if !os.IsNotExist(err) {
			u.log.Warn().Err(err).Msg("Failed to read DevToolsActivePort")
		}
		return
	}
	url, err := ParseActivePort(data)
	if err != nil {
		// Chromium may still be writing the file.
		u.log.Debug().Err(err).Msg("Incomplete DevToolsActivePort")
		return
	}
	u.setCurrent(url)
}

// Run watches the port file until ctx is done. It returns immediately for
// a static upstream.
func (u *Upstream) Run(ctx context.Context) error {
	if u.portFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(u.portFile)
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	u.readPortFile()
	name := filepath.Clean(u.portFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) == name && evt.Has(fsnotify.Write|fsnotify.Create) {
				u.readPortFile()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			u.log.Warn().Err(err).Msg("File watcher error")
		}
	}
}
