// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package rpc implements the line-delimited JSON protocol the bridge speaks
// with this process. Requests carry a positive ID and are answered with a
// response or error line carrying the same ID. Events pushed to the bridge
// carry negative, strictly decreasing IDs.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrNoClient is returned by Broadcast when no bridge has registered.
var ErrNoClient = errors.New("no registered client")

// maxLineSize bounds a single request line.
const maxLineSize = 64 * 1024 * 1024

// Handler serves one command. The returned value is sent as the response.
type Handler func(ctx context.Context, conn *Conn, req *Request) (any, error)

type Server struct {
	log      zerolog.Logger
	handlers map[string]Handler

	broadcastID atomic.Int64

	activeLock sync.RWMutex
	active     *Conn
}

func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:      log.With().Str("component", "rpc").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for command. It must not be called after Serve.
func (s *Server) Handle(command string, h Handler) {
	s.handlers[command] = h
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		conn := s.newConn(nc)
		go conn.serve(ctx)
	}
}

// SetActive makes conn the receiver of broadcasts.
func (s *Server) SetActive(conn *Conn) {
	s.activeLock.Lock()
	prev := s.active
	s.active = conn
	s.activeLock.Unlock()
	if prev != nil && prev != conn {
		s.log.Info().Str("remote", prev.remote).Msg("Client replaced by new registration, closing old connection")
		_ = prev.Close()
	}
}

func (s *Server) clearActive(conn *Conn) {
	s.activeLock.Lock()
	if s.active == conn {
		s.active = nil
	}
	s.activeLock.Unlock()
}

// Broadcast pushes an event to the registered client. Fields of payload are
// sent at the top level of the event object. Sequential events are handled
// by the client in the order they were sent.
func (s *Server) Broadcast(command string, sequential bool, payload any) error {
	s.activeLock.RLock()
	conn := s.active
	s.activeLock.RUnlock()
	if conn == nil {
		return ErrNoClient
	}
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event: %w", command, err)
		}
		if err = json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("%s event payload is not an object: %w", command, err)
		}
	}
	if sequential {
		fields["is_sequential"] = json.RawMessage("true")
	}
	fields["command"], _ = json.Marshal(command)
	// IDs are assigned under the write lock so they reach the client in
	// decreasing order. The client drops events that arrive out of order.
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	fields["id"], _ = json.Marshal(s.broadcastID.Add(-1))
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = conn.nc.Write(append(data, '\n'))
	return err
}

// Conn is one client connection.
type Conn struct {
	server *Server
	nc     net.Conn
	remote string
	log    zerolog.Logger

	writeLock sync.Mutex
	closeOnce sync.Once
}

func (s *Server) newConn(nc net.Conn) *Conn {
	remote := nc.RemoteAddr().String()
	return &Conn{
		server: s,
		nc:     nc,
		remote: remote,
		log:    s.log.With().Str("remote", remote).Logger(),
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) serve(ctx context.Context) {
	c.log.Debug().Msg("Client connected")
	defer func() {
		c.server.clearActive(c)
		_ = c.Close()
		c.log.Debug().Msg("Client disconnected")
	}()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	reader := bufio.NewReaderSize(c.nc, 64*1024)
	for {
		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn().Err(err).Msg("Failed to read from client")
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		var req Request
		if err = json.Unmarshal(line, &req); err != nil {
			c.log.Debug().Err(err).Msg("Got non-JSON line from client")
			continue
		}
		req.Raw = line
		go c.handle(ctx, &req)
	}
}

func readLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *Conn) handle(ctx context.Context, req *Request) {
	log := c.log.With().Int64("req_id", req.ID).Str("command", req.Command).Logger()
	handler, ok := c.server.handlers[req.Command]
	var resp any
	var err error
	if !ok {
		err = fmt.Errorf("%w %q", ErrUnknownCommand, req.Command)
	} else {
		log.Trace().Msg("Handling request")
		resp, err = handler(log.WithContext(ctx), c, req)
	}
	env := envelope{ID: req.ID, Command: CommandResponse}
	var out any = response{envelope: env, Response: resp}
	if err != nil {
		log.Warn().Err(err).Msg("Request failed")
		env.Command = CommandError
		out = errorResponse{envelope: env, Error: err.Error()}
	}
	if err = c.writeJSON(out); err != nil {
		log.Warn().Err(err).Msg("Failed to send response")
	}
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_, err = c.nc.Write(data)
	return err
}
