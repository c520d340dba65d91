// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CommandResponse = "response"
	CommandError    = "error"
)

var ErrUnknownCommand = errors.New("unknown command")

// Request is one line sent by the bridge.
type Request struct {
	ID      int64  `json:"id"`
	Command string `json:"command"`
	// Raw is the whole request object, for handlers to decode their fields from.
	Raw json.RawMessage `json:"-"`
}

// Decode unmarshals the request's fields into into.
func (r *Request) Decode(into any) error {
	if err := json.Unmarshal(r.Raw, into); err != nil {
		return fmt.Errorf("invalid %s request: %w", r.Command, err)
	}
	return nil
}

type envelope struct {
	ID           int64  `json:"id"`
	Command      string `json:"command"`
	IsSequential bool   `json:"is_sequential,omitempty"`
}

type response struct {
	envelope
	Response any `json:"response"`
}

type errorResponse struct {
	envelope
	Error string `json:"error"`
}
