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
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

var testRoster = &Roster{
	Friends: []Participant{
		{ID: "u1", Name: "Alice", Avatar: "https://a/1"},
		{ID: "u2", Name: "Bob", Avatar: "https://a/2"},
		{ID: "u3", Name: "Bob", Avatar: "https://a/3"},
	},
	Participants: []Participant{
		{ID: "u4", Name: "Carol"},
		{ID: "u5", Name: "Dave", Avatar: "https://a/5"},
		{ID: "u6", Name: "Dave", Avatar: "https://a/5"},
	},
}

func TestResolveSender(t *testing.T) {
	log := zerolog.Nop()
	tests := []struct {
		name   string
		shown  *dom.Sender
		wantID string
	}{
		{"friend", &dom.Sender{Name: "Alice"}, "u1"},
		{"member", &dom.Sender{Name: "Carol"}, "u4"},
		{"narrowed by avatar", &dom.Sender{Name: "Bob", Avatar: "https://a/3"}, "u3"},
		{"narrowed by ID", &dom.Sender{Name: "Dave", Avatar: "https://a/5", ID: "u6"}, "u6"},
		{"tie takes first", &dom.Sender{Name: "Dave", Avatar: "https://a/5"}, "u5"},
		{"unknown avatar keeps candidates", &dom.Sender{Name: "Bob", Avatar: "https://a/9"}, "u2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveSender(log, testRoster, tt.shown)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestResolveSender_Unresolved(t *testing.T) {
	got := resolveSender(zerolog.Nop(), testRoster, &dom.Sender{ID: "u9", Name: "Eve", Avatar: "https://a/9"})
	assert.Equal(t, &Participant{ID: "u9", Name: "Eve", Avatar: "https://a/9"}, got)
	assert.Nil(t, resolveSender(zerolog.Nop(), testRoster, nil))
	assert.Equal(t, "Eve", resolveSender(zerolog.Nop(), nil, &dom.Sender{Name: "Eve"}).Name)
}

type fakeEvaluator struct {
	expr   string
	result string
	err    error
}

func (fe *fakeEvaluator) Evaluate(ctx context.Context, expr string, out any) error {
	fe.expr = expr
	if fe.err != nil {
		return fe.err
	}
	return json.Unmarshal([]byte(fe.result), out)
}

func TestPageDirectory(t *testing.T) {
	page := &fakeEvaluator{result: `{"friends":[{"id":"u1","name":"Alice"}],"participants":[{"id":"u2","name":"Bob"}]}`}
	dir := &PageDirectory{Page: page}
	roster, err := dir.Roster(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "window.__linepuppet__.roster()", page.expr)
	assert.Equal(t, []Participant{{ID: "u1", Name: "Alice"}}, roster.Friends)
	assert.Equal(t, []Participant{{ID: "u2", Name: "Bob"}}, roster.Participants)

	page.err = errors.New("not attached")
	_, err = dir.Roster(context.Background(), "c1")
	assert.ErrorIs(t, err, page.err)
}

func TestSession_GroupSenderResolution(t *testing.T) {
	fx := newTestSession(t, "c1234", func(params *SessionParams) {
		params.Directory = &PageDirectory{Page: &fakeEvaluator{
			result: `{"friends":[],"participants":[{"id":"u1","name":"Alice"},{"id":"u2","name":"Bob"},{"id":"u3","name":"Carol"}]}`,
		}}
	})
	fx.start(t, 0)
	node := textNode(4, "m")
	node.Sender = &dom.Sender{Name: "Bob"}
	fx.observer.push(t, added(node))
	fx.waitForMessages(t, 4)
	assert.Equal(t, &Participant{ID: "u2", Name: "Bob"}, fx.sink.message(4).Sender)

	fx.sync(t)
	require.NoError(t, fx.sess.call(context.Background(), func() error {
		assert.Equal(t, 2, fx.sess.receipts.maxTier)
		return nil
	}))
}
