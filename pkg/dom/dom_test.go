// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImage_Stable(t *testing.T) {
	assert.True(t, Image{URL: "blob:chrome-extension://abc/1"}.Stable())
	assert.True(t, Image{URL: "data:image/png;base64,AAAA"}.Stable())
	assert.True(t, Image{URL: "https://stickershop.line-scdn.net/1.png", Loaded: true}.Stable())
	assert.False(t, Image{URL: "https://stickershop.line-scdn.net/1.png"}.Stable())
	assert.False(t, Image{URL: ""}.Stable())
	assert.False(t, Image{URL: "chrome-extension://abc/img/loading.gif", Loaded: true}.Stable())
}

func TestNode_Classification(t *testing.T) {
	assert.True(t, (&Node{Kind: KindMessage}).MessageBearing())
	assert.True(t, (&Node{Kind: KindNotice}).MessageBearing())
	assert.False(t, (&Node{Kind: KindNone}).MessageBearing())

	node := &Node{Indicators: []string{"mdRGT07Sending"}}
	assert.True(t, node.HasIndicator("mdRGT07Sending"))
	assert.False(t, node.HasIndicator("mdRGT07Sent"))
	assert.False(t, node.HasIndicator(""))
}

func TestBatch_DecodesObserverPayload(t *testing.T) {
	payload := `{"seq":3,"mutations":[{"type":"added","node":{"ref":"r1","id":42,"kind":"message",` +
		`"outgoing":true,"date":"Today","time":"10:00","html":"hi","decrypting":false,` +
		`"inline_images":[{"url":"blob:x","loaded":true,"alt":"smile"}],` +
		`"read":{"visible":true,"count":2},"indicators":["mdRGT07Read"]}}]}`
	var batch Batch
	require.NoError(t, json.Unmarshal([]byte(payload), &batch))
	require.Len(t, batch.Mutations, 1)
	mut := batch.Mutations[0]
	assert.Equal(t, Added, mut.Type)
	assert.Equal(t, int64(42), mut.Node.ID)
	assert.Equal(t, KindMessage, mut.Node.Kind)
	assert.Equal(t, "Today", mut.Node.DateText)
	assert.Equal(t, &ReadIndicator{Visible: true, Count: 2}, mut.Node.Read)
	assert.Equal(t, "smile", mut.Node.InlineImages[0].Alt)
	assert.True(t, mut.Node.HasIndicator("mdRGT07Read"))
}
