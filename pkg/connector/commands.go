// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/lrhodin/linepuppet/pkg/rpc"
)

// ImageReader fetches an image from inside the LINE page, where the URLs
// are authenticated.
type ImageReader interface {
	ReadImage(ctx context.Context, url string) ([]byte, error)
}

// Commands serves the rpc requests of the bridge.
type Commands struct {
	Server  *rpc.Server
	Manager *Manager
	Images  ImageReader
}

// Register adds every command to the server.
func (c *Commands) Register() {
	c.Server.Handle("register", c.register)
	c.Server.Handle("ping", c.ping)
	c.Server.Handle("pause", c.pause)
	c.Server.Handle("resume", c.resume)
	c.Server.Handle("switch_chat", c.switchChat)
	c.Server.Handle("set_last_message_ids", c.setLastMessageIDs)
	c.Server.Handle("get_receipts", c.getReceipts)
	c.Server.Handle("read_image", c.readImage)
	c.Server.Handle("wait_own_send", c.waitOwnSend)
}

func (c *Commands) register(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	c.Server.SetActive(conn)
	zerolog.Ctx(ctx).Info().Msg("Bridge registered")
	return map[string]any{"ok": true}, nil
}

func (c *Commands) ping(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	resp := map[string]any{"ok": true}
	if sess := c.Manager.Active(); sess != nil {
		resp["chat_id"] = sess.ChatID()
	}
	return resp, nil
}

func (c *Commands) pause(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	return nil, c.Manager.Pause(ctx)
}

func (c *Commands) resume(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	return nil, c.Manager.Resume(ctx)
}

type switchChatRequest struct {
	ChatID string `json:"chat_id"`
}

func (c *Commands) switchChat(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	var args switchChatRequest
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	chatID, _, err := ParseChatID(args.ChatID)
	if err != nil {
		return nil, err
	}
	sess, err := c.Manager.SwitchChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": sess.ChatID(), "chat_type": sess.ChatType().String()}, nil
}

type lastMessageIDsRequest struct {
	MessageIDs map[string]MessageID `json:"msg_ids"`
}

func (c *Commands) setLastMessageIDs(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	var args lastMessageIDsRequest
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	ids := make(map[ChatID]MessageID, len(args.MessageIDs))
	for raw, id := range args.MessageIDs {
		chatID, _, err := ParseChatID(raw)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Skipping last message ID of malformed chat")
			continue
		}
		ids[chatID] = id
	}
	c.Manager.SetLastMessageIDs(ids)
	return nil, nil
}

type getReceiptsRequest struct {
	ChatID string `json:"chat_id"`
}

func (c *Commands) getReceipts(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	var args getReceiptsRequest
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	chatID, _, err := ParseChatID(args.ChatID)
	if err != nil {
		return nil, err
	}
	tiers, err := c.Manager.ReceiptWatermarks(ctx, chatID)
	if err != nil {
		return nil, err
	}
	// JSON object keys are strings.
	resp := make(map[string]MessageID, len(tiers))
	for count, id := range tiers {
		resp[strconv.Itoa(count)] = id
	}
	return resp, nil
}

type readImageRequest struct {
	URL string `json:"url"`
}

type readImageResponse struct {
	MimeType string `json:"mime"`
	Data     []byte `json:"data"`
}

func (c *Commands) readImage(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	var args readImageRequest
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, errors.New("missing image URL")
	}
	data, err := c.Images.ReadImage(ctx, args.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &readImageResponse{MimeType: mimetype.Detect(data).String(), Data: data}, nil
}

type waitOwnSendRequest struct {
	TimeoutMS int64  `json:"timeout_ms"`
	Success   string `json:"success"`
	Failure   string `json:"failure"`
}

// waitOwnSend arms the correlator before the bridge sends a message and
// answers with the ID the message got.
func (c *Commands) waitOwnSend(ctx context.Context, conn *rpc.Conn, req *rpc.Request) (any, error) {
	var args waitOwnSendRequest
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Success == "" || args.Failure == "" {
		return nil, errors.New("missing success or failure indicator")
	}
	send, err := c.Manager.ArmOwnSend(time.Duration(args.TimeoutMS)*time.Millisecond, args.Success, args.Failure)
	if err != nil {
		return nil, err
	}
	id, err := send.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}
