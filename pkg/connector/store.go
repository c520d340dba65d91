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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// Store persists the delivery watermarks of every chat, so that messages and
// receipts that were already bridged are not bridged again after a restart.
type Store struct {
	db *dbutil.Database
}

var _ WatermarkStore = (*Store)(nil)

// OpenStore opens the SQLite database at uri and creates the schema.
func OpenStore(ctx context.Context, uri string) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only allows one writer.
	db.RawDB.SetMaxOpenConns(1)
	s := NewStore(db)
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message_watermark (
			chat_id TEXT NOT NULL PRIMARY KEY,
			max_mid BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipt_watermark (
			chat_id TEXT NOT NULL,
			num_read INTEGER NOT NULL,
			mid BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (chat_id, num_read)
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create watermark schema: %w", err)
		}
	}
	return nil
}

// SaveMessageWatermark raises the message watermark of a chat. A lower ID
// than the stored one is ignored.
func (s *Store) SaveMessageWatermark(ctx context.Context, chatID ChatID, id MessageID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_watermark (chat_id, max_mid, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO UPDATE SET
			max_mid=MAX(message_watermark.max_mid, excluded.max_mid),
			updated_ts=excluded.updated_ts
	`, chatID, id, time.Now().UnixMilli())
	return err
}

// MessageWatermark returns the stored message watermark of a chat, or 0.
func (s *Store) MessageWatermark(ctx context.Context, chatID ChatID) (MessageID, error) {
	var id MessageID
	err := s.db.QueryRow(ctx,
		`SELECT max_mid FROM message_watermark WHERE chat_id=$1`,
		chatID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// MessageWatermarks returns the stored message watermark of every chat.
func (s *Store) MessageWatermarks(ctx context.Context) (map[ChatID]MessageID, error) {
	rows, err := s.db.Query(ctx, `SELECT chat_id, max_mid FROM message_watermark`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[ChatID]MessageID)
	for rows.Next() {
		var chatID ChatID
		var id MessageID
		if err = rows.Scan(&chatID, &id); err != nil {
			return nil, err
		}
		out[chatID] = id
	}
	return out, rows.Err()
}

// SaveReceiptWatermark records that message id was read by count members.
// Every tier up to count is raised, since a message read by n members has
// also been read by fewer.
func (s *Store) SaveReceiptWatermark(ctx context.Context, chatID ChatID, count int, id MessageID) error {
	if count < 1 {
		return nil
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := time.Now().UnixMilli()
		for tier := 1; tier <= count; tier++ {
			_, err := s.db.Exec(ctx, `
				INSERT INTO receipt_watermark (chat_id, num_read, mid, updated_ts)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (chat_id, num_read) DO UPDATE SET
					mid=MAX(receipt_watermark.mid, excluded.mid),
					updated_ts=excluded.updated_ts
			`, chatID, tier, id, nowMS)
			if err != nil {
				return fmt.Errorf("failed to raise receipt tier %d: %w", tier, err)
			}
		}
		return nil
	})
}

// ReceiptWatermarks returns the stored per-tier receipt watermarks of a chat.
func (s *Store) ReceiptWatermarks(ctx context.Context, chatID ChatID) (TierWatermarks, error) {
	rows, err := s.db.Query(ctx,
		`SELECT num_read, mid FROM receipt_watermark WHERE chat_id=$1`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tiers := make(TierWatermarks)
	for rows.Next() {
		var tier int
		var id MessageID
		if err = rows.Scan(&tier, &id); err != nil {
			return nil, err
		}
		tiers[tier] = id
	}
	return tiers, rows.Err()
}
