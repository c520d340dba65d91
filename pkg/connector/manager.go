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
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// ManagerParams configures a Manager. Observer and Sink are required.
type ManagerParams struct {
	Observer  dom.Observer
	Sink      Sink
	Directory Directory
	Store     *Store
	Sync      SyncConfig
	Selector  string
	Dates     *DateParser
	Metrics   *Metrics
	Log       zerolog.Logger
}

// Manager owns the session of the chat currently open in the LINE page.
// Only one chat view exists at a time, so switching chats replaces the
// session.
type Manager struct {
	params ManagerParams
	log    zerolog.Logger

	lock    sync.Mutex
	active  *Session
	paused  bool
	lastIDs map[ChatID]MessageID
}

func NewManager(params ManagerParams) *Manager {
	return &Manager{
		params:  params,
		log:     params.Log.With().Str("component", "manager").Logger(),
		lastIDs: make(map[ChatID]MessageID),
	}
}

// Active returns the current session, or nil if no chat is open.
func (m *Manager) Active() *Session {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.active
}

// SetLastMessageIDs records the newest message the bridge already has for
// each chat. They act as a floor for the watermark of future sessions.
func (m *Manager) SetLastMessageIDs(ids map[ChatID]MessageID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for chatID, id := range ids {
		if id > m.lastIDs[chatID] {
			m.lastIDs[chatID] = id
		}
	}
	m.log.Debug().Int("chat_count", len(ids)).Msg("Updated last message IDs")
}

// SwitchChat closes the current session and opens one for chatID.
func (m *Manager) SwitchChat(ctx context.Context, chatID ChatID) (*Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.active != nil {
		if m.active.ChatID() == chatID {
			return m.active, nil
		}
		m.active.Close()
		m.active = nil
	}
	var store WatermarkStore
	if m.params.Store != nil {
		store = m.params.Store
	}
	sess, err := NewSession(SessionParams{
		ChatID:    chatID,
		Observer:  m.params.Observer,
		Sink:      m.params.Sink,
		Directory: m.params.Directory,
		Store:     store,
		Sync:      m.params.Sync,
		Selector:  m.params.Selector,
		Dates:     m.params.Dates,
		Metrics:   m.params.Metrics,
		Log:       m.params.Log,
	})
	if err != nil {
		return nil, err
	}
	m.active = sess
	m.log.Info().Str("chat_id", string(chatID)).Msg("Switched chat")
	if m.paused {
		return sess, nil
	}
	return sess, m.start(ctx, sess)
}

// start begins observation of sess from its stored watermarks. The caller
// must hold the lock.
func (m *Manager) start(ctx context.Context, sess *Session) error {
	chatID := sess.ChatID()
	minID := m.lastIDs[chatID]
	var tiers TierWatermarks
	if m.params.Store != nil {
		stored, err := m.params.Store.MessageWatermark(ctx, chatID)
		if err != nil {
			return err
		}
		minID = max(minID, stored)
		if tiers, err = m.params.Store.ReceiptWatermarks(ctx, chatID); err != nil {
			return err
		}
	}
	// Receipts missed while detached are reported from the initial batch.
	return sess.StartObserving(ctx, minID, tiers)
}

// Pause stops observation without forgetting the active chat.
func (m *Manager) Pause(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.paused = true
	if m.active == nil {
		return nil
	}
	return m.active.StopObserving(ctx)
}

// Resume restarts observation of the active chat after Pause.
func (m *Manager) Resume(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.paused = false
	if m.active == nil {
		return nil
	}
	return m.start(ctx, m.active)
}

// Reattach restarts observation after the page was reloaded or the
// debugger connection was re-established.
func (m *Manager) Reattach(ctx context.Context) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.active == nil || m.paused {
		return
	}
	log := m.log.With().Str("chat_id", string(m.active.ChatID())).Logger()
	if err := m.active.StopObserving(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop observing before reattach")
	}
	if err := m.start(ctx, m.active); err != nil {
		log.Err(err).Msg("Failed to reattach to chat")
		return
	}
	log.Info().Msg("Reattached to chat")
}

// ArmOwnSend arms the own-send correlator of the active session.
func (m *Manager) ArmOwnSend(timeout time.Duration, success, failure string) (*OwnSend, error) {
	sess := m.Active()
	if sess == nil {
		return nil, ErrNoActiveChat
	}
	return sess.ArmOwnSend(timeout, success, failure), nil
}

// ReceiptWatermarks returns the per-tier receipt watermarks of chatID. The
// active session is asked first since it may be ahead of the store.
func (m *Manager) ReceiptWatermarks(ctx context.Context, chatID ChatID) (TierWatermarks, error) {
	tiers := make(TierWatermarks)
	if m.params.Store != nil {
		stored, err := m.params.Store.ReceiptWatermarks(ctx, chatID)
		if err != nil {
			return nil, err
		}
		maps.Copy(tiers, stored)
	}
	if sess := m.Active(); sess != nil && sess.ChatID() == chatID {
		live, err := sess.ReceiptWatermarks(ctx)
		if err != nil {
			return nil, err
		}
		tiers.merge(live)
	}
	return tiers, nil
}

// Close closes the active session.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
}
