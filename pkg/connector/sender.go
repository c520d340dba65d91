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
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lrhodin/linepuppet/pkg/dom"
)

// Roster is the set of known users a displayed sender can be matched against.
type Roster struct {
	Friends      []Participant `json:"friends"`
	Participants []Participant `json:"participants"`
}

// Directory loads the friends list and the member list of a chat.
type Directory interface {
	Roster(ctx context.Context, chatID ChatID) (*Roster, error)
}

// Evaluator runs a script in the LINE page and decodes its result.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out any) error
}

// PageDirectory reads the roster from the friends list and member list
// rendered in the LINE page.
type PageDirectory struct {
	Page Evaluator
}

var _ Directory = (*PageDirectory)(nil)

func (d *PageDirectory) Roster(ctx context.Context, chatID ChatID) (*Roster, error) {
	var roster Roster
	if err := d.Page.Evaluate(ctx, "window.__linepuppet__.roster()", &roster); err != nil {
		return nil, fmt.Errorf("failed to read roster of %s: %w", chatID, err)
	}
	return &roster, nil
}

// resolveSender matches a displayed sender against the friends list first
// and the chat's member list second. An ambiguous name is narrowed by avatar
// and then by ID. If a tie remains the first candidate wins.
func resolveSender(log zerolog.Logger, roster *Roster, shown *dom.Sender) *Participant {
	if shown == nil {
		return nil
	}
	if roster != nil {
		for _, list := range [][]Participant{roster.Friends, roster.Participants} {
			if match, ok := matchSender(log, list, shown); ok {
				return &match
			}
		}
	}
	log.Warn().Str("sender_name", shown.Name).Msg("No roster entry matches message sender")
	return &Participant{ID: shown.ID, Name: shown.Name, Avatar: shown.Avatar}
}

func matchSender(log zerolog.Logger, list []Participant, shown *dom.Sender) (Participant, bool) {
	candidates := lo.Filter(list, func(p Participant, _ int) bool {
		return p.Name == shown.Name
	})
	if len(candidates) == 0 {
		return Participant{}, false
	}
	if len(candidates) > 1 && shown.Avatar != "" {
		candidates = narrow(candidates, func(p Participant) bool { return p.Avatar == shown.Avatar })
	}
	if len(candidates) > 1 && shown.ID != "" {
		candidates = narrow(candidates, func(p Participant) bool { return p.ID == shown.ID })
	}
	if len(candidates) > 1 {
		log.Warn().
			Str("sender_name", shown.Name).
			Strs("candidates", lo.Map(candidates, func(p Participant, _ int) string { return p.ID })).
			Msg("Ambiguous message sender, using first match")
	}
	return candidates[0], true
}

// narrow keeps the candidates matching pred, unless none do.
func narrow(candidates []Participant, pred func(Participant) bool) []Participant {
	matched := lo.Filter(candidates, func(p Participant, _ int) bool { return pred(p) })
	if len(matched) == 0 {
		return candidates
	}
	return matched
}
