// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.mau.fi/util/ptr"
)

// DateParser turns the date separator and time label shown in the timeline
// into an absolute timestamp. The timeline only shows relative dates for
// recent days, so every parse is relative to a reference time.
type DateParser struct {
	Location *time.Location
	// Now returns the reference time. Defaults to time.Now.
	Now func() time.Time
}

var (
	weekdayPrefix = regexp.MustCompile(`^(?i)(sun|mon|tue|wed|thu|fri|sat)[a-z]*,\s*`)
	monthDayRegex = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})$`)
	timeLayouts   = []string{"3:04 PM", "3:04PM", "15:04"}
)

func (dp *DateParser) location() *time.Location {
	if dp == nil || dp.Location == nil {
		return time.Local
	}
	return dp.Location
}

func (dp *DateParser) now() time.Time {
	if dp == nil || dp.Now == nil {
		return time.Now().In(dp.location())
	}
	return dp.Now().In(dp.location())
}

// ParseDate resolves the text of a date separator. An empty text means today.
// The second return value is false if the text is not a recognizable date.
func (dp *DateParser) ParseDate(text string) (time.Time, bool) {
	ref := dp.now()
	today := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	text = strings.TrimSpace(text)
	switch lower := strings.ToLower(text); lower {
	case "", "today":
		return today, true
	case "yesterday":
		return today.AddDate(0, 0, -1), true
	default:
		if wd, ok := parseWeekday(lower); ok {
			back := (int(today.Weekday()) - int(wd) + 7) % 7
			if back == 0 {
				back = 7
			}
			return today.AddDate(0, 0, -back), true
		}
	}
	text = weekdayPrefix.ReplaceAllString(text, "")
	if match := monthDayRegex.FindStringSubmatch(text); match != nil {
		month, _ := strconv.Atoi(match[1])
		day, _ := strconv.Atoi(match[2])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, false
		}
		date := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, today.Location())
		if date.After(today) {
			date = date.AddDate(-1, 0, 0)
		}
		return date, true
	}
	parsed, err := dateparse.ParseIn(text, today.Location())
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, today.Location()), true
}

func parseWeekday(text string) (time.Weekday, bool) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if text == name || text == name[:3] {
			return wd, true
		}
	}
	return 0, false
}

// ParseTime parses a time-of-day label and returns the offset from midnight.
func ParseTime(text string) (time.Duration, bool) {
	text = strings.ToUpper(strings.TrimSpace(text))
	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, text)
		if err == nil {
			return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, true
		}
	}
	return 0, false
}

// Timestamp combines a date separator and time label into unix milliseconds.
// It returns nil if either part can't be parsed.
func (dp *DateParser) Timestamp(dateText, timeText string) *int64 {
	date, ok := dp.ParseDate(dateText)
	if !ok {
		return nil
	}
	offset, ok := ParseTime(timeText)
	if !ok {
		return nil
	}
	ts := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()).Add(offset)
	return ptr.Ptr(ts.UnixMilli())
}
