// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Type      string
	UnitID    string
	Namespace string
	Since     time.Time
	Until     time.Time

	// Fields matches top-level payload keys against their string form
	// (numbers as formatted by fmt, strings verbatim).
	Fields map[string]string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.UnitID != "" && e.UnitID != f.UnitID {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Fields) == 0 {
		return true
	}

	var payload map[string]any
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &payload) != nil {
		return false
	}
	for key, want := range f.Fields {
		v, ok := payload[key]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Query returns matching events ordered by timestamp, ties broken by
// sequence number.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Event, error) {
	all, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Subscribe returns a channel receiving every event appended after the call
// and a cancel func. A subscriber that falls more than buffer events behind
// misses events rather than blocking appends.
func (l *Ledger) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			close(c)
			delete(l.subs, id)
		}
	}
	return ch, cancel
}

func (l *Ledger) publish(e Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			l.logger.Warn("ledger subscriber lagging, event dropped",
				slog.Uint64("subscriber", id),
				slog.Uint64("seq", e.Seq))
		}
	}
}
