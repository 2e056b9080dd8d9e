// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the append-only record of irreversible pipeline events.
//
// # Description
//
// Events are stored one JSON object per line. Appends are serialised within
// the process by a mutex and across processes by an advisory file lock on
// "{path}.lock". Sequence numbers and timestamps are strictly increasing.
// Readers ignore a trailing partial line and skip malformed lines.
//
// # Thread Safety
//
// *Ledger is safe for concurrent use.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeDivision  = "division"
	TypePromotion = "promotion"
	TypeRevert    = "revert"
	TypeRetire    = "retire"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("ledger closed")

	// ErrLockTimeout is returned when the cross-process lock is not acquired
	// in time.
	ErrLockTimeout = errors.New("ledger lock timeout")
)

// Event is one ledger line.
type Event struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Namespace string          `json:"namespace,omitempty"`
	UnitID    string          `json:"unit_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Config configures a Ledger.
type Config struct {
	// Path is the JSONL file. Parent directories are created.
	Path string

	// Fsync forces an fsync after every append.
	Fsync bool

	// LockTimeout bounds waiting for the cross-process lock. Default 5s.
	LockTimeout time.Duration

	Logger *slog.Logger
}

// Ledger appends and reads events.
type Ledger struct {
	path        string
	fsync       bool
	lockTimeout time.Duration
	logger      *slog.Logger
	fileLock    *flock.Flock

	mu     sync.Mutex // guards appends, size, lastTS, closed
	seq    atomic.Uint64
	size   int64
	lastTS time.Time
	closed bool

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// Open opens or creates the ledger at cfg.Path and recovers the last
// sequence number and timestamp from its contents.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		path:        cfg.Path,
		fsync:       cfg.Fsync,
		lockTimeout: cfg.LockTimeout,
		logger:      logger.With("component", "ledger"),
		fileLock:    flock.New(cfg.Path + ".lock"),
		subs:        make(map[uint64]chan Event),
	}
	if err := l.catchUp(); err != nil {
		return nil, err
	}
	l.logger.Info("ledger opened",
		slog.String("path", l.path),
		slog.Uint64("seq", l.seq.Load()))
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// LastSeq returns the highest sequence number written so far.
func (l *Ledger) LastSeq() uint64 { return l.seq.Load() }

// catchUp scans lines written since the last known offset, by this process
// or another one. Callers hold mu or are in Open.
func (l *Ledger) catchUp() error {
	events, offset, err := readFrom(l.path, l.size, l.logger)
	if err != nil {
		return err
	}
	for _, e := range events {
		if e.Seq > l.seq.Load() {
			l.seq.Store(e.Seq)
		}
		if e.Timestamp.After(l.lastTS) {
			l.lastTS = e.Timestamp
		}
	}
	l.size = offset
	return nil
}

// dropPartialTail truncates bytes past the last complete line. Writers hold
// the file lock while writing, so under the lock such bytes can only be
// left by a writer that died mid-line; the event was never acknowledged and
// appending after it would merge it with the next record. Callers hold mu
// and the file lock, after catchUp.
func (l *Ledger) dropPartialTail() error {
	fi, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if fi.Size() <= l.size {
		return nil
	}
	l.logger.Warn("truncating partial ledger line",
		slog.Int64("offset", l.size),
		slog.Int64("bytes", fi.Size()-l.size))
	if err := os.Truncate(l.path, l.size); err != nil {
		return fmt.Errorf("truncate partial ledger line: %w", err)
	}
	return nil
}

// Append writes one event and returns it with Seq, ID and Timestamp filled.
//
// # Inputs
//
//   - ctx: Bounds waiting for the cross-process lock.
//   - eventType: One of the Type* constants.
//   - namespace, unitID: Indexed fields, may be empty.
//   - payload: Marshalled to JSON; nil for none.
//
// # Outputs
//
//   - Event: The stored event.
//   - error: ErrClosed, ErrLockTimeout, or an I/O error. Nothing is written
//     on error.
func (l *Ledger) Append(ctx context.Context, eventType, namespace, unitID string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}, ErrClosed
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	locked, err := l.fileLock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil || !locked {
		return Event{}, fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	defer func() { _ = l.fileLock.Unlock() }()

	if err := l.catchUp(); err != nil {
		return Event{}, err
	}
	if err := l.dropPartialTail(); err != nil {
		return Event{}, err
	}

	ts := time.Now().UTC()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Nanosecond)
	}
	ev := Event{
		Seq:       l.seq.Load() + 1,
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: ts,
		Namespace: namespace,
		UnitID:    unitID,
		Payload:   raw,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("open ledger: %w", err)
	}
	n, err := f.Write(line)
	if err == nil && l.fsync {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Event{}, fmt.Errorf("write ledger: %w", err)
	}

	l.size += int64(n)
	l.seq.Store(ev.Seq)
	l.lastTS = ts
	l.publish(ev)

	l.logger.Debug("ledger append",
		slog.String("type", eventType),
		slog.Uint64("seq", ev.Seq),
		slog.String("unit_id", unitID))
	return ev, nil
}

// ReadAll returns every complete event in file order.
func (l *Ledger) ReadAll(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, _, err := readFrom(l.path, 0, l.logger)
	return events, err
}

// CountType returns how many events of the given type exist.
func (l *Ledger) CountType(ctx context.Context, eventType string) (int, error) {
	events, err := l.Query(ctx, Filter{Type: eventType})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Close stops appends and closes every subscription.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.subMu.Lock()
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.subMu.Unlock()
	return nil
}

// ReadFrom reads complete events starting at byte offset and returns them
// with the offset just past the last complete line. Used by followers that
// tail the file.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	return readFrom(path, offset, slog.Default().With("component", "ledger"))
}

func readFrom(path string, offset int64, logger *slog.Logger) ([]Event, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek ledger: %w", err)
	}

	var events []Event
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Anything left is a partial line still being written.
			break
		}
		if err != nil {
			return events, offset, fmt.Errorf("read ledger: %w", err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("skipping malformed ledger line",
				slog.Int64("offset", offset),
				slog.String("error", err.Error()))
			continue
		}
		events = append(events, ev)
	}
	return events, offset, nil
}
