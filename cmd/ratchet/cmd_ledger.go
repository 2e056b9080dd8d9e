// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
)

// filterFlags are the event filters shared by query, tail and stream.
type filterFlags struct {
	eventType string
	unitID    string
	allNS     bool
	fields    map[string]string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.eventType, "type", "t", "", "event type: division, promotion, revert or retire")
	cmd.Flags().StringVarP(&f.unitID, "unit", "u", "", "unit id")
	cmd.Flags().BoolVarP(&f.allNS, "all-namespaces", "A", false, "do not filter by namespace")
	cmd.Flags().StringToStringVar(&f.fields, "field", nil, "payload field match, e.g. --field reason=auto")
}

func (f *filterFlags) filter(ns string) ledger.Filter {
	lf := ledger.Filter{Type: f.eventType, UnitID: f.unitID, Fields: f.fields}
	if !f.allNS {
		lf.Namespace = ns
	}
	return lf
}

// values encodes the filter as the API's query parameters.
func filterValues(lf ledger.Filter) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("type", lf.Type)
	set("unit_id", lf.UnitID)
	set("namespace", lf.Namespace)
	if !lf.Since.IsZero() {
		q.Set("since", lf.Since.Format(time.RFC3339))
	}
	if !lf.Until.IsZero() {
		q.Set("until", lf.Until.Format(time.RFC3339))
	}
	for k, v := range lf.Fields {
		q.Set("field."+k, v)
	}
	return q
}

func newLedgerCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query and follow the event ledger",
	}
	cmd.AddCommand(newLedgerQueryCmd(opts), newLedgerTailCmd(opts), newLedgerStreamCmd(opts))
	return cmd
}

func newLedgerQueryCmd(opts *cliOptions) *cobra.Command {
	var (
		ff    filterFlags
		since time.Duration
		until string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query ledger events through the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lf := ff.filter(opts.namespace)
			if since > 0 {
				lf.Since = time.Now().Add(-since)
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				lf.Until = t
			}
			q := filterValues(lf)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp ratchet.LedgerResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/ledger", q, nil, &resp); err != nil {
				return err
			}
			if ok, err := opts.emit(resp); ok || err != nil {
				return err
			}
			renderEvents(opts.printer(), resp.Events)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().StringVar(&until, "until", "", "only events up to this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "keep only the newest N events")
	return cmd
}

func newLedgerTailCmd(opts *cliOptions) *cobra.Command {
	var (
		ff      filterFlags
		path    string
		follow  bool
		newOnly bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events from a ledger file, optionally following appends",
		Long: `Reads the ledger file directly, without a server. With --follow the file is
watched for appends until interrupted; partially written lines are picked up
once complete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			lf := ff.filter(opts.namespace)
			return tailLedger(ctx, path, tailOptions{follow: follow, newOnly: newOnly}, func(e ledger.Event) error {
				if !lf.Match(e) {
					return nil
				}
				return printEvent(opts, e)
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&path, "file", envOr("RATCHET_LEDGER_PATH", "ratchet-data/ledger.jsonl"), "ledger file")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "keep watching for new events")
	cmd.Flags().BoolVar(&newOnly, "new-only", false, "skip events already in the file")
	return cmd
}

// printEvent writes one event as a JSON line or a plain row.
func printEvent(opts *cliOptions, e ledger.Event) error {
	if opts.jsonOutput() {
		return json.NewEncoder(opts.out).Encode(e)
	}
	_, err := fmt.Fprintln(opts.out, strings.Join(eventRow(e), "\t"))
	return err
}

type tailOptions struct {
	follow  bool
	newOnly bool
}

// tailLedger feeds every complete event in path to fn, then, when following,
// every event appended until ctx is done.
func tailLedger(ctx context.Context, path string, topts tailOptions, fn func(ledger.Event) error) error {
	var offset int64
	if topts.newOnly {
		if fi, err := os.Stat(path); err == nil {
			offset = fi.Size()
		}
	}

	drain := func() error {
		if fi, err := os.Stat(path); err == nil && fi.Size() < offset {
			// Truncated or replaced; start over.
			offset = 0
		}
		events, next, err := ledger.ReadFrom(path, offset)
		if err != nil {
			return err
		}
		offset = next
		for _, e := range events {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}

	if !topts.follow {
		return drain()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so a ledger created later is still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if err := drain(); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch ledger: %w", err)
		}
	}
}

func newLedgerStreamCmd(opts *cliOptions) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow ledger events from the server over a websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return streamLedger(ctx, opts.server, opts.token, ff.filter(opts.namespace), func(e ledger.Event) error {
				return printEvent(opts, e)
			})
		},
	}
	ff.register(cmd)
	return cmd
}

// streamLedger reads events from /v1/ledger/stream until ctx is done or the
// server closes the stream.
func streamLedger(ctx context.Context, server, token string, lf ledger.Filter, fn func(ledger.Event) error) error {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/v1/ledger/stream")
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = filterValues(lf).Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), authHeader(token))
	if err != nil {
		return fmt.Errorf("connect %s: %w", u.Redacted(), err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var e ledger.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var netErr *websocket.CloseError
			if errors.As(err, &netErr) {
				return fmt.Errorf("stream closed: %s", netErr.Text)
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
