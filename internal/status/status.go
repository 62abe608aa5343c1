// Package status publishes the agent's observable state to disk.
//
// One status.json carries the sectioned live picture (service, trader,
// positions, orders, events, latest advisor input/advice); two JSONL
// files keep bounded advice and close histories. The dashboard and the
// HTTP API read these files, possibly from another process, so every
// write takes a cross-process advisory lock and lands via
// write-temp, fsync, rename. An in-process mutex serializes callers.
package status

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Rolling caps. Oldest entries fall off first.
const (
	maxEvents       = 200
	maxOrders       = 200
	maxAIHistory    = 300
	maxCloseHistory = 500
)

const (
	statusFile       = "status.json"
	lockFile         = ".status.lock"
	aiHistoryFile    = "ai_history.jsonl"
	closeHistoryFile = "close_history.jsonl"
)

// Section is one mergeable key/value block of the status document.
type Section map[string]any

// Event is one entry of the rolling event feed.
type Event struct {
	TS     int64          `json:"ts"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Document is the full status file. Positions, latest input and latest
// advice are stored pre-marshaled; they are replaced wholesale, never
// merged.
type Document struct {
	Service      Section           `json:"service"`
	Trader       Section           `json:"trader"`
	Positions    json.RawMessage   `json:"positions,omitempty"`
	Orders       []json.RawMessage `json:"orders"`
	Events       []Event           `json:"events"`
	LatestInput  json.RawMessage   `json:"latest_input,omitempty"`
	LatestAdvice json.RawMessage   `json:"latest_advice,omitempty"`
	LastUpdateTS int64             `json:"last_update_ts"`
}

// Store owns the runtime directory. All operations are mutex-protected;
// file writes additionally hold the advisory lock so an external reader
// process never observes a half-written file.
type Store struct {
	dir    string
	flk    *flock.Flock
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	doc       Document
	listeners []func(Event)
}

// Open creates the runtime directory if needed and loads any existing
// status document so restarts keep the event trail.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		flk:    flock.New(filepath.Join(dir, lockFile)),
		logger: logger.With("component", "status"),
		now:    time.Now,
		doc: Document{
			Service: Section{},
			Trader:  Section{},
			Orders:  []json.RawMessage{},
			Events:  []Event{},
		},
	}
	s.load()
	return s, nil
}

// load restores the previous document; a missing or corrupt file starts
// fresh.
func (s *Store) load() {
	data, err := os.ReadFile(filepath.Join(s.dir, statusFile))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("status file unreadable, starting fresh", "error", err)
		}
		return
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("status file corrupt, starting fresh", "error", err)
		return
	}
	if doc.Service == nil {
		doc.Service = Section{}
	}
	if doc.Trader == nil {
		doc.Trader = Section{}
	}
	s.doc = doc
}

// Subscribe registers a callback invoked after every appended event.
// The callback runs outside the store lock.
func (s *Store) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// UpdateSection merges fields into the service or trader section and
// stamps the section's updated_ts.
func (s *Store) UpdateSection(name string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var section Section
	switch name {
	case "service":
		section = s.doc.Service
	case "trader":
		section = s.doc.Trader
	default:
		return fmt.Errorf("unknown status section %q", name)
	}
	for k, v := range fields {
		section[k] = v
	}
	section["updated_ts"] = s.now().UnixMilli()
	return s.persist()
}

// SetPositions replaces the positions section.
func (s *Store) SetPositions(v any) error {
	return s.setRaw(&s.doc.Positions, v, "positions")
}

// SetLatestInput replaces the advisor-input section.
func (s *Store) SetLatestInput(v any) error {
	return s.setRaw(&s.doc.LatestInput, v, "latest_input")
}

// SetLatestAdvice replaces the advice section.
func (s *Store) SetLatestAdvice(v any) error {
	return s.setRaw(&s.doc.LatestAdvice, v, "latest_advice")
}

func (s *Store) setRaw(dst *json.RawMessage, v any, what string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = raw
	return s.persist()
}

// AppendEvent adds one event to the rolling feed and notifies
// subscribers.
func (s *Store) AppendEvent(kind string, fields map[string]any) error {
	evt := Event{TS: s.now().UnixMilli(), Kind: kind, Fields: fields}

	s.mu.Lock()
	s.doc.Events = append(s.doc.Events, evt)
	if len(s.doc.Events) > maxEvents {
		s.doc.Events = s.doc.Events[len(s.doc.Events)-maxEvents:]
	}
	err := s.persist()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(evt)
	}
	return err
}

// AppendOrder adds one order record to the rolling order history.
func (s *Store) AppendOrder(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Orders = append(s.doc.Orders, raw)
	if len(s.doc.Orders) > maxOrders {
		s.doc.Orders = s.doc.Orders[len(s.doc.Orders)-maxOrders:]
	}
	return s.persist()
}

// AppendAIHistory appends one advice record to ai_history.jsonl.
func (s *Store) AppendAIHistory(v any) error {
	return s.appendJSONL(aiHistoryFile, maxAIHistory, v)
}

// AppendCloseHistory appends one close record to close_history.jsonl.
func (s *Store) AppendCloseHistory(v any) error {
	return s.appendJSONL(closeHistoryFile, maxCloseHistory, v)
}

// AIHistory returns up to limit advice records, newest first.
func (s *Store) AIHistory(limit int) ([]json.RawMessage, error) {
	return s.readJSONL(aiHistoryFile, limit)
}

// CloseHistory returns up to limit close records, newest first.
func (s *Store) CloseHistory(limit int) ([]json.RawMessage, error) {
	return s.readJSONL(closeHistoryFile, limit)
}

// Snapshot returns a copy of the current document. Raw sections are
// replaced wholesale on write, so sharing their bytes is safe.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.doc
	doc.Service = make(Section, len(s.doc.Service))
	for k, v := range s.doc.Service {
		doc.Service[k] = v
	}
	doc.Trader = make(Section, len(s.doc.Trader))
	for k, v := range s.doc.Trader {
		doc.Trader[k] = v
	}
	doc.Orders = append([]json.RawMessage(nil), s.doc.Orders...)
	doc.Events = append([]Event(nil), s.doc.Events...)
	return doc
}

// persist writes status.json. Callers hold s.mu.
func (s *Store) persist() error {
	s.doc.LastUpdateTS = s.now().UnixMilli()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock status: %w", err)
	}
	defer s.flk.Unlock()
	return writeAtomic(filepath.Join(s.dir, statusFile), data)
}

func (s *Store) appendJSONL(name string, limit int, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	defer s.flk.Unlock()

	path := filepath.Join(s.dir, name)
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	lines = append(lines, line)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return writeAtomic(path, buf.Bytes())
}

func (s *Store) readJSONL(name string, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(lines) {
		limit = len(lines)
	}

	out := make([]json.RawMessage, 0, limit)
	for i := len(lines) - 1; i >= len(lines)-limit; i-- {
		out = append(out, json.RawMessage(lines[i]))
	}
	return out, nil
}

// readLines loads a JSONL file; a missing file is an empty history.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

// writeAtomic lands data via temp file, fsync, rename so readers never
// see a torn write even across a crash.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmp, path)
}
