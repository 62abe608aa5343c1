package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestUpdateSectionMerges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.UpdateSection("service", map[string]any{"state": "running", "symbol": "ETHUSDT"}); err != nil {
		t.Fatalf("UpdateSection() error = %v", err)
	}
	if err := s.UpdateSection("service", map[string]any{"state": "cooling"}); err != nil {
		t.Fatalf("UpdateSection() error = %v", err)
	}

	doc := s.Snapshot()
	if doc.Service["state"] != "cooling" || doc.Service["symbol"] != "ETHUSDT" {
		t.Errorf("service section = %v, want merged fields", doc.Service)
	}
	if doc.Service["updated_ts"] == nil {
		t.Error("updated_ts missing after merge")
	}
	if doc.LastUpdateTS == 0 {
		t.Error("last_update_ts not stamped")
	}

	if err := s.UpdateSection("bogus", map[string]any{"x": 1}); err == nil {
		t.Error("UpdateSection accepted an unknown section")
	}
}

func TestAppendEventCap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < maxEvents+5; i++ {
		if err := s.AppendEvent("cycle", map[string]any{"n": i}); err != nil {
			t.Fatalf("AppendEvent(%d) error = %v", i, err)
		}
	}

	events := s.Snapshot().Events
	if len(events) != maxEvents {
		t.Fatalf("events = %d, want cap %d", len(events), maxEvents)
	}
	// The oldest five fell off; the newest survived.
	if got := events[len(events)-1].Fields["n"]; got != maxEvents+4 {
		t.Errorf("newest event n = %v, want %d", got, maxEvents+4)
	}
	if got := events[0].Fields["n"]; got != 5 {
		t.Errorf("oldest event n = %v, want 5", got)
	}
}

func TestAppendOrderCap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < maxOrders+3; i++ {
		if err := s.AppendOrder(map[string]any{"order_id": i}); err != nil {
			t.Fatalf("AppendOrder(%d) error = %v", i, err)
		}
	}

	orders := s.Snapshot().Orders
	if len(orders) != maxOrders {
		t.Fatalf("orders = %d, want cap %d", len(orders), maxOrders)
	}
	var last map[string]int
	if err := json.Unmarshal(orders[len(orders)-1], &last); err != nil {
		t.Fatalf("unmarshal order record: %v", err)
	}
	if last["order_id"] != maxOrders+2 {
		t.Errorf("newest order id = %d, want %d", last["order_id"], maxOrders+2)
	}
}

func TestSetWholesale(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.SetPositions([]map[string]any{{"symbol": "ETHUSDT", "qty": 0.5}}); err != nil {
		t.Fatalf("SetPositions() error = %v", err)
	}
	if err := s.SetLatestAdvice(map[string]any{"decision": "long"}); err != nil {
		t.Fatalf("SetLatestAdvice() error = %v", err)
	}
	if err := s.SetLatestInput(map[string]any{"symbol": "ETHUSDT"}); err != nil {
		t.Fatalf("SetLatestInput() error = %v", err)
	}

	doc := s.Snapshot()
	var positions []map[string]any
	if err := json.Unmarshal(doc.Positions, &positions); err != nil || len(positions) != 1 {
		t.Errorf("positions = %s (err %v)", doc.Positions, err)
	}
	var advice map[string]string
	if err := json.Unmarshal(doc.LatestAdvice, &advice); err != nil || advice["decision"] != "long" {
		t.Errorf("latest_advice = %s (err %v)", doc.LatestAdvice, err)
	}
}

func TestReloadAfterRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(dir, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.UpdateSection("trader", map[string]any{"state": "completed"}); err != nil {
		t.Fatalf("UpdateSection() error = %v", err)
	}
	if err := s.AppendEvent("order_filled", map[string]any{"order_id": 42}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	reopened, err := Open(dir, logger)
	if err != nil {
		t.Fatalf("Open() after restart error = %v", err)
	}
	doc := reopened.Snapshot()
	if doc.Trader["state"] != "completed" {
		t.Errorf("trader section lost across restart: %v", doc.Trader)
	}
	if len(doc.Events) != 1 || doc.Events[0].Kind != "order_filled" {
		t.Errorf("events lost across restart: %v", doc.Events)
	}
}

func TestJSONLHistoryNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.AppendAIHistory(map[string]any{"seq": i}); err != nil {
			t.Fatalf("AppendAIHistory(%d) error = %v", i, err)
		}
	}

	records, err := s.AIHistory(3)
	if err != nil {
		t.Fatalf("AIHistory() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("AIHistory(3) = %d records", len(records))
	}
	for i, want := range []int{4, 3, 2} {
		var rec map[string]int
		if err := json.Unmarshal(records[i], &rec); err != nil {
			t.Fatalf("unmarshal record %d: %v", i, err)
		}
		if rec["seq"] != want {
			t.Errorf("record %d seq = %d, want %d", i, rec["seq"], want)
		}
	}

	// Zero limit means everything.
	all, err := s.AIHistory(0)
	if err != nil || len(all) != 5 {
		t.Errorf("AIHistory(0) = %d records (err %v), want 5", len(all), err)
	}
}

func TestJSONLHistoryCap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < maxAIHistory+10; i++ {
		if err := s.AppendAIHistory(map[string]any{"seq": i}); err != nil {
			t.Fatalf("AppendAIHistory(%d) error = %v", i, err)
		}
	}

	records, err := s.AIHistory(0)
	if err != nil {
		t.Fatalf("AIHistory() error = %v", err)
	}
	if len(records) != maxAIHistory {
		t.Fatalf("history = %d records, want cap %d", len(records), maxAIHistory)
	}
	var newest map[string]int
	if err := json.Unmarshal(records[0], &newest); err != nil {
		t.Fatalf("unmarshal newest: %v", err)
	}
	if newest["seq"] != maxAIHistory+9 {
		t.Errorf("newest seq = %d, want %d", newest["seq"], maxAIHistory+9)
	}
}

func TestEmptyHistory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	records, err := s.CloseHistory(10)
	if err != nil {
		t.Fatalf("CloseHistory() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("CloseHistory() = %d records, want none", len(records))
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got := make(chan Event, 1)
	s.Subscribe(func(evt Event) { got <- evt })

	if err := s.AppendEvent("cycle_start", map[string]any{"trigger": "kline"}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	select {
	case evt := <-got:
		if evt.Kind != "cycle_start" {
			t.Errorf("event kind = %q", evt.Kind)
		}
	default:
		t.Fatal("subscriber not notified")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.UpdateSection("service", map[string]any{"state": "running"}); err != nil {
		t.Fatalf("UpdateSection() error = %v", err)
	}
	snap := s.Snapshot()
	snap.Service["state"] = "mutated"

	if got := s.Snapshot().Service["state"]; got != "running" {
		t.Errorf("store state = %v after mutating a snapshot, want running", got)
	}
}

func TestStatusFileOnDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(dir, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.UpdateSection("service", map[string]any{"env": "paper"}); err != nil {
		t.Fatalf("UpdateSection() error = %v", err)
	}

	data, err := os.ReadFile(fmt.Sprintf("%s/%s", dir, statusFile))
	if err != nil {
		t.Fatalf("status file missing: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("status file not valid JSON: %v", err)
	}
	if doc.Service["env"] != "paper" {
		t.Errorf("on-disk service = %v", doc.Service)
	}
}
