package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"futures-agent/internal/status"
)

// defaultHistoryLimit bounds history responses when no limit is given.
// An explicit limit of 0 returns everything on record.
const defaultHistoryLimit = 100

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store  *status.Store
	hub    *Hub
	logger *slog.Logger
}

func NewHandlers(store *status.Store, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  store,
		hub:    hub,
		logger: logger.With("component", "api_handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the full status document.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.store.Snapshot())
}

// HandlePositions returns the last published position set.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	doc := h.store.Snapshot()
	if len(doc.Positions) == 0 {
		h.writeJSON(w, []any{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc.Positions)
}

// HandleOrders returns the rolling order record.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.store.Snapshot().Orders
	if orders == nil {
		orders = []json.RawMessage{}
	}
	h.writeJSON(w, orders)
}

// HandleAIHistory returns advisory decisions, newest first.
func (h *Handlers) HandleAIHistory(w http.ResponseWriter, r *http.Request) {
	h.serveHistory(w, r, h.store.AIHistory)
}

// HandleCloseHistory returns realized position closes, newest first.
func (h *Handlers) HandleCloseHistory(w http.ResponseWriter, r *http.Request) {
	h.serveHistory(w, r, h.store.CloseHistory)
}

func (h *Handlers) serveHistory(w http.ResponseWriter, r *http.Request, read func(int) ([]json.RawMessage, error)) {
	records, err := read(parseLimit(r, defaultHistoryLimit))
	if err != nil {
		h.logger.Error("history read failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	h.writeJSON(w, records)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
