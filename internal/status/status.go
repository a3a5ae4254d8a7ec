// Package status serves a small read-only HTTP view of the sync server:
// a health probe and per-deck summaries.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/roach88/decksync/internal/model"
)

// Decks is what the status endpoint reads.
type Decks interface {
	DeckName(ctx context.Context, code string) (string, bool, error)
	Exists(ctx context.Context, code string) (bool, error)
	Load(ctx context.Context, code string) (model.Document, error)
}

// DeckSummary is the body of GET /decks/{code}.
type DeckSummary struct {
	DeckCode     string `json:"deck_code"`
	Name         string `json:"name"`
	Cards        int    `json:"cards"`
	LastModified int64  `json:"last_modified"`
}

type handler struct {
	decks  Decks
	logger *slog.Logger
}

// NewHandler returns the status router. A nil logger uses slog.Default().
func NewHandler(decks Decks, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{decks: decks, logger: logger}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Debug("handled", "method", req.Method, "url", req.URL.String(), "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(h.health)
	r.Methods(http.MethodGet).Path("/decks/{code}").HandlerFunc(h.deck)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) deck(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	ctx := r.Context()

	name, known, err := h.decks.DeckName(ctx, code)
	if err != nil {
		h.logger.Error("failed to read deck", "deck", code, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	exists, err := h.decks.Exists(ctx, code)
	if err != nil {
		h.logger.Error("failed to read deck store", "deck", code, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !known && !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	summary := DeckSummary{DeckCode: code, Name: name}
	if exists {
		doc, err := h.decks.Load(ctx, code)
		if err != nil {
			h.logger.Error("failed to load deck", "deck", code, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		summary.Cards = len(doc)
		summary.LastModified = doc.MaxModified()
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write out", "err", err)
	}
}
