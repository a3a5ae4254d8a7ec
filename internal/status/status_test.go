package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/decksync/internal/model"
)

type fakeDecks struct {
	names map[string]string
	docs  map[string]model.Document
}

func (f fakeDecks) DeckName(ctx context.Context, code string) (string, bool, error) {
	n, ok := f.names[code]
	return n, ok, nil
}

func (f fakeDecks) Exists(ctx context.Context, code string) (bool, error) {
	_, ok := f.docs[code]
	return ok, nil
}

func (f fakeDecks) Load(ctx context.Context, code string) (model.Document, error) {
	return f.docs[code], nil
}

func newTestHandler() http.Handler {
	decks := fakeDecks{
		names: map[string]string{"c1": "Spanish", "c2": "Empty"},
		docs: map[string]model.Document{
			"c1": {
				"a": {StableUID: "a", LastModified: 100},
				"b": {StableUID: "b", LastModified: 150},
			},
		},
	}
	return NewHandler(decks, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDeckSummary(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decks/c1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got DeckSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, DeckSummary{DeckCode: "c1", Name: "Spanish", Cards: 2, LastModified: 150}, got)
}

func TestDeckSummary_MetadataOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decks/c2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deck_code":"c2","name":"Empty","cards":0,"last_modified":0}`, rec.Body.String())
}

func TestDeckSummary_NotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decks/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
