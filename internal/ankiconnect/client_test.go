package ankiconnect

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/decksync/internal/model"
)

type call struct {
	Action  string          `json:"action"`
	Version int             `json:"version"`
	Params  json.RawMessage `json:"params"`
}

// fakeAnki answers AnkiConnect requests from a handler keyed by action.
type fakeAnki struct {
	mu      sync.Mutex
	calls   []call
	actions map[string]func(params json.RawMessage) (any, string)
}

func (f *fakeAnki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var c call
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	h, ok := f.actions[c.Action]
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": "unsupported action"})
		return
	}
	result, errMsg := h(c.Params)
	var e any
	if errMsg != "" {
		e = errMsg
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "error": e})
}

func (f *fakeAnki) actionsCalled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Action)
	}
	return out
}

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithRetry(3, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(srv.URL, opts...)
}

func TestInvoke_RetriesHTTPErrors(t *testing.T) {
	attempts := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result": ["Default", "Spanish"], "error": null}`))
	})
	c := newTestClient(t, h)

	names, err := c.DeckNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Default", "Spanish"}, names)
	assert.Equal(t, 3, attempts)
}

func TestInvoke_GivesUpAfterRetries(t *testing.T) {
	attempts := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, h)

	_, err := c.DeckNames(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, 4, attempts, "one attempt plus three retries")
}

func TestInvoke_APIErrorNotRetried(t *testing.T) {
	attempts := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		_, _ = w.Write([]byte(`{"result": null, "error": "deck was not found"}`))
	})
	c := newTestClient(t, h)

	err := c.CreateDeck(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.Equal(t, 1, attempts)
}

func TestInvoke_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithRetry(1, time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err := c.DeckNames(context.Background())
	require.Error(t, err)
	assert.False(t, IsAPIError(err))
}

func notesFixture() map[string]func(json.RawMessage) (any, string) {
	notes := map[int64]map[string]any{
		1: {
			"noteId": 1, "modelName": "Basic", "mod": 100,
			"tags": []string{"verb", "sync_uid:u-1"},
			"fields": map[string]any{
				"Back":  map[string]any{"value": "hello", "order": 1},
				"Front": map[string]any{"value": "hola", "order": 0},
			},
		},
		2: {
			"noteId": 2, "modelName": "Basic", "mod": 200,
			"tags": []string{},
			"fields": map[string]any{
				"Front": map[string]any{"value": "adiós", "order": 0},
				"Back":  map[string]any{"value": "bye", "order": 1},
			},
		},
	}
	return map[string]func(json.RawMessage) (any, string){
		"findNotes": func(p json.RawMessage) (any, string) {
			var q struct{ Query string }
			_ = json.Unmarshal(p, &q)
			switch q.Query {
			case `deck:"Spanish"`:
				return []int64{1, 2}, ""
			case "tag:sync_uid:u-1":
				return []int64{1}, ""
			default:
				return []int64{}, ""
			}
		},
		"notesInfo": func(p json.RawMessage) (any, string) {
			var q struct{ Notes []int64 }
			_ = json.Unmarshal(p, &q)
			out := []any{}
			for _, id := range q.Notes {
				if n, ok := notes[id]; ok {
					out = append(out, n)
				} else {
					out = append(out, map[string]any{})
				}
			}
			return out, ""
		},
	}
}

func TestFindChanged(t *testing.T) {
	c := newTestClient(t, &fakeAnki{actions: notesFixture()}, WithChunkSize(1))

	cards, err := c.FindChanged(context.Background(), "Spanish", 150)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(2), cards[0].NoteID)
	assert.Equal(t, "Spanish", cards[0].DeckName)

	all, err := c.FindChanged(context.Background(), "Spanish", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	first := all[0]
	assert.Equal(t, "u-1", first.StableUID)
	assert.Equal(t, model.Fields{{Name: "Front", Value: "hola"}, {Name: "Back", Value: "hello"}}, first.Fields)
	assert.Equal(t, int64(100), first.LastModified)
}

func TestFindByUID(t *testing.T) {
	c := newTestClient(t, &fakeAnki{actions: notesFixture()})

	card, ok, err := c.FindByUID(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), card.NoteID)

	_, ok, err = c.FindByUID(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByFirstField(t *testing.T) {
	c := newTestClient(t, &fakeAnki{actions: notesFixture()})

	cards, err := c.FindByFirstField(context.Background(), "Spanish", model.MatchKey(" adiós "))
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(2), cards[0].NoteID)
}

func TestUpsert(t *testing.T) {
	fake := &fakeAnki{actions: map[string]func(json.RawMessage) (any, string){
		"addNote":          func(json.RawMessage) (any, string) { return 77, "" },
		"updateNoteFields": func(json.RawMessage) (any, string) { return nil, "" },
		"updateNoteTags":   func(json.RawMessage) (any, string) { return nil, "" },
	}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	card := model.Card{
		DeckName:  "Spanish",
		ModelName: "Basic",
		Fields:    model.Fields{{Name: "Front", Value: "hola"}},
		Tags:      model.Tags{"sync_uid:u-1"},
	}
	id, err := c.Upsert(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	card.NoteID = 77
	id, err = c.Upsert(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	assert.Equal(t, []string{"addNote", "updateNoteFields", "updateNoteTags"}, fake.actionsCalled())

	var add struct {
		Note struct {
			DeckName string            `json:"deckName"`
			Fields   map[string]string `json:"fields"`
			Tags     []string          `json:"tags"`
		} `json:"note"`
	}
	require.NoError(t, json.Unmarshal(fake.calls[0].Params, &add))
	assert.Equal(t, "Spanish", add.Note.DeckName)
	assert.Equal(t, map[string]string{"Front": "hola"}, add.Note.Fields)
	assert.Equal(t, []string{"sync_uid:u-1"}, add.Note.Tags)
}

func TestTagIdentities_Chunked(t *testing.T) {
	var batchSizes []int
	fake := &fakeAnki{actions: map[string]func(json.RawMessage) (any, string){
		"multi": func(p json.RawMessage) (any, string) {
			var q struct {
				Actions []call `json:"actions"`
			}
			_ = json.Unmarshal(p, &q)
			batchSizes = append(batchSizes, len(q.Actions))
			out := make([]any, len(q.Actions))
			return out, ""
		},
	}}
	c := newTestClient(t, fake, WithChunkSize(2))

	err := c.TagIdentities(context.Background(), map[int64]string{1: "a", 2: "b", 3: "c", 4: "d", 5: "e"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
}

func TestTagIdentities_EmbeddedError(t *testing.T) {
	fake := &fakeAnki{actions: map[string]func(json.RawMessage) (any, string){
		"multi": func(json.RawMessage) (any, string) {
			return []any{map[string]any{"result": nil, "error": "note was not found: 9"}}, ""
		},
	}}
	c := newTestClient(t, fake)

	err := c.TagIdentities(context.Background(), map[int64]string{9: "x"})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(nil, 3))
	assert.Equal(t, [][]int64{{1, 2, 3}}, chunks([]int64{1, 2, 3}, 3))
	assert.Equal(t, [][]int64{{1, 2}, {3}}, chunks([]int64{1, 2, 3}, 2))
}
