package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/decksync/internal/collection"
	"github.com/roach88/decksync/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func note(deck, front string, tags ...string) model.Card {
	return model.Card{
		DeckName:     deck,
		ModelName:    "Basic",
		Fields:       model.Fields{{Name: "Front", Value: front}, {Name: "Back", Value: "-"}},
		Tags:         model.Tags(tags),
		LastModified: 100,
	}
}

func TestResolve_GeneratesAndTags(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	id, err := col.Upsert(ctx, note("Spanish", "hola", "verb"))
	require.NoError(t, err)

	cards, err := col.FindChanged(ctx, "Spanish", 0)
	require.NoError(t, err)

	r := NewResolver(col, NewFixedGenerator("uid-1"), discardLogger())
	out, stats, err := r.Resolve(ctx, cards)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "uid-1", out[0].StableUID)
	assert.Equal(t, model.Tags{"verb", "sync_uid:uid-1"}, out[0].Tags)
	assert.Equal(t, Stats{Generated: 1}, stats)

	stored, ok, err := col.FindByUID(ctx, "uid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, stored.NoteID)
}

func TestResolve_KeepsExistingIdentity(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	_, err := col.Upsert(ctx, note("Spanish", "hola", "sync_uid:keep-me"))
	require.NoError(t, err)

	cards, err := col.FindChanged(ctx, "Spanish", 0)
	require.NoError(t, err)

	// Any generation would panic.
	r := NewResolver(col, NewFixedGenerator(), discardLogger())
	out, stats, err := r.Resolve(ctx, cards)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", out[0].StableUID)
	assert.Equal(t, Stats{Existing: 1}, stats)
}

func TestResolve_AdoptsFirstFieldMatch(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	_, err := col.Upsert(ctx, note("Spanish", "café", "sync_uid:orig"))
	require.NoError(t, err)
	lostID, err := col.Upsert(ctx, note("Spanish", " café "))
	require.NoError(t, err)

	lost := note("Spanish", " café ")
	lost.NoteID = lostID

	r := NewResolver(col, NewFixedGenerator(), discardLogger())
	out, stats, err := r.Resolve(ctx, []model.Card{lost})
	require.NoError(t, err)
	assert.Equal(t, "orig", out[0].StableUID)
	assert.Equal(t, Stats{Adopted: 1}, stats)

	// The marker is written back so the next push needs no fallback.
	matches, err := col.FindByFirstField(ctx, "Spanish", model.MatchKey("café"))
	require.NoError(t, err)
	for _, m := range matches {
		assert.Equal(t, "orig", m.Tags.UID())
	}
}

func TestResolve_DoesNotAdoptAcrossDecks(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	_, err := col.Upsert(ctx, note("French", "hola", "sync_uid:other-deck"))
	require.NoError(t, err)

	r := NewResolver(col, NewFixedGenerator("fresh"), discardLogger())
	out, _, err := r.Resolve(ctx, []model.Card{note("Spanish", "hola")})
	require.NoError(t, err)
	assert.Equal(t, "fresh", out[0].StableUID)
}

func TestResolve_DistinctIdentities(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	for _, front := range []string{"uno", "dos", "tres"} {
		_, err := col.Upsert(ctx, note("Spanish", front))
		require.NoError(t, err)
	}
	cards, err := col.FindChanged(ctx, "Spanish", 0)
	require.NoError(t, err)

	r := NewResolver(col, UUIDv7Generator{}, discardLogger())
	out, stats, err := r.Resolve(ctx, cards)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Generated)

	seen := map[string]bool{}
	for _, c := range out {
		seen[c.StableUID] = true
	}
	assert.Len(t, seen, 3)
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	in := []model.Card{note("Spanish", "hola", "verb")}

	r := NewResolver(col, NewFixedGenerator("uid-1"), discardLogger())
	_, _, err := r.Resolve(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, in[0].StableUID)
	assert.Equal(t, model.Tags{"verb"}, in[0].Tags)
}

func TestResolve_AdoptsWithinBatch(t *testing.T) {
	ctx := context.Background()
	col := collection.NewMemory()
	for _, front := range []string{"hola", "hola", "adios"} {
		_, err := col.Upsert(ctx, note("Spanish", front))
		require.NoError(t, err)
	}
	cards, err := col.FindChanged(ctx, "Spanish", 0)
	require.NoError(t, err)

	r := NewResolver(col, NewFixedGenerator("uid-1", "uid-2"), discardLogger())
	out, stats, err := r.Resolve(ctx, cards)
	require.NoError(t, err)
	assert.Equal(t, Stats{Generated: 2, Adopted: 1}, stats)

	byFront := map[string][]string{}
	for _, c := range out {
		byFront[c.FirstFieldKey()] = append(byFront[c.FirstFieldKey()], c.StableUID)
	}
	require.Len(t, byFront["hola"], 2)
	assert.Equal(t, byFront["hola"][0], byFront["hola"][1])
	assert.NotEqual(t, byFront["hola"][0], byFront["adios"][0])
}
