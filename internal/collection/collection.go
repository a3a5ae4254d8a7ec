// Package collection defines the client's view of the local flashcard store
// and an in-memory implementation used by tests and the scenario harness.
package collection

import (
	"context"

	"github.com/roach88/decksync/internal/model"
)

// Collection is the local flashcard storage engine.
//
// Cards returned by a Collection carry their stable identity in StableUID
// when the note has a sync_uid tag.
type Collection interface {
	// DeckNames lists the local decks.
	DeckNames(ctx context.Context) ([]string, error)

	// CreateDeck creates an empty deck. Creating an existing deck is not an error.
	CreateDeck(ctx context.Context, name string) error

	// FindChanged returns the cards of deck modified strictly after since.
	FindChanged(ctx context.Context, deck string, since int64) ([]model.Card, error)

	// FindByUID returns the note tagged with uid.
	FindByUID(ctx context.Context, uid string) (model.Card, bool, error)

	// FindByFirstField returns the cards of deck whose first field has the
	// given match key (see model.MatchKey).
	FindByFirstField(ctx context.Context, deck, key string) ([]model.Card, error)

	// Upsert writes c. A zero NoteID creates a new note; the note id is returned.
	Upsert(ctx context.Context, c model.Card) (int64, error)

	// TagIdentities adds a sync_uid tag to each note id in tags.
	TagIdentities(ctx context.Context, tags map[int64]string) error
}
