package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/decksync/internal/collection"
	"github.com/roach88/decksync/internal/model"
)

// Stats counts what Resolve did.
type Stats struct {
	Existing  int
	Adopted   int
	Generated int
}

// Resolver makes sure every outgoing card carries a stable identity, and
// writes new identities back into the local collection as sync_uid tags.
type Resolver struct {
	col    collection.Collection
	gen    Generator
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil logger uses slog.Default().
func NewResolver(col collection.Collection, gen Generator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{col: col, gen: gen, logger: logger}
}

// Resolve returns copies of cards that all carry a stable identity.
//
// A card keeps the identity from its StableUID or sync_uid tag. A card
// without one adopts the identity of a card in the same deck whose first
// field matches, either stored or earlier in the same batch, and otherwise
// gets a freshly generated one. Tag writes are sent to the collection in one
// batch.
func (r *Resolver) Resolve(ctx context.Context, cards []model.Card) ([]model.Card, Stats, error) {
	var stats Stats
	out := make([]model.Card, 0, len(cards))
	pending := make(map[int64]string)
	batch := make(map[firstField]string)

	for _, c := range cards {
		c = c.Clone()
		uid := c.StableUID
		if uid == "" {
			uid = c.Tags.UID()
		}

		switch {
		case uid != "":
			stats.Existing++
		default:
			adopted, err := r.adopt(ctx, c)
			if err != nil {
				return nil, stats, err
			}
			if adopted == "" {
				adopted = batch[keyOf(c)]
			}
			if adopted != "" {
				uid = adopted
				stats.Adopted++
			} else {
				uid = r.gen.Generate()
				stats.Generated++
			}
		}

		if c.Tags.UID() != uid {
			c.Tags = c.Tags.WithUID(uid)
			if c.NoteID != 0 {
				pending[c.NoteID] = uid
			}
		}
		c.StableUID = uid
		if k := keyOf(c); k.key != "" {
			if _, ok := batch[k]; !ok {
				batch[k] = uid
			}
		}
		out = append(out, c)
	}

	if len(pending) > 0 {
		if err := r.col.TagIdentities(ctx, pending); err != nil {
			return nil, stats, fmt.Errorf("tag identities: %w", err)
		}
	}

	r.logger.Debug("identities resolved",
		"existing", stats.Existing,
		"adopted", stats.Adopted,
		"generated", stats.Generated)
	return out, stats, nil
}

// adopt looks for another card in the same deck with the same first field
// that already has an identity.
func (r *Resolver) adopt(ctx context.Context, c model.Card) (string, error) {
	key := c.FirstFieldKey()
	if key == "" {
		return "", nil
	}
	matches, err := r.col.FindByFirstField(ctx, c.DeckName, key)
	if err != nil {
		return "", fmt.Errorf("find by first field: %w", err)
	}
	for _, m := range matches {
		if m.NoteID == c.NoteID && c.NoteID != 0 {
			continue
		}
		if uid := m.Tags.UID(); uid != "" {
			return uid, nil
		}
		if m.StableUID != "" {
			return m.StableUID, nil
		}
	}
	return "", nil
}

type firstField struct {
	deck, key string
}

func keyOf(c model.Card) firstField {
	return firstField{deck: c.DeckName, key: c.FirstFieldKey()}
}
