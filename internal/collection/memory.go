package collection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/decksync/internal/model"
)

// Memory is an in-memory Collection.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	decks  map[string]bool
	notes  map[int64]model.Card
	nextID int64
}

// NewMemory returns an empty collection.
func NewMemory() *Memory {
	return &Memory{
		decks:  make(map[string]bool),
		notes:  make(map[int64]model.Card),
		nextID: 1,
	}
}

// DeckNames returns the deck names in sorted order.
func (m *Memory) DeckNames(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.decks))
	for name := range m.decks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateDeck registers an empty deck.
func (m *Memory) CreateDeck(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("create deck: empty name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decks[name] = true
	return nil
}

func (m *Memory) FindChanged(ctx context.Context, deck string, since int64) ([]model.Card, error) {
	return m.filter(func(c model.Card) bool {
		return c.DeckName == deck && c.LastModified > since
	}), nil
}

func (m *Memory) FindByUID(ctx context.Context, uid string) (model.Card, bool, error) {
	found := m.filter(func(c model.Card) bool {
		return c.StableUID == uid
	})
	if len(found) == 0 {
		return model.Card{}, false, nil
	}
	return found[0], true, nil
}

func (m *Memory) FindByFirstField(ctx context.Context, deck, key string) ([]model.Card, error) {
	return m.filter(func(c model.Card) bool {
		return c.DeckName == deck && c.FirstFieldKey() == key
	}), nil
}

// Upsert stores c. The stable identity is taken from the sync_uid tag.
func (m *Memory) Upsert(ctx context.Context, c model.Card) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.DeckName == "" {
		return 0, fmt.Errorf("upsert: card has no deck")
	}
	if c.NoteID == 0 {
		c.NoteID = m.nextID
		m.nextID++
	} else if _, ok := m.notes[c.NoteID]; !ok {
		return 0, fmt.Errorf("upsert: note %d not found", c.NoteID)
	}
	c = c.Clone()
	c.StableUID = c.Tags.UID()
	m.decks[c.DeckName] = true
	m.notes[c.NoteID] = c
	return c.NoteID, nil
}

// TagIdentities adds sync_uid tags. All note ids must exist.
func (m *Memory) TagIdentities(ctx context.Context, tags map[int64]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range tags {
		if _, ok := m.notes[id]; !ok {
			return fmt.Errorf("tag identities: note %d not found", id)
		}
	}
	for id, uid := range tags {
		c := m.notes[id]
		c.Tags = c.Tags.WithUID(uid)
		c.StableUID = uid
		m.notes[id] = c
	}
	return nil
}

// Notes returns every note ordered by note id.
func (m *Memory) Notes() []model.Card {
	return m.filter(func(model.Card) bool { return true })
}

func (m *Memory) filter(keep func(model.Card) bool) []model.Card {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Card
	for _, c := range m.notes {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NoteID < out[j].NoteID
	})
	return out
}
