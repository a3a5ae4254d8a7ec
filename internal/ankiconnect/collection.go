package ankiconnect

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/decksync/internal/collection"
	"github.com/roach88/decksync/internal/model"
)

var _ collection.Collection = (*Client)(nil)

// noteInfo is one entry of a notesInfo result.
type noteInfo struct {
	NoteID    int64                `json:"noteId"`
	ModelName string               `json:"modelName"`
	Tags      []string             `json:"tags"`
	Fields    map[string]fieldInfo `json:"fields"`
	Mod       int64                `json:"mod"`
}

type fieldInfo struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

func (n noteInfo) card(deck string) model.Card {
	names := make([]string, 0, len(n.Fields))
	for name := range n.Fields {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return n.Fields[names[i]].Order < n.Fields[names[j]].Order
	})

	fields := make(model.Fields, 0, len(names))
	for _, name := range names {
		fields = append(fields, model.Field{Name: name, Value: n.Fields[name].Value})
	}

	tags := model.Tags(n.Tags)
	return model.Card{
		NoteID:       n.NoteID,
		StableUID:    tags.UID(),
		DeckName:     deck,
		ModelName:    n.ModelName,
		Fields:       fields,
		Tags:         tags,
		CreatedAt:    n.NoteID,
		LastModified: n.Mod,
		Interval:     1,
	}
}

// DeckNames lists the collection's decks.
func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.Invoke(ctx, "deckNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateDeck creates the deck if it does not exist.
func (c *Client) CreateDeck(ctx context.Context, name string) error {
	return c.Invoke(ctx, "createDeck", map[string]any{"deck": name}, nil)
}

// FindChanged returns the notes of deck whose mod time is after since.
func (c *Client) FindChanged(ctx context.Context, deck string, since int64) ([]model.Card, error) {
	cards, err := c.deckCards(ctx, deck)
	if err != nil {
		return nil, err
	}
	out := cards[:0]
	for _, card := range cards {
		if card.LastModified > since {
			out = append(out, card)
		}
	}
	return out, nil
}

// FindByUID returns the note carrying the sync_uid tag for uid. The deck
// name is not reported by notesInfo and is left empty.
func (c *Client) FindByUID(ctx context.Context, uid string) (model.Card, bool, error) {
	ids, err := c.findNotes(ctx, "tag:"+model.UIDTagPrefix+uid)
	if err != nil {
		return model.Card{}, false, err
	}
	if len(ids) == 0 {
		return model.Card{}, false, nil
	}
	notes, err := c.notesInfo(ctx, ids[:1])
	if err != nil {
		return model.Card{}, false, err
	}
	if len(notes) == 0 {
		return model.Card{}, false, nil
	}
	return notes[0].card(""), true, nil
}

// FindByFirstField returns the notes of deck whose first field has key as
// its match key.
func (c *Client) FindByFirstField(ctx context.Context, deck, key string) ([]model.Card, error) {
	cards, err := c.deckCards(ctx, deck)
	if err != nil {
		return nil, err
	}
	var out []model.Card
	for _, card := range cards {
		if card.FirstFieldKey() == key {
			out = append(out, card)
		}
	}
	return out, nil
}

// Upsert adds a note when card has no note id, otherwise replaces the note's
// fields and tags.
func (c *Client) Upsert(ctx context.Context, card model.Card) (int64, error) {
	if card.NoteID == 0 {
		var id int64
		err := c.Invoke(ctx, "addNote", map[string]any{
			"note": map[string]any{
				"deckName":  card.DeckName,
				"modelName": card.ModelName,
				"fields":    card.Fields,
				"tags":      []string(card.Tags),
				"options":   map[string]any{"allowDuplicate": false},
			},
		}, &id)
		if err != nil {
			return 0, err
		}
		return id, nil
	}

	err := c.Invoke(ctx, "updateNoteFields", map[string]any{
		"note": map[string]any{"id": card.NoteID, "fields": card.Fields},
	}, nil)
	if err != nil {
		return 0, err
	}
	err = c.Invoke(ctx, "updateNoteTags", map[string]any{
		"note": card.NoteID,
		"tags": []string(card.Tags),
	}, nil)
	if err != nil {
		return 0, err
	}
	return card.NoteID, nil
}

// TagIdentities adds sync_uid tags in "multi" requests of at most the
// configured chunk size.
func (c *Client) TagIdentities(ctx context.Context, tags map[int64]string) error {
	ids := make([]int64, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, chunk := range chunks(ids, c.chunkSize) {
		actions := make([]request, 0, len(chunk))
		for _, id := range chunk {
			actions = append(actions, request{
				Action:  "addTags",
				Version: apiVersion,
				Params: map[string]any{
					"notes": []int64{id},
					"tags":  model.UIDTagPrefix + tags[id],
				},
			})
		}
		var results []any
		if err := c.Invoke(ctx, "multi", map[string]any{"actions": actions}, &results); err != nil {
			return fmt.Errorf("tag identities: %w", err)
		}
		if err := multiError(results); err != nil {
			return fmt.Errorf("tag identities: %w", err)
		}
	}
	return nil
}

// multiError returns the first error embedded in a multi result. Results are
// either bare values or {"result":..., "error":...} objects depending on the
// add-on version.
func multiError(results []any) error {
	for _, r := range results {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return &APIError{Action: "multi", Message: msg}
		}
	}
	return nil
}

func (c *Client) deckCards(ctx context.Context, deck string) ([]model.Card, error) {
	ids, err := c.findNotes(ctx, "deck:"+strconv.Quote(deck))
	if err != nil {
		return nil, err
	}
	var cards []model.Card
	for _, chunk := range chunks(ids, c.chunkSize) {
		notes, err := c.notesInfo(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, n := range notes {
			cards = append(cards, n.card(deck))
		}
	}
	return cards, nil
}

func (c *Client) findNotes(ctx context.Context, query string) ([]int64, error) {
	var ids []int64
	if err := c.Invoke(ctx, "findNotes", map[string]any{"query": query}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) notesInfo(ctx context.Context, ids []int64) ([]noteInfo, error) {
	var notes []noteInfo
	if err := c.Invoke(ctx, "notesInfo", map[string]any{"notes": ids}, &notes); err != nil {
		return nil, err
	}
	// Deleted notes come back as empty objects.
	out := notes[:0]
	for _, n := range notes {
		if n.NoteID != 0 {
			out = append(out, n)
		}
	}
	return out, nil
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for size > 0 && len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
