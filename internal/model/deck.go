package model

import "sort"

// Deck is the metadata record of a shared deck.
type Deck struct {
	Code        string `json:"deck_code"`
	Name        string `json:"deck_name"`
	Description string `json:"deck_desc"`
}

// Document is the persisted content of one deck: stable identity → card.
type Document map[string]Card

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for uid, c := range d {
		out[uid] = c.Clone()
	}
	return out
}

// MaxModified returns the largest last_modified in the document, or 0.
func (d Document) MaxModified() int64 {
	var latest int64
	for _, c := range d {
		if c.LastModified > latest {
			latest = c.LastModified
		}
	}
	return latest
}

// Sorted returns the cards ordered by stable identity.
func (d Document) Sorted() []Card {
	out := make([]Card, 0, len(d))
	for _, c := range d {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StableUID < out[j].StableUID
	})
	return out
}
