package client

import (
	"context"
	"fmt"

	"github.com/roach88/decksync/internal/merge"
	"github.com/roach88/decksync/internal/model"
)

// apply writes received cards into the local deck.
//
// A card is matched to a local note by its sync_uid tag, then by first field
// within the deck. Matched notes are overwritten only when the received card
// is strictly newer; unmatched cards become new notes.
func (s *Session) apply(ctx context.Context, deck string, doc model.Document) (merge.Report, error) {
	var report merge.Report
	untagged := make(map[int64]string)

	for _, in := range doc.Sorted() {
		in = in.Clone()
		if in.StableUID == "" {
			in.StableUID = in.Tags.UID()
		}
		if in.StableUID == "" {
			return report, fmt.Errorf("apply: card without identity")
		}
		in.DeckName = deck
		in.Tags = in.Tags.WithUID(in.StableUID)

		local, found, err := s.col.FindByUID(ctx, in.StableUID)
		if err != nil {
			return report, fmt.Errorf("apply: find by uid: %w", err)
		}
		if !found {
			local, found, err = s.matchFirstField(ctx, deck, in)
			if err != nil {
				return report, err
			}
			if found && local.Tags.UID() == "" {
				untagged[local.NoteID] = in.StableUID
			}
		}

		outcome := merge.Decide(local, found, in)
		report.Add(outcome)
		switch outcome {
		case merge.Inserted:
			in.NoteID = 0
		case merge.Updated:
			in.NoteID = local.NoteID
			delete(untagged, local.NoteID)
		default:
			continue
		}
		if _, err := s.col.Upsert(ctx, in); err != nil {
			return report, fmt.Errorf("apply %s: %w", in.StableUID, err)
		}
	}

	// Skipped first-field matches still learn the identity so later pushes
	// do not fork the card.
	if len(untagged) > 0 {
		if err := s.col.TagIdentities(ctx, untagged); err != nil {
			return report, fmt.Errorf("apply: %w", err)
		}
	}
	return report, nil
}

func (s *Session) matchFirstField(ctx context.Context, deck string, in model.Card) (model.Card, bool, error) {
	key := in.FirstFieldKey()
	if key == "" {
		return model.Card{}, false, nil
	}
	matches, err := s.col.FindByFirstField(ctx, deck, key)
	if err != nil {
		return model.Card{}, false, fmt.Errorf("apply: find by first field: %w", err)
	}
	for _, m := range matches {
		if uid := m.Tags.UID(); uid == "" || uid == in.StableUID {
			return m, true, nil
		}
	}
	return model.Card{}, false, nil
}
