package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/decksync/internal/model"
)

// createTestStore creates a new store in a temp directory with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCard creates a card with two fields and its sync_uid tag.
func createTestCard(uid, front string, modified int64) model.Card {
	return model.Card{
		NoteID:       modified,
		StableUID:    uid,
		DeckName:     "Spanish",
		ModelName:    "Basic",
		Fields:       model.Fields{{Name: "Front", Value: front}, {Name: "Back", Value: "back"}},
		Tags:         model.Tags{"verb", model.UIDTagPrefix + uid},
		CreatedAt:    1,
		LastModified: modified,
		Interval:     3,
	}
}
