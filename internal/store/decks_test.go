package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
)

func TestCreateDeck_GrantsCreator(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	deck := model.Deck{Code: "apple+river", Name: "Spanish", Description: "verbs"}
	if err := s.CreateDeck(ctx, deck, "alice"); err != nil {
		t.Fatalf("CreateDeck() failed: %v", err)
	}

	got, ok, err := s.Deck(ctx, "apple+river")
	if err != nil || !ok {
		t.Fatalf("Deck() = %v, %v, %v", got, ok, err)
	}
	if got != deck {
		t.Errorf("Deck() = %+v, want %+v", got, deck)
	}

	role, ok, err := s.RoleOf(ctx, "alice", "apple+river")
	if err != nil || !ok || role != model.RoleCreator {
		t.Errorf("RoleOf(alice) = %q, %v, %v; want creator", role, ok, err)
	}
}

func TestCreateDeck_Duplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	deck := model.Deck{Code: "dup", Name: "Spanish"}
	if err := s.CreateDeck(ctx, deck, "alice"); err != nil {
		t.Fatalf("first CreateDeck() failed: %v", err)
	}

	err := s.CreateDeck(ctx, deck, "bob")
	if !errors.Is(err, syncerr.ErrDeckExists) {
		t.Fatalf("second CreateDeck() = %v, want ErrDeckExists", err)
	}

	// bob's grant was rolled back with the failed insert
	if _, ok, _ := s.RoleOf(ctx, "bob", "dup"); ok {
		t.Error("bob should have no role after failed create")
	}
}

func TestRoleOf_Missing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	role, ok, err := s.RoleOf(ctx, "nobody", "nothing")
	if err != nil {
		t.Fatalf("RoleOf() error: %v", err)
	}
	if ok || role != "" {
		t.Errorf("RoleOf() = %q, %v; want no role", role, ok)
	}
}

func TestGrant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateDeck(ctx, model.Deck{Code: "c1", Name: "Spanish"}, "alice"); err != nil {
		t.Fatalf("CreateDeck() failed: %v", err)
	}

	if err := s.Grant(ctx, "bob", "c1", model.RoleReader); err != nil {
		t.Fatalf("Grant(reader) failed: %v", err)
	}
	if err := s.Grant(ctx, "bob", "c1", model.RoleWriter); err != nil {
		t.Fatalf("Grant(writer) failed: %v", err)
	}

	role, _, _ := s.RoleOf(ctx, "bob", "c1")
	if role != model.RoleWriter {
		t.Errorf("RoleOf(bob) = %q, want writer", role)
	}

	members, err := s.Members(ctx, "c1")
	if err != nil {
		t.Fatalf("Members() failed: %v", err)
	}
	if len(members) != 2 || members["alice"] != model.RoleCreator || members["bob"] != model.RoleWriter {
		t.Errorf("Members() = %v", members)
	}
}

func TestGrant_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Grant(ctx, "bob", "missing-deck", model.RoleReader); err == nil {
		t.Error("Grant() on unknown deck should fail")
	}

	if err := s.CreateDeck(ctx, model.Deck{Code: "c1", Name: "Spanish"}, ""); err != nil {
		t.Fatalf("CreateDeck() failed: %v", err)
	}
	if err := s.Grant(ctx, "bob", "c1", model.Role("owner")); err == nil {
		t.Error("Grant() with unknown role should fail")
	}
}

func TestRoleOf_UnknownStoredRole(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateDeck(ctx, model.Deck{Code: "c1", Name: "Spanish"}, ""); err != nil {
		t.Fatalf("CreateDeck() failed: %v", err)
	}
	// Bypass the CHECK constraint the way a legacy database might.
	if _, err := s.db.Exec(`PRAGMA ignore_check_constraints = ON`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO user_decks VALUES ('eve', 'c1', 'owner')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, ok, err := s.RoleOf(ctx, "eve", "c1"); err == nil || ok {
		t.Errorf("RoleOf() with unknown stored role = ok %v, err %v; want error", ok, err)
	}
}

func TestDeleteDeck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateDeck(ctx, model.Deck{Code: "c1", Name: "Spanish"}, "alice"); err != nil {
		t.Fatalf("CreateDeck() failed: %v", err)
	}
	if err := s.Grant(ctx, "bob", "c1", model.RoleReader); err != nil {
		t.Fatalf("Grant() failed: %v", err)
	}

	if err := s.DeleteDeck(ctx, "c1"); err != nil {
		t.Fatalf("DeleteDeck() failed: %v", err)
	}
	if _, ok, _ := s.DeckName(ctx, "c1"); ok {
		t.Error("DeckName() still reports the deleted deck")
	}
	members, err := s.Members(ctx, "c1")
	if err != nil {
		t.Fatalf("Members() failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("Members() = %v, want none", members)
	}

	if err := s.DeleteDeck(ctx, "c1"); err != nil {
		t.Errorf("DeleteDeck() on missing deck failed: %v", err)
	}
	if err := s.CreateDeck(ctx, model.Deck{Code: "c1", Name: "French"}, "bob"); err != nil {
		t.Errorf("CreateDeck() after delete failed: %v", err)
	}
}
