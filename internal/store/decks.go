package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
)

// CreateDeck records deck metadata and grants creator the creator role, in
// one transaction. Returns syncerr.ErrDeckExists if the code is taken.
func (s *Store) CreateDeck(ctx context.Context, deck model.Deck, creator string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create deck: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decks (code, name, description, created_at)
		VALUES (?, ?, ?, ?)
	`, deck.Code, deck.Name, deck.Description, s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create deck %q: %w", deck.Code, syncerr.ErrDeckExists)
		}
		return fmt.Errorf("create deck: %w", err)
	}

	if creator != "" {
		if err := grant(ctx, tx, creator, deck.Code, model.RoleCreator); err != nil {
			return fmt.Errorf("create deck: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create deck: commit: %w", err)
	}
	return nil
}

// DeleteDeck removes a deck record and its privileges. A missing deck is not
// an error.
func (s *Store) DeleteDeck(ctx context.Context, code string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete deck: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_decks WHERE deck_code = ?`, code); err != nil {
		return fmt.Errorf("delete deck: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM decks WHERE code = ?`, code); err != nil {
		return fmt.Errorf("delete deck: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete deck: commit: %w", err)
	}
	return nil
}

// Deck returns the metadata of a deck.
func (s *Store) Deck(ctx context.Context, code string) (model.Deck, bool, error) {
	var d model.Deck
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, description FROM decks WHERE code = ?
	`, code).Scan(&d.Code, &d.Name, &d.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deck{}, false, nil
	}
	if err != nil {
		return model.Deck{}, false, fmt.Errorf("read deck: %w", err)
	}
	return d, true, nil
}

// DeckName returns the display name of a deck.
func (s *Store) DeckName(ctx context.Context, code string) (string, bool, error) {
	d, ok, err := s.Deck(ctx, code)
	return d.Name, ok, err
}

// RoleOf returns user's role on the deck. A missing row is reported as ok == false.
func (s *Store) RoleOf(ctx context.Context, user, code string) (model.Role, bool, error) {
	var privilege string
	err := s.db.QueryRowContext(ctx, `
		SELECT privilege FROM user_decks WHERE user_id = ? AND deck_code = ?
	`, user, code).Scan(&privilege)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read role: %w", err)
	}
	role, err := model.ParseRole(privilege)
	if err != nil {
		return "", false, fmt.Errorf("read role: %w", err)
	}
	return role, true, nil
}

// Grant sets user's role on an existing deck, replacing any previous role.
func (s *Store) Grant(ctx context.Context, user, code string, role model.Role) error {
	if _, err := model.ParseRole(string(role)); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	if err := grant(ctx, s.db, user, code, role); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	return nil
}

// Members returns the privileges of a deck keyed by user.
func (s *Store) Members(ctx context.Context, code string) (map[string]model.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, privilege FROM user_decks WHERE deck_code = ?
		ORDER BY user_id ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Role)
	for rows.Next() {
		var user, privilege string
		if err := rows.Scan(&user, &privilege); err != nil {
			return nil, fmt.Errorf("read members: %w", err)
		}
		out[user] = model.Role(privilege)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func grant(ctx context.Context, db execer, user, code string, role model.Role) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_decks (user_id, deck_code, privilege)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, deck_code) DO UPDATE SET privilege = excluded.privilege
	`, user, code, string(role))
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
