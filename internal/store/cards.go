package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/decksync/internal/model"
)

// Exists reports whether a deck document has been saved for code.
func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM deck_stores WHERE deck_code = ?
	`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read deck store: %w", err)
	}
	return true, nil
}

// Load returns the deck document for code. A missing deck store loads as an
// empty document.
func (s *Store) Load(ctx context.Context, code string) (model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stable_uid, note_id, deck_name, model_name, fields, tags,
		       created_at, last_modified, interval
		FROM cards
		WHERE deck_code = ?
		ORDER BY stable_uid ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("load deck: %w", err)
	}
	defer rows.Close()

	doc := make(model.Document)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("load deck: %w", err)
		}
		doc[c.StableUID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load deck: %w", err)
	}
	return doc, nil
}

// Save replaces the deck document for code in one transaction.
func (s *Store) Save(ctx context.Context, code string, doc model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save deck: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deck_stores (deck_code, saved_at) VALUES (?, ?)
		ON CONFLICT(deck_code) DO UPDATE SET saved_at = excluded.saved_at
	`, code, s.now().Unix())
	if err != nil {
		return fmt.Errorf("save deck: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE deck_code = ?`, code); err != nil {
		return fmt.Errorf("save deck: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cards
		(deck_code, stable_uid, note_id, deck_name, model_name, fields, tags,
		 created_at, last_modified, interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save deck: %w", err)
	}
	defer stmt.Close()

	for uid, c := range doc {
		if uid == "" || uid != c.StableUID {
			return fmt.Errorf("save deck: card key %q does not match stable_uid %q", uid, c.StableUID)
		}
		fields, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Errorf("save deck: card %s: %w", uid, err)
		}
		_, err = stmt.ExecContext(ctx,
			code,
			c.StableUID,
			c.NoteID,
			c.DeckName,
			c.ModelName,
			string(fields),
			c.Tags.String(),
			c.CreatedAt,
			c.LastModified,
			c.Interval,
		)
		if err != nil {
			return fmt.Errorf("save deck: card %s: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save deck: commit: %w", err)
	}
	return nil
}

func scanCard(rows *sql.Rows) (model.Card, error) {
	var (
		c      model.Card
		fields string
		tags   string
	)
	err := rows.Scan(
		&c.StableUID,
		&c.NoteID,
		&c.DeckName,
		&c.ModelName,
		&fields,
		&tags,
		&c.CreatedAt,
		&c.LastModified,
		&c.Interval,
	)
	if err != nil {
		return model.Card{}, err
	}
	if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
		return model.Card{}, fmt.Errorf("card %s fields: %w", c.StableUID, err)
	}
	if t := strings.Fields(tags); len(t) > 0 {
		c.Tags = model.Tags(t)
	}
	return c, nil
}
