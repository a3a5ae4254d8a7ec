// Package privilege reads deck metadata and per-deck roles from the web
// application's PostgreSQL database.
//
// The tables are the ones the account site manages: login_user,
// login_deck and login_userdeck. Migrate creates them when they are missing,
// for fresh installs and tests.
package privilege

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
)

// Pool is the subset of *pgxpool.Pool used here.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS login_user (
		username VARCHAR(20) PRIMARY KEY,
		password VARCHAR(100) NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS login_deck (
		deck_code VARCHAR(100) PRIMARY KEY,
		deck_name VARCHAR(100) NOT NULL,
		deck_desc TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS login_userdeck (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(20) NOT NULL REFERENCES login_user(username) ON DELETE CASCADE,
		deck_id VARCHAR(100) NOT NULL REFERENCES login_deck(deck_code) ON DELETE CASCADE,
		privilege VARCHAR(50) NOT NULL,
		UNIQUE(user_id, deck_id)
	)`,
}

// Postgres is the privilege store backed by the web app's database.
type Postgres struct {
	Pool Pool
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}

// Migrate creates the tables if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := p.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// RoleOf returns user's privilege on the deck.
func (p *Postgres) RoleOf(ctx context.Context, user, code string) (model.Role, bool, error) {
	var privilege string
	err := p.Pool.QueryRow(ctx, `
		SELECT privilege FROM login_userdeck
		WHERE user_id = $1 AND deck_id = $2
	`, user, code).Scan(&privilege)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read privilege: %w", err)
	}
	role, err := model.ParseRole(privilege)
	if err != nil {
		return "", false, fmt.Errorf("failed to read privilege: %w", err)
	}
	return role, true, nil
}

// DeckName returns the display name of a deck.
func (p *Postgres) DeckName(ctx context.Context, code string) (string, bool, error) {
	var name string
	err := p.Pool.QueryRow(ctx, `
		SELECT deck_name FROM login_deck WHERE deck_code = $1
	`, code).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read deck: %w", err)
	}
	return name, true, nil
}

// CreateDeck inserts the deck and the creator's privilege in one transaction.
// The creator must already be a registered user.
func (p *Postgres) CreateDeck(ctx context.Context, deck model.Deck, creator string) error {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO login_deck (deck_code, deck_name, deck_desc)
		VALUES ($1, $2, $3)
	`, deck.Code, deck.Name, deck.Description)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("create deck %q: %w", deck.Code, syncerr.ErrDeckExists)
		}
		return fmt.Errorf("failed to create deck: %w", err)
	}

	if creator != "" {
		if err := grant(ctx, tx, creator, deck.Code, model.RoleCreator); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteDeck removes the deck; its privileges go with it through the
// foreign key cascade.
func (p *Postgres) DeleteDeck(ctx context.Context, code string) error {
	if _, err := p.Pool.Exec(ctx, `DELETE FROM login_deck WHERE deck_code = $1`, code); err != nil {
		return fmt.Errorf("failed to delete deck: %w", err)
	}
	return nil
}

// Grant sets user's privilege on a deck, replacing any previous one.
func (p *Postgres) Grant(ctx context.Context, user, code string, role model.Role) error {
	if _, err := model.ParseRole(string(role)); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	return grant(ctx, p.Pool, user, code, role)
}

// Members returns the privileges of a deck keyed by user.
func (p *Postgres) Members(ctx context.Context, code string) (map[string]model.Role, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT user_id, privilege FROM login_userdeck
		WHERE deck_id = $1
		ORDER BY user_id ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Role)
	for rows.Next() {
		var user, privilege string
		if err := rows.Scan(&user, &privilege); err != nil {
			return nil, fmt.Errorf("failed to read members: %w", err)
		}
		out[user] = model.Role(privilege)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}
	return out, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func grant(ctx context.Context, db execer, user, code string, role model.Role) error {
	_, err := db.Exec(ctx, `
		INSERT INTO login_userdeck (user_id, deck_id, privilege)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, deck_id) DO UPDATE SET privilege = EXCLUDED.privilege
	`, user, code, string(role))
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("grant %s on %s: unknown user or deck: %w", user, code, err)
		}
		return fmt.Errorf("failed to grant privilege: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
