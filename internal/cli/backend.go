package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/decksync/internal/config"
	"github.com/roach88/decksync/internal/docstore"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/privilege"
	"github.com/roach88/decksync/internal/server"
	"github.com/roach88/decksync/internal/store"
)

// adminPrivileges is a privilege store that also accepts grants and lists
// deck members.
type adminPrivileges interface {
	server.Privileges
	Grant(ctx context.Context, user, code string, role model.Role) error
	Members(ctx context.Context, code string) (map[string]model.Role, error)
}

// backend is the server-side storage selected by configuration.
type backend struct {
	privileges adminPrivileges
	decks      server.DeckStore
	closers    []io.Closer
}

// statusDecks joins deck metadata and deck contents for the status endpoint.
type statusDecks struct {
	server.Privileges
	server.DeckStore
}

// openBackend opens the privilege store and deck store named by cfg. The
// SQLite database is opened once when both use it.
func openBackend(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*backend, error) {
	be := &backend{}

	var st *store.Store
	if cfg.PrivilegeDriver == config.DriverSQLite || cfg.DeckBackend == config.BackendSQLite {
		logger.Info("opening database", "path", cfg.DBPath)
		var err error
		st, err = store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		be.closers = append(be.closers, st)
	}

	switch cfg.PrivilegeDriver {
	case config.DriverPostgres:
		logger.Info("connecting to privilege database")
		pg, err := privilege.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			be.Close()
			return nil, err
		}
		be.closers = append(be.closers, pg)
		if err := pg.Migrate(ctx); err != nil {
			be.Close()
			return nil, err
		}
		be.privileges = pg
	default:
		be.privileges = st
	}

	switch cfg.DeckBackend {
	case config.BackendJSON:
		ds, err := docstore.Open(cfg.DeckDir)
		if err != nil {
			be.Close()
			return nil, err
		}
		be.decks = ds
	default:
		be.decks = st
	}
	return be, nil
}

// Close releases every opened store.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}
