package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/decksync/internal/merge"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
	"github.com/roach88/decksync/internal/wire"
)

// handlePush runs push: deck name, privilege verdict, batch, final verdict.
// The deck-name field is always sent; an empty name falls back to the code.
func (s *Server) handlePush(ctx context.Context, c *wire.Conn, req request, logger *slog.Logger) error {
	c.Touch(s.cfg.ReadTimeout)
	name, err := c.ReadField()
	if err != nil {
		s.abort(c, logger, err)
		return err
	}

	creating, allowed := s.authorizePush(ctx, req, logger)
	if !allowed {
		// The batch is never read.
		return s.deny(c)
	}
	if err := s.accept(c); err != nil {
		return err
	}

	var batch []model.Card
	c.Touch(s.cfg.ReadTimeout)
	if err := c.ReadTrailer(&batch, s.cfg.MaxBatchBytes); err != nil {
		s.abort(c, logger, err)
		return err
	}

	report, err := s.mergeBatch(ctx, req, name, batch, creating, logger)
	if err != nil {
		_ = s.deny(c)
		return err
	}

	logger.Info("push merged",
		"cards", len(batch),
		"inserted", report.Inserted,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"created", creating)
	return s.accept(c)
}

// authorizePush decides the privilege verdict. A deck with neither a store
// nor a metadata record is being created and needs no privilege; otherwise
// the requester needs a writing role.
func (s *Server) authorizePush(ctx context.Context, req request, logger *slog.Logger) (creating, allowed bool) {
	exists, err := s.decks.Exists(ctx, req.code)
	if err != nil {
		logger.Warn("deck store lookup failed", "error", err)
		return false, false
	}
	if !exists {
		_, known, err := s.privileges.DeckName(ctx, req.code)
		if err != nil {
			logger.Warn("deck lookup failed", "error", err)
			return false, false
		}
		if !known {
			return true, true
		}
	}
	return false, s.authorize(ctx, req.user, req.code, model.Role.CanWrite, logger)
}

// mergeBatch holds the deck's write lock for the read-modify-write.
func (s *Server) mergeBatch(ctx context.Context, req request, name string, batch []model.Card, creating bool, logger *slog.Logger) (merge.Report, error) {
	unlock := s.locks.Lock(req.code)
	defer unlock()

	exists, err := s.decks.Exists(ctx, req.code)
	if err != nil {
		return merge.Report{}, syncerr.Persistence("check deck", req.code, err)
	}

	created := false
	if !exists {
		if name == "" {
			name = req.code
		}
		err := s.privileges.CreateDeck(ctx, model.Deck{Code: req.code, Name: name}, req.user)
		switch {
		case errors.Is(err, syncerr.ErrDeckExists):
			// A concurrent creator won, or the deck was registered
			// without a store.
			if !s.authorize(ctx, req.user, req.code, model.Role.CanWrite, logger) {
				return merge.Report{}, syncerr.Authorization("push", req.user, req.code)
			}
		case err != nil:
			return merge.Report{}, syncerr.Persistence("create deck", req.code, err)
		default:
			created = true
			logger.Info("deck created", "name", name)
		}
	} else if creating {
		// The store appeared between the privilege verdict and the lock.
		if !s.authorize(ctx, req.user, req.code, model.Role.CanWrite, logger) {
			return merge.Report{}, syncerr.Authorization("push", req.user, req.code)
		}
	}

	doc, err := s.decks.Load(ctx, req.code)
	if err != nil {
		s.undoCreate(ctx, req.code, created, logger)
		return merge.Report{}, syncerr.Persistence("load deck", req.code, err)
	}

	merged, report := merge.Reconcile(doc, batch, s.gen)
	if exists && !report.Changed() {
		return report, nil
	}
	if err := s.decks.Save(ctx, req.code, merged); err != nil {
		s.undoCreate(ctx, req.code, created, logger)
		return merge.Report{}, syncerr.Persistence("save deck", req.code, fmt.Errorf("%d cards: %w", len(merged), err))
	}
	return report, nil
}

// undoCreate removes the deck record this push created when its first save
// failed, so the code is free for creation again.
func (s *Server) undoCreate(ctx context.Context, code string, created bool, logger *slog.Logger) {
	if !created {
		return
	}
	if err := s.privileges.DeleteDeck(context.WithoutCancel(ctx), code); err != nil {
		logger.Error("failed to remove deck record after failed save", "error", err)
		return
	}
	logger.Info("deck record removed after failed save")
}
