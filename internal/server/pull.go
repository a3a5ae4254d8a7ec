package server

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/decksync/internal/merge"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
	"github.com/roach88/decksync/internal/wire"
)

// handlePull streams the cards modified after the client's cursor.
func (s *Server) handlePull(ctx context.Context, c *wire.Conn, req request, logger *slog.Logger) error {
	c.Touch(s.cfg.ReadTimeout)
	raw, err := c.ReadField()
	if err != nil {
		s.abort(c, logger, err)
		return err
	}
	cursor, err := ParseCursor(raw)
	if err != nil {
		s.abort(c, logger, err)
		return err
	}

	if !s.authorize(ctx, req.user, req.code, model.Role.CanRead, logger) {
		return s.deny(c)
	}

	doc, err := s.snapshot(ctx, req.code, false)
	if err != nil {
		_ = s.deny(c)
		return err
	}
	changed := merge.Since(doc, cursor)

	if err := s.accept(c); err != nil {
		return err
	}
	c.Touch(s.cfg.WriteTimeout)
	if err := c.WriteTrailer(changed); err != nil {
		return err
	}
	logger.Info("pull served", "cursor", cursor, "cards", len(changed))
	return nil
}

// handleClone streams the deck name and the whole document.
func (s *Server) handleClone(ctx context.Context, c *wire.Conn, req request, logger *slog.Logger) error {
	if !s.authorize(ctx, req.user, req.code, model.Role.CanRead, logger) {
		return s.deny(c)
	}

	name, ok, err := s.privileges.DeckName(ctx, req.code)
	if err != nil {
		_ = s.deny(c)
		return syncerr.Persistence("read deck name", req.code, err)
	}
	if !ok {
		name = req.code
	}

	doc, err := s.snapshot(ctx, req.code, true)
	if err != nil {
		_ = s.deny(c)
		return err
	}

	if err := s.accept(c); err != nil {
		return err
	}
	c.Touch(s.cfg.WriteTimeout)
	if err := c.WriteField(name); err != nil {
		return err
	}
	c.Touch(s.cfg.WriteTimeout)
	if err := c.WriteTrailer(doc); err != nil {
		return err
	}
	logger.Info("clone served", "cards", len(doc))
	return nil
}

// snapshot loads a deck under its read lock. A missing store is an empty
// document unless mustExist is set.
func (s *Server) snapshot(ctx context.Context, code string, mustExist bool) (model.Document, error) {
	unlock := s.locks.RLock(code)
	defer unlock()

	exists, err := s.decks.Exists(ctx, code)
	if err != nil {
		return nil, syncerr.Persistence("check deck", code, err)
	}
	if !exists {
		if mustExist {
			return nil, &syncerr.Error{Kind: syncerr.KindPersistence, Op: "load deck", DeckCode: code, Message: "no deck store"}
		}
		return model.Document{}, nil
	}
	doc, err := s.decks.Load(ctx, code)
	if err != nil {
		return nil, syncerr.Persistence("load deck", code, err)
	}
	return doc, nil
}

// ParseCursor parses a pull cursor. Integer seconds are expected; a
// fractional timestamp is truncated.
func ParseCursor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, syncerr.Protocol("read cursor", "invalid cursor %q", raw)
	}
	return int64(f), nil
}
