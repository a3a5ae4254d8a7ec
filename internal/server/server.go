// Package server implements the decksync sync server.
//
// Each connection runs one request through a linear state machine:
//
//	AWAIT_OPCODE → AWAIT_IDENTITY → AWAIT_DECKCODE → AUTHORIZING →
//	MERGING | FILTERING → RESPONDING → CLOSED
//
// Every failure before a verdict is written becomes a single deny byte.
// After a document has started streaming the only signal left is closing the
// connection early, which the client sees as a truncated payload.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/keylock"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
	"github.com/roach88/decksync/internal/wire"
)

// Privileges resolves per-deck roles and deck metadata.
type Privileges interface {
	// RoleOf returns user's role on the deck; ok is false when there is no record.
	RoleOf(ctx context.Context, user, code string) (role model.Role, ok bool, err error)

	// CreateDeck records the deck and grants creator the creator role.
	// Returns syncerr.ErrDeckExists when the code is taken.
	CreateDeck(ctx context.Context, deck model.Deck, creator string) error

	// DeleteDeck removes the deck record and every privilege on it.
	DeleteDeck(ctx context.Context, code string) error

	// DeckName returns the display name of a deck.
	DeckName(ctx context.Context, code string) (name string, ok bool, err error)
}

// DeckStore persists deck documents. Save must be atomic.
type DeckStore interface {
	Exists(ctx context.Context, code string) (bool, error)
	Load(ctx context.Context, code string) (model.Document, error)
	Save(ctx context.Context, code string, doc model.Document) error
}

const (
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultMaxBatchBytes = 64 << 20
)

// Config bounds each connection.
type Config struct {
	// ReadTimeout bounds each protocol read step.
	ReadTimeout time.Duration

	// WriteTimeout bounds each protocol write step.
	WriteTimeout time.Duration

	// MaxBatchBytes bounds a pushed card batch.
	MaxBatchBytes int64

	// MaxFieldBytes bounds a prefixed field; zero uses wire.DefaultMaxField.
	MaxFieldBytes int64
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	return c
}

// Server serves sync requests. Create with New.
type Server struct {
	privileges Privileges
	decks      DeckStore
	gen        identity.Generator
	cfg        Config
	logger     *slog.Logger

	locks keylock.Map

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a server. A nil logger uses slog.Default().
func New(privileges Privileges, decks DeckStore, gen identity.Generator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		privileges: privileges,
		decks:      decks,
		gen:        gen,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled, handling each on
// its own goroutine. It returns nil after a cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("sync server listening", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.track(nc, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(nc, false)
			s.HandleConn(ctx, nc)
		}()
	}
}

// Shutdown waits for in-flight connections. If ctx expires first the
// remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for nc := range s.conns {
			nc.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) track(nc net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[nc] = struct{}{}
	} else {
		delete(s.conns, nc)
	}
}

// request is the common header of every operation.
type request struct {
	op   wire.Opcode
	user string
	code string
}

// HandleConn runs one request on nc and closes it.
func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c := wire.NewConn(nc, s.cfg.MaxFieldBytes)
	logger := s.logger.With("remote", nc.RemoteAddr().String())

	req, err := s.readHeader(c)
	if err != nil {
		s.abort(c, logger, err)
		return
	}
	logger = logger.With("op", req.op.String(), "user", req.user, "deck", req.code)
	logger.Debug("request received")

	switch req.op {
	case wire.OpPush:
		err = s.handlePush(ctx, c, req, logger)
	case wire.OpPull:
		err = s.handlePull(ctx, c, req, logger)
	case wire.OpClone:
		err = s.handleClone(ctx, c, req, logger)
	}
	if err != nil {
		logger.Warn("request failed", "error", err)
	}
}

// readHeader walks AWAIT_OPCODE, AWAIT_IDENTITY and AWAIT_DECKCODE.
func (s *Server) readHeader(c *wire.Conn) (request, error) {
	var req request
	var err error

	c.Touch(s.cfg.ReadTimeout)
	if req.op, err = c.ReadOpcode(); err != nil {
		return req, err
	}
	c.Touch(s.cfg.ReadTimeout)
	if req.user, err = c.ReadField(); err != nil {
		return req, err
	}
	c.Touch(s.cfg.ReadTimeout)
	if req.code, err = c.ReadField(); err != nil {
		return req, err
	}
	if req.user == "" || req.code == "" {
		return req, syncerr.Protocol("read header", "empty requester id or deck code")
	}
	return req, nil
}

// abort answers a protocol violation with a deny byte. Transport failures
// get no reply since the stream is already unusable.
func (s *Server) abort(c *wire.Conn, logger *slog.Logger, err error) {
	if syncerr.IsProtocol(err) {
		c.Touch(s.cfg.WriteTimeout)
		_ = c.WriteVerdict(false)
		logger.Warn("protocol violation", "error", err)
		return
	}
	logger.Debug("connection dropped", "error", err)
}

func (s *Server) deny(c *wire.Conn) error {
	c.Touch(s.cfg.WriteTimeout)
	return c.WriteVerdict(false)
}

func (s *Server) accept(c *wire.Conn) error {
	c.Touch(s.cfg.WriteTimeout)
	return c.WriteVerdict(true)
}

// authorize reports whether user holds a role satisfying allowed. A missing
// record, an unknown role or a lookup failure are all denials.
func (s *Server) authorize(ctx context.Context, user, code string, allowed func(model.Role) bool, logger *slog.Logger) bool {
	role, ok, err := s.privileges.RoleOf(ctx, user, code)
	if err != nil {
		logger.Warn("privilege lookup failed", "error", err)
		return false
	}
	if !ok {
		logger.Info("no privilege record")
		return false
	}
	if !allowed(role) {
		logger.Info("insufficient privilege", "role", string(role))
		return false
	}
	return true
}
