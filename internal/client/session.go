// Package client implements the client side of deck sync: push, pull and
// clone against a sync server, applied to a local card collection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/decksync/internal/collection"
	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/localstate"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
	"github.com/roach88/decksync/internal/wire"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultRoundTripTimeout = 60 * time.Second
	DefaultMaxDocumentBytes = 64 << 20
)

// ErrNoDeckCode is returned by Pull for a deck that was never pushed or cloned.
var ErrNoDeckCode = errors.New("deck has no deck code")

// ErrAlreadyCloned is returned by Clone when the code is already linked to a local deck.
var ErrAlreadyCloned = errors.New("deck code already linked to a local deck")

// Config configures how a Session reaches the server.
type Config struct {
	Addr string
	User string

	DialTimeout      time.Duration
	RoundTripTimeout time.Duration
	MaxDocumentBytes int64
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RoundTripTimeout <= 0 {
		c.RoundTripTimeout = DefaultRoundTripTimeout
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	return c
}

// Result is the user-visible outcome of an operation. OK is false when the
// server denied the request; Message explains why.
type Result struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Received int    `json:"received"`
	Sent     int    `json:"sent"`
	DeckCode string `json:"deck_code,omitempty"`
	Cursor   int64  `json:"cursor"`
}

// Session runs sync operations for one user.
//
// Thread-safety: operations are serialized; a Session may be shared.
type Session struct {
	cfg      Config
	col      collection.Collection
	state    *localstate.State
	resolver *identity.Resolver
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a session. A nil logger uses slog.Default().
func New(cfg Config, col collection.Collection, state *localstate.State, resolver *identity.Resolver, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		col:      col,
		state:    state,
		resolver: resolver,
		logger:   logger.With("user", cfg.User),
	}
}

// Push sends the deck's cards changed since its cursor. The first push of
// a deck assigns it a deck code.
func (s *Session) Push(ctx context.Context, deck string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since, _, err := s.state.Cursor(deck)
	if err != nil {
		return Result{}, fmt.Errorf("push %q: %w", deck, err)
	}
	return s.push(ctx, deck, since, nil)
}

// push sends the cards of deck modified after since. Cards whose identity
// and last_modified match an entry of pulled were just received from the
// server and are not sent back.
func (s *Session) push(ctx context.Context, deck string, since int64, pulled model.Document) (Result, error) {
	code, created, err := s.state.CodeFor(deck)
	if err != nil {
		return Result{}, fmt.Errorf("push %q: %w", deck, err)
	}
	if created {
		s.logger.Info("deck code assigned", "deck", deck, "code", code)
	}

	found, err := s.col.FindChanged(ctx, deck, since)
	if err != nil {
		return Result{}, fmt.Errorf("push %q: find changed: %w", deck, err)
	}
	changed := withoutEchoes(found, pulled)
	res := Result{DeckCode: code, Cursor: since}
	if len(changed) == 0 {
		res.OK = true
		res.Message = "nothing to push"
		return res, nil
	}

	cards, stats, err := s.resolver.Resolve(ctx, changed)
	if err != nil {
		return Result{}, fmt.Errorf("push %q: %w", deck, err)
	}
	s.logger.Debug("push prepared", "deck", deck, "cards", len(cards), "generated", stats.Generated, "adopted", stats.Adopted)

	c, err := s.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	if err := s.header(c, wire.OpPush, code); err != nil {
		return Result{}, err
	}
	if err := c.WriteField(deck); err != nil {
		return Result{}, err
	}
	ok, err := s.verdict(c)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		s.logger.Warn("push denied", "deck", deck, "code", code)
		res.Message = "access denied: no write privilege for " + code
		return res, nil
	}

	c.Touch(s.cfg.RoundTripTimeout)
	if err := c.WriteTrailer(cards); err != nil {
		return Result{}, err
	}
	ok, err = s.verdict(c)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		res.Message = "server rejected the batch"
		return res, nil
	}

	res.OK = true
	res.Sent = len(cards)
	res.Message = fmt.Sprintf("pushed %d cards", len(cards))
	s.logger.Info("push complete", "deck", deck, "code", code, "cards", len(cards))
	return res, nil
}

// Pull fetches the cards modified on the server since the deck's cursor and
// applies them locally.
func (s *Session) Pull(ctx context.Context, deck string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, _, err := s.state.Cursor(deck)
	if err != nil {
		return Result{}, fmt.Errorf("pull %q: %w", deck, err)
	}
	res, _, err := s.pull(ctx, deck, cursor)
	return res, err
}

// pull fetches and applies the cards modified after cursor, returning the
// received document.
func (s *Session) pull(ctx context.Context, deck string, cursor int64) (Result, model.Document, error) {
	code, ok, err := s.state.Code(deck)
	if err != nil {
		return Result{}, nil, fmt.Errorf("pull %q: %w", deck, err)
	}
	if !ok {
		return Result{}, nil, fmt.Errorf("pull %q: %w", deck, ErrNoDeckCode)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return Result{}, nil, err
	}
	defer c.Close()

	if err := s.header(c, wire.OpPull, code); err != nil {
		return Result{}, nil, err
	}
	if err := c.WriteField(strconv.FormatInt(cursor, 10)); err != nil {
		return Result{}, nil, err
	}
	if err := c.CloseWrite(); err != nil {
		return Result{}, nil, err
	}

	res := Result{DeckCode: code, Cursor: cursor}
	ok, err = s.verdict(c)
	if err != nil {
		return Result{}, nil, err
	}
	if !ok {
		s.logger.Warn("pull denied", "deck", deck, "code", code)
		res.Message = "access denied: no read privilege for " + code
		return res, nil, nil
	}

	var doc model.Document
	c.Touch(s.cfg.RoundTripTimeout)
	if err := c.ReadTrailer(&doc, s.cfg.MaxDocumentBytes); err != nil {
		return Result{}, nil, err
	}

	report, err := s.apply(ctx, deck, doc)
	if err != nil {
		return Result{}, nil, fmt.Errorf("pull %q: %w", deck, err)
	}
	next, err := s.state.AdvanceCursor(deck, doc.MaxModified())
	if err != nil {
		return Result{}, nil, fmt.Errorf("pull %q: %w", deck, err)
	}

	res.OK = true
	res.Received = len(doc)
	res.Inserted, res.Updated, res.Skipped = report.Inserted, report.Updated, report.Skipped
	res.Cursor = next
	res.Message = fmt.Sprintf("pulled %d cards (%s)", len(doc), report)
	s.logger.Info("pull complete", "deck", deck, "code", code, "cards", len(doc), "cursor", next)
	return res, doc, nil
}

// Clone materializes the deck behind code as a new local deck.
func (s *Session) Clone(ctx context.Context, code string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deck, ok, err := s.state.DeckFor(code); err != nil {
		return Result{}, fmt.Errorf("clone %q: %w", code, err)
	} else if ok {
		return Result{}, fmt.Errorf("clone %q: %w (%s)", code, ErrAlreadyCloned, deck)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	if err := s.header(c, wire.OpClone, code); err != nil {
		return Result{}, err
	}
	if err := c.CloseWrite(); err != nil {
		return Result{}, err
	}

	res := Result{DeckCode: code}
	ok, err := s.verdict(c)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		s.logger.Warn("clone denied", "code", code)
		res.Message = "access denied: cannot clone " + code
		return res, nil
	}

	c.Touch(s.cfg.RoundTripTimeout)
	deck, err := c.ReadField()
	if err != nil {
		return Result{}, err
	}
	if deck == "" {
		return Result{}, syncerr.Protocol("clone", "empty deck name")
	}
	var doc model.Document
	c.Touch(s.cfg.RoundTripTimeout)
	if err := c.ReadTrailer(&doc, s.cfg.MaxDocumentBytes); err != nil {
		return Result{}, err
	}

	if err := s.col.CreateDeck(ctx, deck); err != nil {
		return Result{}, fmt.Errorf("clone %q: create deck: %w", code, err)
	}
	report, err := s.apply(ctx, deck, doc)
	if err != nil {
		return Result{}, fmt.Errorf("clone %q: %w", code, err)
	}
	if err := s.state.SetCode(deck, code); err != nil {
		return Result{}, fmt.Errorf("clone %q: %w", code, err)
	}
	if _, err := s.state.AdvanceCursor(deck, 0); err != nil {
		return Result{}, fmt.Errorf("clone %q: %w", code, err)
	}

	res.OK = true
	res.Received = len(doc)
	res.Inserted, res.Updated, res.Skipped = report.Inserted, report.Updated, report.Skipped
	res.Message = fmt.Sprintf("cloned %q with %d cards", deck, len(doc))
	s.logger.Info("clone complete", "deck", deck, "code", code, "cards", len(doc))
	return res, nil
}

// Sync pulls then pushes the deck. Both legs use the cursor held before the
// pull, so local edits older than the newest remote card are still sent.
// A deck without a code is only pushed.
func (s *Session) Sync(ctx context.Context, deck string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasCode, err := s.state.Code(deck)
	if err != nil {
		return Result{}, fmt.Errorf("sync %q: %w", deck, err)
	}
	since, _, err := s.state.Cursor(deck)
	if err != nil {
		return Result{}, fmt.Errorf("sync %q: %w", deck, err)
	}

	var (
		pulled Result
		doc    model.Document
	)
	if hasCode {
		pulled, doc, err = s.pull(ctx, deck, since)
		if err != nil {
			return Result{}, err
		}
		if !pulled.OK {
			return pulled, nil
		}
	}

	pushed, err := s.push(ctx, deck, since, doc)
	if err != nil {
		return Result{}, err
	}

	res := pushed
	res.Inserted, res.Updated, res.Skipped = pulled.Inserted, pulled.Updated, pulled.Skipped
	res.Received = pulled.Received
	if hasCode {
		res.Cursor = pulled.Cursor
		res.Message = pulled.Message + "; " + pushed.Message
	}
	return res, nil
}

func withoutEchoes(cards []model.Card, pulled model.Document) []model.Card {
	if len(pulled) == 0 {
		return cards
	}
	seen := make(map[string]int64, len(pulled))
	for key, c := range pulled {
		uid := c.StableUID
		if uid == "" {
			uid = c.Tags.UID()
		}
		if uid == "" {
			uid = key
		}
		seen[uid] = c.LastModified
	}
	out := cards[:0]
	for _, c := range cards {
		uid := c.StableUID
		if uid == "" {
			uid = c.Tags.UID()
		}
		if mod, ok := seen[uid]; ok && uid != "" && mod == c.LastModified {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Forget drops the deck's cursor and deck code. The local cards and the
// server copy are left alone.
func (s *Session) Forget(ctx context.Context, deck string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok, err := s.state.Code(deck)
	if err != nil {
		return Result{}, fmt.Errorf("forget %q: %w", deck, err)
	}
	if err := s.state.Forget(deck); err != nil {
		return Result{}, fmt.Errorf("forget %q: %w", deck, err)
	}
	if !ok {
		return Result{OK: true, Message: "deck was not linked"}, nil
	}
	s.logger.Info("deck forgotten", "deck", deck, "code", code)
	return Result{OK: true, DeckCode: code, Message: "unlinked " + code}, nil
}

func (s *Session) dial(ctx context.Context) (*wire.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, syncerr.Transport("dial", err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return wire.NewConn(nc, 0), nil
}

// header writes the opcode, requester id and deck code.
func (s *Session) header(c *wire.Conn, op wire.Opcode, code string) error {
	c.Touch(s.cfg.RoundTripTimeout)
	if err := c.WriteOpcode(op); err != nil {
		return err
	}
	if err := c.WriteField(s.cfg.User); err != nil {
		return err
	}
	return c.WriteField(code)
}

func (s *Session) verdict(c *wire.Conn) (bool, error) {
	c.Touch(s.cfg.RoundTripTimeout)
	return c.ReadVerdict()
}
