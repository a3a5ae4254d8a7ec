package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/decksync/internal/client"
	"github.com/roach88/decksync/internal/collection"
	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/localstate"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/server"
	"github.com/roach88/decksync/internal/store"
	"github.com/roach88/decksync/internal/testutil"
)

// stepTimeout bounds every network wait in a scenario.
const stepTimeout = 10 * time.Second

// Harness executes one scenario against a live in-process server.
type Harness struct {
	scenario *Scenario
	dir      string
	store    *store.Store
	addr     string
	gen      *testutil.SequenceGenerator
	clock    *testutil.Clock
	peers    map[string]*peer
	codes    map[string]bool
	logger   *slog.Logger
}

// peer is one simulated user.
type peer struct {
	col     *collection.Memory
	state   *localstate.State
	session *client.Session
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh server database in a temporary
// directory, removed afterwards. Errors returned are infrastructure
// failures; expectation mismatches are recorded in the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "decksync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := testutil.NewSequenceGenerator("uid")
	srv := server.New(st, st, gen, server.Config{
		ReadTimeout:  stepTimeout,
		WriteTimeout: stepTimeout,
	}, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), stepTimeout)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h := &Harness{
		scenario: scenario,
		dir:      dir,
		store:    st,
		addr:     ln.Addr().String(),
		gen:      gen,
		clock:    testutil.NewClock(1000, 10),
		peers:    make(map[string]*peer),
		codes:    make(map[string]bool),
		logger:   logger,
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		trace := h.execute(ctx, step)
		trace.Step = i
		result.Trace = append(result.Trace, trace)

		if step.Expect == nil {
			if trace.Error != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, trace.Op, trace.Error))
			}
			continue
		}
		for _, msg := range checkExpect(trace, *step.Expect) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, trace.Op, msg))
		}
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, err
	}
	for i, a := range scenario.Assertions {
		if err := evaluateAssertion(result, h.code(a.Deck), a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return result, nil
}

// code resolves a deck name through the scenario's deck map.
func (h *Harness) code(deck string) string {
	if code, ok := h.scenario.Decks[deck]; ok {
		return code
	}
	return deck
}

func (h *Harness) peer(user string) (*peer, error) {
	if p, ok := h.peers[user]; ok {
		return p, nil
	}
	state, err := localstate.Open(filepath.Join(h.dir, "users", user))
	if err != nil {
		return nil, err
	}
	col := collection.NewMemory()
	resolver := identity.NewResolver(col, h.gen, h.logger)
	p := &peer{
		col:   col,
		state: state,
		session: client.New(client.Config{
			Addr:             h.addr,
			User:             user,
			DialTimeout:      stepTimeout,
			RoundTripTimeout: stepTimeout,
		}, col, state, resolver, h.logger),
	}
	h.peers[user] = p
	return p, nil
}

// stamp returns the timestamp for an edit: the given one, or the next tick.
func (h *Harness) stamp(modified int64) int64 {
	if modified == 0 {
		return h.clock.Next()
	}
	h.clock.Observe(modified)
	return modified
}

func (h *Harness) execute(ctx context.Context, step FlowStep) StepTrace {
	op := step.op()
	trace := StepTrace{Op: op, User: step.As}

	var err error
	switch op {
	case opAdd:
		err = h.add(ctx, step.As, *step.Add, &trace)
	case opEdit:
		err = h.edit(ctx, step.As, *step.Edit, &trace)
	case opPush:
		err = h.session(ctx, step.As, step.Push, (*client.Session).Push, true, &trace)
	case opSync:
		err = h.session(ctx, step.As, step.Sync, (*client.Session).Sync, true, &trace)
	case opPull:
		err = h.session(ctx, step.As, step.Pull, (*client.Session).Pull, false, &trace)
	case opForget:
		err = h.session(ctx, step.As, step.Forget, (*client.Session).Forget, false, &trace)
	case opClone:
		code := h.code(step.Clone)
		h.codes[code] = true
		err = h.session(ctx, step.As, code, (*client.Session).Clone, false, &trace)
	case opGrant:
		err = h.grant(ctx, *step.Grant, &trace)
	case opRegister:
		err = h.register(ctx, *step.Register, &trace)
	case opRawPush:
		err = h.rawPush(ctx, *step.RawPush, &trace)
	case opRawPull:
		err = h.rawPull(ctx, *step.RawPull, &trace)
	case opRawClone:
		err = h.rawClone(ctx, *step.RawClone, &trace)
	}
	if err != nil {
		trace.OK = false
		trace.Error = err.Error()
	}
	return trace
}

func (h *Harness) add(ctx context.Context, user string, spec CardSpec, trace *StepTrace) error {
	p, err := h.peer(user)
	if err != nil {
		return err
	}
	trace.Target = spec.Deck + "/" + spec.Front

	c := spec.card(h.stamp(spec.Modified))
	if _, err := p.col.Upsert(ctx, c); err != nil {
		return err
	}
	trace.OK = true
	return nil
}

func (h *Harness) edit(ctx context.Context, user string, spec CardSpec, trace *StepTrace) error {
	p, err := h.peer(user)
	if err != nil {
		return err
	}
	trace.Target = spec.Deck + "/" + spec.Front

	key := model.MatchKey(spec.Front)
	for _, n := range p.col.Notes() {
		if n.DeckName != spec.Deck || n.FirstFieldKey() != key {
			continue
		}
		n.Fields.Set("Back", spec.Back)
		n.LastModified = h.stamp(spec.Modified)
		if _, err := p.col.Upsert(ctx, n); err != nil {
			return err
		}
		trace.OK = true
		return nil
	}
	return fmt.Errorf("no note %q in deck %q", spec.Front, spec.Deck)
}

type sessionOp func(s *client.Session, ctx context.Context, arg string) (client.Result, error)

// session runs a client operation. seedCode maps a deck listed in the
// scenario's deck map to its code before the first push.
func (h *Harness) session(ctx context.Context, user, arg string, op sessionOp, seedCode bool, trace *StepTrace) error {
	p, err := h.peer(user)
	if err != nil {
		return err
	}
	trace.Target = arg

	if code, ok := h.scenario.Decks[arg]; ok && seedCode {
		if _, has, err := p.state.Code(arg); err != nil {
			return err
		} else if !has {
			if err := p.state.SetCode(arg, code); err != nil {
				return err
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	res, err := op(p.session, ctx, arg)
	if err != nil {
		return err
	}
	if res.DeckCode != "" {
		h.codes[res.DeckCode] = true
	}
	trace.OK = res.OK
	trace.Message = res.Message
	trace.Inserted = res.Inserted
	trace.Updated = res.Updated
	trace.Skipped = res.Skipped
	trace.Received = res.Received
	trace.Sent = res.Sent
	trace.Cursor = res.Cursor
	return nil
}

func (h *Harness) grant(ctx context.Context, spec GrantSpec, trace *StepTrace) error {
	code := h.code(spec.Deck)
	trace.User = spec.User
	trace.Target = code
	trace.Message = spec.Role
	if err := h.store.Grant(ctx, spec.User, code, model.Role(spec.Role)); err != nil {
		return err
	}
	trace.OK = true
	return nil
}

func (h *Harness) register(ctx context.Context, spec RegisterSpec, trace *StepTrace) error {
	code := h.code(spec.Deck)
	h.codes[code] = true
	trace.User = spec.Creator
	trace.Target = code
	name := spec.Name
	if name == "" {
		name = spec.Deck
	}
	if err := h.store.CreateDeck(ctx, model.Deck{Code: code, Name: name}, spec.Creator); err != nil {
		return err
	}
	trace.OK = true
	return nil
}

// card builds the Basic note a step describes.
func (c CardSpec) card(modified int64) model.Card {
	card := model.Card{
		StableUID:    c.UID,
		DeckName:     c.Deck,
		ModelName:    "Basic",
		Fields:       model.Fields{{Name: "Front", Value: c.Front}, {Name: "Back", Value: c.Back}},
		Tags:         append(model.Tags(nil), c.Tags...),
		CreatedAt:    modified,
		LastModified: modified,
		Interval:     1,
	}
	if c.UID != "" {
		card.Tags = card.Tags.WithUID(c.UID)
	}
	return card
}

// snapshot records the final server documents and local notes.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	for code := range h.codes {
		exists, err := h.store.Exists(ctx, code)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", code, err)
		}
		if !exists {
			continue
		}
		doc, err := h.store.Load(ctx, code)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", code, err)
		}
		cards := make([]CardState, 0, len(doc))
		for _, c := range doc.Sorted() {
			cards = append(cards, cardState(c.StableUID, c))
		}
		result.Server[code] = cards
	}

	for user, p := range h.peers {
		decks := make(map[string][]CardState)
		for _, n := range p.col.Notes() {
			decks[n.DeckName] = append(decks[n.DeckName], cardState(n.Tags.UID(), n))
		}
		result.Local[user] = decks
	}
	return nil
}

func cardState(uid string, c model.Card) CardState {
	front, _ := c.Fields.First()
	back, _ := c.Fields.Get("Back")
	return CardState{UID: uid, Front: front.Value, Back: back, LastModified: c.LastModified}
}
