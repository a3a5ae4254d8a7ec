package harness

import (
	"context"
	"net"

	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/wire"
)

// dial opens a wire connection with the step deadline applied.
func (h *Harness) dial(ctx context.Context) (*wire.Conn, error) {
	d := net.Dialer{Timeout: stepTimeout}
	nc, err := d.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return nil, err
	}
	c := wire.NewConn(nc, 0)
	c.Touch(stepTimeout)
	return c, nil
}

func (h *Harness) header(c *wire.Conn, op wire.Opcode, user, code string) error {
	if err := c.WriteOpcode(op); err != nil {
		return err
	}
	if err := c.WriteField(user); err != nil {
		return err
	}
	return c.WriteField(code)
}

// rawPush sends the cards exactly as specified, identities or not.
func (h *Harness) rawPush(ctx context.Context, spec RawPush, trace *StepTrace) error {
	code := h.code(spec.Deck)
	h.codes[code] = true
	trace.User = spec.User
	trace.Target = code

	cards := make([]model.Card, 0, len(spec.Cards))
	for _, cs := range spec.Cards {
		if cs.Deck == "" {
			cs.Deck = spec.Name
		}
		cards = append(cards, cs.card(h.stamp(cs.Modified)))
	}

	c, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := h.header(c, wire.OpPush, spec.User, code); err != nil {
		return err
	}
	if err := c.WriteField(spec.Name); err != nil {
		return err
	}
	ok, err := c.ReadVerdict()
	if err != nil {
		return err
	}
	if !ok {
		trace.Message = "denied"
		return nil
	}
	if err := c.WriteTrailer(cards); err != nil {
		return err
	}
	ok, err = c.ReadVerdict()
	if err != nil {
		return err
	}
	if !ok {
		trace.Message = "rejected"
		return nil
	}
	trace.OK = true
	trace.Message = "accepted"
	trace.Sent = len(cards)
	return nil
}

// rawPull sends the cursor verbatim, so malformed cursors can be tested.
func (h *Harness) rawPull(ctx context.Context, spec RawPull, trace *StepTrace) error {
	code := h.code(spec.Deck)
	h.codes[code] = true
	trace.User = spec.User
	trace.Target = code

	c, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := h.header(c, wire.OpPull, spec.User, code); err != nil {
		return err
	}
	if err := c.WriteField(spec.Cursor); err != nil {
		return err
	}
	if err := c.CloseWrite(); err != nil {
		return err
	}
	ok, err := c.ReadVerdict()
	if err != nil {
		return err
	}
	if !ok {
		trace.Message = "denied"
		return nil
	}
	var doc model.Document
	if err := c.ReadTrailer(&doc, wire.DefaultMaxField); err != nil {
		return err
	}
	trace.OK = true
	trace.Message = "accepted"
	trace.Received = len(doc)
	trace.Cursor = doc.MaxModified()
	return nil
}

func (h *Harness) rawClone(ctx context.Context, spec RawClone, trace *StepTrace) error {
	code := h.code(spec.Deck)
	h.codes[code] = true
	trace.User = spec.User
	trace.Target = code

	c, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := h.header(c, wire.OpClone, spec.User, code); err != nil {
		return err
	}
	if err := c.CloseWrite(); err != nil {
		return err
	}
	ok, err := c.ReadVerdict()
	if err != nil {
		return err
	}
	if !ok {
		trace.Message = "denied"
		return nil
	}
	name, err := c.ReadField()
	if err != nil {
		return err
	}
	var doc model.Document
	if err := c.ReadTrailer(&doc, wire.DefaultMaxField); err != nil {
		return err
	}
	trace.OK = true
	trace.Message = name
	trace.Received = len(doc)
	return nil
}
