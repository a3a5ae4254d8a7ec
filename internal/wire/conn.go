package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/decksync/internal/syncerr"
)

// PrefixWidth is the fixed width of a field's length prefix.
const PrefixWidth = 64

// DefaultMaxField bounds the payload of a single prefixed field.
const DefaultMaxField = 1 << 20

// Opcode selects the operation a client requests.
type Opcode byte

const (
	OpPush  Opcode = '0'
	OpPull  Opcode = '1'
	OpClone Opcode = '2'
)

// String returns the operation name.
func (o Opcode) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpPull:
		return "pull"
	case OpClone:
		return "clone"
	default:
		return fmt.Sprintf("opcode(%q)", byte(o))
	}
}

const (
	verdictAccept byte = '1'
	verdictDeny   byte = '0'
)

// halfCloser is implemented by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	CloseWrite() error
}

// Conn frames protocol messages over a net.Conn.
//
// Conn is not safe for concurrent use; each protocol exchange is strictly
// sequential.
type Conn struct {
	nc       net.Conn
	r        *bufio.Reader
	maxField int64
}

// NewConn wraps nc. maxField bounds prefixed fields; zero means DefaultMaxField.
func NewConn(nc net.Conn, maxField int64) *Conn {
	if maxField <= 0 {
		maxField = DefaultMaxField
	}
	return &Conn{
		nc:       nc,
		r:        bufio.NewReader(nc),
		maxField: maxField,
	}
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Touch moves the connection deadline d into the future. A zero d clears it.
func (c *Conn) Touch(d time.Duration) {
	if d <= 0 {
		_ = c.nc.SetDeadline(time.Time{})
		return
	}
	_ = c.nc.SetDeadline(time.Now().Add(d))
}

// EncodePrefix returns the 64-byte length prefix for n payload bytes.
func EncodePrefix(n int) []byte {
	s := strconv.Itoa(n)
	return []byte(s + strings.Repeat(" ", PrefixWidth-len(s)))
}

// DecodePrefix parses a 64-byte length prefix. Trailing spaces are padding;
// everything before them must be decimal digits.
func DecodePrefix(prefix []byte, limit int64) (int64, error) {
	if len(prefix) != PrefixWidth {
		return 0, syncerr.Protocol("decode prefix", "prefix is %d bytes, want %d", len(prefix), PrefixWidth)
	}
	digits := strings.TrimRight(string(prefix), " ")
	if digits == "" {
		return 0, syncerr.Protocol("decode prefix", "empty length prefix")
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, syncerr.Protocol("decode prefix", "non-numeric length prefix %q", digits)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, syncerr.Protocol("decode prefix", "length %q out of range", digits)
	}
	if n > limit {
		return 0, syncerr.Protocol("decode prefix", "field length %d exceeds limit %d", n, limit)
	}
	return n, nil
}

// WriteField writes one length-prefixed string.
func (c *Conn) WriteField(s string) error {
	return c.WriteFieldBytes([]byte(s))
}

// WriteFieldBytes writes one length-prefixed payload in a single write.
func (c *Conn) WriteFieldBytes(p []byte) error {
	frame := make([]byte, 0, PrefixWidth+len(p))
	frame = append(frame, EncodePrefix(len(p))...)
	frame = append(frame, p...)
	if _, err := c.nc.Write(frame); err != nil {
		return syncerr.Transport("write field", err)
	}
	return nil
}

// ReadField reads one length-prefixed string.
func (c *Conn) ReadField() (string, error) {
	p, err := c.ReadFieldBytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadFieldBytes reads one length-prefixed payload.
func (c *Conn) ReadFieldBytes() ([]byte, error) {
	prefix := make([]byte, PrefixWidth)
	if _, err := io.ReadFull(c.r, prefix); err != nil {
		return nil, syncerr.Transport("read prefix", err)
	}
	n, err := DecodePrefix(prefix, c.maxField)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, syncerr.Transport("read field", eofIsUnexpected(err))
	}
	return payload, nil
}

// WriteOpcode writes the one-byte operation selector.
func (c *Conn) WriteOpcode(op Opcode) error {
	if _, err := c.nc.Write([]byte{byte(op)}); err != nil {
		return syncerr.Transport("write opcode", err)
	}
	return nil
}

// ReadOpcode reads and validates the operation selector.
func (c *Conn) ReadOpcode() (Opcode, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, syncerr.Transport("read opcode", err)
	}
	switch op := Opcode(b); op {
	case OpPush, OpPull, OpClone:
		return op, nil
	default:
		return 0, syncerr.Protocol("read opcode", "unknown opcode %q", b)
	}
}

// WriteVerdict writes '1' for accept or '0' for deny.
func (c *Conn) WriteVerdict(ok bool) error {
	b := verdictDeny
	if ok {
		b = verdictAccept
	}
	if _, err := c.nc.Write([]byte{b}); err != nil {
		return syncerr.Transport("write verdict", err)
	}
	return nil
}

// ReadVerdict reads an accept/deny byte.
func (c *Conn) ReadVerdict() (bool, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return false, syncerr.Transport("read verdict", eofIsUnexpected(err))
	}
	switch b {
	case verdictAccept:
		return true, nil
	case verdictDeny:
		return false, nil
	default:
		return false, syncerr.Protocol("read verdict", "unexpected verdict byte %q", b)
	}
}

// CloseWrite half-closes the connection so the peer reads EOF.
func (c *Conn) CloseWrite() error {
	hc, ok := c.nc.(halfCloser)
	if !ok {
		return syncerr.Transport("close write", fmt.Errorf("%T does not support half-close", c.nc))
	}
	if err := hc.CloseWrite(); err != nil {
		return syncerr.Transport("close write", err)
	}
	return nil
}

// WriteTrailer JSON-encodes v without a prefix and half-closes the connection.
func (c *Conn) WriteTrailer(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode trailer: %w", err)
	}
	if _, err := c.nc.Write(data); err != nil {
		return syncerr.Transport("write trailer", err)
	}
	return c.CloseWrite()
}

// ReadTrailer reads until the peer half-closes and JSON-decodes the bytes
// into v. More than limit bytes is a protocol error.
func (c *Conn) ReadTrailer(v any, limit int64) error {
	data, err := io.ReadAll(io.LimitReader(c.r, limit+1))
	if err != nil {
		return syncerr.Transport("read trailer", err)
	}
	if int64(len(data)) > limit {
		return syncerr.Protocol("read trailer", "payload exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return syncerr.Transport("read trailer", io.ErrUnexpectedEOF)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return syncerr.Transport("read trailer", err)
		}
		return syncerr.Protocol("read trailer", "decode payload: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return syncerr.Protocol("read trailer", "trailing data after payload")
	}
	return nil
}

func eofIsUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
