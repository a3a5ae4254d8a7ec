package wire

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/decksync/internal/syncerr"
)

// tcpPair returns two ends of a loopback TCP connection. net.Pipe cannot be
// used because the protocol relies on half-close.
func tcpPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return NewConn(client, 0), NewConn(server, 0)
}

func TestEncodePrefix(t *testing.T) {
	p := EncodePrefix(42)
	assert.Len(t, p, PrefixWidth)
	assert.Equal(t, "42"+strings.Repeat(" ", 62), string(p))

	p = EncodePrefix(0)
	assert.Equal(t, "0"+strings.Repeat(" ", 63), string(p))
}

func TestDecodePrefix(t *testing.T) {
	pad := func(s string) []byte {
		return []byte(s + strings.Repeat(" ", PrefixWidth-len(s)))
	}

	tests := []struct {
		name    string
		prefix  []byte
		limit   int64
		want    int64
		wantErr bool
	}{
		{name: "simple", prefix: pad("5"), limit: 100, want: 5},
		{name: "zero", prefix: pad("0"), limit: 100, want: 0},
		{name: "all 64 digits", prefix: []byte(strings.Repeat("0", 63) + "7"), limit: 100, want: 7},
		{name: "at limit", prefix: pad("100"), limit: 100, want: 100},
		{name: "over limit", prefix: pad("101"), limit: 100, wantErr: true},
		{name: "64 nines overflow", prefix: []byte(strings.Repeat("9", 64)), limit: 100, wantErr: true},
		{name: "non numeric", prefix: pad("abc"), limit: 100, wantErr: true},
		{name: "negative", prefix: pad("-5"), limit: 100, wantErr: true},
		{name: "plus sign", prefix: pad("+5"), limit: 100, wantErr: true},
		{name: "leading space", prefix: pad(" 5"), limit: 100, wantErr: true},
		{name: "blank", prefix: pad(""), limit: 100, wantErr: true},
		{name: "short", prefix: []byte("5"), limit: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePrefix(tt.prefix, tt.limit)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, syncerr.IsProtocol(err), "want protocol error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldRoundTrip(t *testing.T) {
	client, server := tcpPair(t)

	fields := []string{"", "alpha", "user-42", "café 漢字", strings.Repeat("x", 70000)}

	go func() {
		for _, f := range fields {
			_ = client.WriteField(f)
		}
	}()

	for _, want := range fields {
		got, err := server.ReadField()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFieldRoundTrip_WidestLength(t *testing.T) {
	// The limit's decimal form is as wide as the prefix allows for this
	// limit, and the payload fills it exactly.
	const limit = 999999

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := bytes.Repeat([]byte{'z'}, limit)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		_ = NewConn(c, limit).WriteFieldBytes(payload)
	}()

	nc, err := ln.Accept()
	require.NoError(t, err)
	defer nc.Close()

	got, err := NewConn(nc, limit).ReadFieldBytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadField_OverLimit(t *testing.T) {
	client, server := tcpPair(t)
	server.maxField = 4

	go func() { _ = client.WriteField("too long") }()

	_, err := server.ReadField()
	require.Error(t, err)
	assert.True(t, syncerr.IsProtocol(err))
}

func TestReadField_Truncated(t *testing.T) {
	t.Run("payload", func(t *testing.T) {
		client, server := tcpPair(t)
		go func() {
			_, _ = client.NetConn().Write(append(EncodePrefix(10), "abc"...))
			_ = client.CloseWrite()
		}()

		_, err := server.ReadField()
		require.Error(t, err)
		assert.True(t, syncerr.IsTransport(err))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("prefix", func(t *testing.T) {
		client, server := tcpPair(t)
		go func() {
			_, _ = client.NetConn().Write([]byte("12   "))
			_ = client.CloseWrite()
		}()

		_, err := server.ReadField()
		require.Error(t, err)
		assert.True(t, syncerr.IsTransport(err))
	})
}

func TestOpcode(t *testing.T) {
	client, server := tcpPair(t)

	go func() {
		_ = client.WriteOpcode(OpPush)
		_ = client.WriteOpcode(OpPull)
		_ = client.WriteOpcode(OpClone)
		_, _ = client.NetConn().Write([]byte{'7'})
	}()

	for _, want := range []Opcode{OpPush, OpPull, OpClone} {
		got, err := server.ReadOpcode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := server.ReadOpcode()
	require.Error(t, err)
	assert.True(t, syncerr.IsProtocol(err))
}

func TestOpcode_String(t *testing.T) {
	assert.Equal(t, "push", OpPush.String())
	assert.Equal(t, "pull", OpPull.String())
	assert.Equal(t, "clone", OpClone.String())
	assert.Equal(t, "opcode('x')", Opcode('x').String())
}

func TestVerdict(t *testing.T) {
	client, server := tcpPair(t)

	go func() {
		_ = server.WriteVerdict(true)
		_ = server.WriteVerdict(false)
		_, _ = server.NetConn().Write([]byte{'?'})
		_ = server.CloseWrite()
	}()

	ok, err := client.ReadVerdict()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.ReadVerdict()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.ReadVerdict()
	assert.True(t, syncerr.IsProtocol(err))

	_, err = client.ReadVerdict()
	assert.True(t, syncerr.IsTransport(err))
}

func TestTrailer(t *testing.T) {
	client, server := tcpPair(t)

	sent := map[string]int{"a": 1, "b": 2}
	go func() { _ = client.WriteTrailer(sent) }()

	var got map[string]int
	require.NoError(t, server.ReadTrailer(&got, 1024))
	assert.Equal(t, sent, got)
}

func TestTrailer_Errors(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		limit     int64
		transport bool
	}{
		{name: "truncated", raw: `{"a": [1, 2`, limit: 1024, transport: true},
		{name: "empty", raw: ``, limit: 1024, transport: true},
		{name: "over limit", raw: `[1,2,3,4,5,6,7,8,9]`, limit: 8},
		{name: "not json", raw: `hello`, limit: 1024},
		{name: "trailing data", raw: `[] []`, limit: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := tcpPair(t)
			go func() {
				_, _ = client.NetConn().Write([]byte(tt.raw))
				_ = client.CloseWrite()
			}()

			var v any
			err := server.ReadTrailer(&v, tt.limit)
			require.Error(t, err)
			if tt.transport {
				assert.True(t, syncerr.IsTransport(err), "got %v", err)
			} else {
				assert.True(t, syncerr.IsProtocol(err), "got %v", err)
			}
		})
	}
}

func TestTouch_Deadline(t *testing.T) {
	_, server := tcpPair(t)

	server.Touch(20 * time.Millisecond)
	_, err := server.ReadField()
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err))

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}
