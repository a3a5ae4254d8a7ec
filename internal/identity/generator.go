// Package identity assigns durable stable identities to cards.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique stable identities.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identities.
//
// Format: "0190a6e2-7c1b-7d4e-a716-446655440000" (36 characters)
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identities in order.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
//	gen := NewFixedGenerator("uid-a", "uid-b")
//	gen.Generate() // "uid-a"
//	gen.Generate() // "uid-b"
//	gen.Generate() // panic: all identities exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next identity. Panics once the list is consumed, which
// means a test generated more identities than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all identities exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
