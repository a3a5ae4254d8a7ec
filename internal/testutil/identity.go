package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates readable identities "<prefix>-0001",
// "<prefix>-0002", ... and never runs out.
//
// Unlike identity.FixedGenerator, the identities need not be listed up front,
// which suits scenario runs where the number of new cards varies.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix uses "uid".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "uid"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next identity.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Count returns how many identities were generated.
func (g *SequenceGenerator) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
