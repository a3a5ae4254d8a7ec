package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/decksync/internal/identity"
)

var _ identity.Generator = (*SequenceGenerator)(nil)

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("card")

	assert.Equal(t, "card-0001", gen.Generate())
	assert.Equal(t, "card-0002", gen.Generate())
	assert.Equal(t, 2, gen.Count())
}

func TestSequenceGenerator_DefaultPrefix(t *testing.T) {
	gen := NewSequenceGenerator("")
	assert.Equal(t, "uid-0001", gen.Generate())
}
