package ir

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_Format(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	gen := UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Generate()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFixedGenerator_InOrderThenPanics(t *testing.T) {
	gen := NewFixedGenerator("op-1", "op-2")
	assert.Equal(t, "op-1", gen.Generate())
	assert.Equal(t, "op-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestDeriveID_Stable(t *testing.T) {
	a := DeriveID("op-1", "corrective")
	b := DeriveID("op-1", "corrective")
	c := DeriveID("op-1", "review")
	d := DeriveID("op-2", "corrective")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)

	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
