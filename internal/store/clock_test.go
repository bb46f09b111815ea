package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_NextFromStart(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(43), c.Next())
	assert.Equal(t, int64(43), c.Current())
}
