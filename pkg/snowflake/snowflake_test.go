package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateMonotonic(t *testing.T) {
	node, err := NewNode(1)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 10000; i++ {
		id := node.Generate()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	require.Error(t, err)
	_, err = NewNode(1024)
	require.Error(t, err)
	_, err = NewNode(1023)
	require.NoError(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	node, err := NewNode(7)
	require.NoError(t, err)

	before := time.Now().Truncate(time.Millisecond)
	id := node.Generate()
	after := time.Now()

	ts := Timestamp(id)
	require.False(t, ts.Before(before))
	require.False(t, ts.After(after))
}

func TestFirstIDAfter(t *testing.T) {
	node, err := NewNode(3)
	require.NoError(t, err)

	id := node.Generate()
	ts := Timestamp(id)

	// An id from the watermark's own millisecond must sit below the bound,
	// an id from any later millisecond at or above it.
	bound := FirstIDAfter(ts)
	require.Less(t, id, bound)
	require.True(t, Timestamp(bound).After(ts))
}
