package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupReturnsStoredResponse(t *testing.T) {
	c := New(5 * time.Minute)

	c.Store("fp-1", []byte(`{"ok":true}`))

	got, ok := c.Lookup("fp-1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"ok":true}`), got)
}

func TestLookupMissesUnknownFingerprint(t *testing.T) {
	c := New(5 * time.Minute)

	_, ok := c.Lookup("never-stored")
	assert.False(t, ok)
}

func TestExpiredEntriesAreDropped(t *testing.T) {
	c := New(5 * time.Minute)
	current := time.Now()
	c.now = func() time.Time { return current }

	c.Store("fp-1", []byte("a"))

	current = current.Add(5*time.Minute + time.Second)
	_, ok := c.Lookup("fp-1")
	assert.False(t, ok)

	// storing after expiry sweeps the dead entry
	c.Store("fp-2", []byte("b"))
	assert.Equal(t, 1, c.Len())
}
