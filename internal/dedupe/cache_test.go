// ABOUTME: Tests for the TTL dedupe cache.
// ABOUTME: Covers first-seen semantics, expiry, capacity eviction and Close.

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("job:1:backup:abc"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("job:1:backup:abc"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("job:2:backup:abc"), "different key is independent")
}

func TestExpiredKeyIsSeenAgain(t *testing.T) {
	c := New(30*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.CheckAndMark("k"), "expired entry counts as new")
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// Fourth key evicts k0.
	c.CheckAndMark("k3")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("k0"), "evicted key is new again")
}

func TestReMarkRefreshesPosition(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	// Touch a so b becomes the oldest.
	c.CheckAndMark("a")
	c.CheckAndMark("c")

	assert.True(t, c.CheckAndMark("a"), "refreshed key survived eviction")
	assert.False(t, c.CheckAndMark("b"), "oldest key was evicted")
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
