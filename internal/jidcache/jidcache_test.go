package jidcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symphonymesh/symphonyd/internal/jidcache"
)

func TestAddAndLookup(t *testing.T) {
	c := jidcache.New(time.Minute)
	c.Add("node-1", "peer@overlay.example/res")

	addr, ok := c.Lookup("node-1")
	require.True(t, ok)
	require.Equal(t, "peer@overlay.example/res", addr)
}

func TestLookupMissing(t *testing.T) {
	c := jidcache.New(time.Minute)
	_, ok := c.Lookup("unknown")
	require.False(t, ok)
}

func TestLookupExpiredEntryIsRemoved(t *testing.T) {
	c := jidcache.New(10 * time.Millisecond)
	c.Add("node-1", "peer@overlay.example/res")

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Lookup("node-1")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestScavengeRemovesOnlyExpired(t *testing.T) {
	c := jidcache.New(20 * time.Millisecond)
	c.Add("stale", "addr-1")

	time.Sleep(25 * time.Millisecond)
	c.Add("fresh", "addr-2")

	removed := c.Scavenge()
	require.Equal(t, 1, removed)

	_, ok := c.Lookup("fresh")
	require.True(t, ok)
	_, ok = c.Lookup("stale")
	require.False(t, ok)
}

func TestAddOverwritesExistingEntry(t *testing.T) {
	c := jidcache.New(time.Minute)
	c.Add("node-1", "addr-old")
	c.Add("node-1", "addr-new")

	addr, ok := c.Lookup("node-1")
	require.True(t, ok)
	require.Equal(t, "addr-new", addr)
	require.Equal(t, 1, c.Len())
}
