package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetDelete(t *testing.T) {
	c := New[string, int]()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	got, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	c.Delete(ctx, "a")
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestExpiredItemNotReturned(t *testing.T) {
	c := New[string, string]()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestPermanentItemSurvivesSweep(t *testing.T) {
	c := New(WithCleanupInterval[string, string](10 * time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", "v", -1)
	time.Sleep(50 * time.Millisecond)

	got, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestZeroTTLUsesDefault(t *testing.T) {
	c := New(WithDefaultTTL[string, int](time.Hour))
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", 7, 0)
	got, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, c.Count())
}

func TestCloseIdempotent(t *testing.T) {
	c := New[string, int]()
	c.Close()
	c.Close()
}
