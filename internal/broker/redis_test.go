package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T, clock *fakeClock) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{
		Now:       clock.Now,
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisContract(t *testing.T) {
	runContract(t, func(t *testing.T, clock *fakeClock) Client {
		c, _ := newMiniRedis(t, clock)
		return c
	})
}

func TestRedisKeyLayout(t *testing.T) {
	c, mr := newMiniRedis(t, newFakeClock())
	ctx := context.Background()
	id, err := c.Enqueue(ctx, &Job{Queue: "user", Handler: "addUserToDB", Payload: []byte("p"), MaxAttempts: 3})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:job:"+id))
	members, err := mr.ZMembers("test:q:user:addUserToDB:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	_, err = c.Reserve(ctx, "user", "addUserToDB", time.Minute)
	require.NoError(t, err)
	members, err = mr.ZMembers("test:q:user:addUserToDB:active")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)
	assert.Equal(t, "active", mr.HGet("test:job:"+id, "status"))
}

func TestRedisTransportErrorFailsFast(t *testing.T) {
	c, mr := newMiniRedis(t, newFakeClock())
	ctx := context.Background()
	mr.Close()

	err := c.Publish(ctx, "room:x", []byte("x"))
	require.ErrorIs(t, err, ErrDisconnected)
	assert.False(t, c.Connected())
	// Subsequent calls fail without touching the network.
	assert.ErrorIs(t, c.Publish(ctx, "room:x", []byte("x")), ErrDisconnected)
}

func TestOpenRedisBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "redis://%zz", Options{})
	assert.Error(t, err)
}
