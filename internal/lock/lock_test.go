package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutAddrIsNoop(t *testing.T) {
	l := New("", "fleetwatch:sync", time.Minute)
	_, ok := l.(Noop)
	require.True(t, ok)

	release, err := l.Obtain(context.Background())
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
}

func TestRedisUnreachableIsNotContention(t *testing.T) {
	r := NewRedis("127.0.0.1:1", "fleetwatch:sync", time.Minute)
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r.Obtain(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotObtained)
}
