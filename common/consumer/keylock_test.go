package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SameKeyBlocks(t *testing.T) {
	k := newKeyLock()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "t-1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(short, "t-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := k.Lock(ctx, "t-1")
	require.NoError(t, err)
	unlock2()
	assert.Zero(t, k.size())
}

func TestKeyLock_DifferentKeysIndependent(t *testing.T) {
	k := newKeyLock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	u1, err := k.Lock(ctx, "t-1")
	require.NoError(t, err)
	u2, err := k.Lock(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, 2, k.size())

	u1()
	u2()
	assert.Zero(t, k.size())
}
