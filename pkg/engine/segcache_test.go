package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

func TestSegmentCacheHandsOff(t *testing.T) {
	c := NewSegmentCache(1024, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("payload")))
	assert.Equal(t, int64(7), c.Used())

	got, err := c.Consume(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.Zero(t, c.Used())
}

func TestSegmentCacheConsumerWaitsForKey(t *testing.T) {
	c := NewSegmentCache(1024, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_ = c.Put(ctx, "late", []byte("x"))
	}()

	got, err := c.Consume(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	wg.Wait()
}

func TestSegmentCacheBlocksProducerAtCapacity(t *testing.T) {
	c := NewSegmentCache(10, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", make([]byte, 8)))

	unblocked := make(chan struct{})
	go func() {
		_ = c.Put(ctx, "b", make([]byte, 8))
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("second put should block while over capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := c.Consume(ctx, "a")
	require.NoError(t, err)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("put did not resume after space was freed")
	}
}

func TestSegmentCacheAdmitsOversizedEntryWhenEmpty(t *testing.T) {
	c := NewSegmentCache(4, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "big", make([]byte, 64)))
	got, err := c.Consume(ctx, "big")
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestSegmentCacheDuplicatePutIsNoop(t *testing.T) {
	c := NewSegmentCache(1024, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("one")))
	require.NoError(t, c.Put(ctx, "a", []byte("two")))

	got, err := c.Consume(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got, "first write wins")
	assert.Zero(t, c.Used())
}

func TestSegmentCacheContextCancelUnblocks(t *testing.T) {
	c := NewSegmentCache(1024, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Consume(ctx, "never")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errkind.Is(err, errkind.KindCancelled))
	case <-time.After(time.Second):
		t.Fatal("consume did not observe cancellation")
	}
}

func TestSegmentCacheCloseWakesWaiters(t *testing.T) {
	c := NewSegmentCache(1024, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Consume(ctx, "never")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not observe close")
	}
}
