package memory

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

func TestAllocator_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	const n = 200

	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := a.Allocate(context.Background(), "user@domain")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestAllocator_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	ctx := context.Background()

	for _, key := range []string{"a@x", "b@x", "a@x"} {
		_, err := a.Allocate(ctx, key)
		require.NoError(t, err)
	}

	id, err := a.Allocate(ctx, "b@x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestAllocator_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAllocator().Allocate(ctx, "a@x")
	assert.ErrorIs(t, err, sink.ErrAllocatorUnavailable)
}

func TestStore_Persist(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	target := sink.Target{User: "user", Domain: "domain"}
	rec := &email.Record{Subject: "Hello", Body: "hi"}

	first, err := s.Persist(context.Background(), target, rec)
	require.NoError(t, err)
	second, err := s.Persist(context.Background(), target, rec)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, 2, s.Len("user@domain"))

	got, ok := s.Get("user@domain", second)
	require.True(t, ok)
	assert.Equal(t, "Hello", got.Subject)
}
