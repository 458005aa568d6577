// ABOUTME: Tests for the user registry
// ABOUTME: Covers creation, exact name resolution, persistence reload and concurrent duplicates

package users

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/store"
)

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry(store.NewMockStore(), nil)
	ctx := context.Background()

	alice, err := r.Create(ctx, "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, alice.ID)
	assert.Equal(t, "Alice", alice.DisplayName)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := r.Create(ctx, "Alice")
		assert.ErrorIs(t, err, ErrNameTaken)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := r.Create(ctx, "   ")
		assert.ErrorIs(t, err, ErrEmptyName)
	})

	t.Run("lookup", func(t *testing.T) {
		u, ok := r.Lookup(alice.ID)
		require.True(t, ok)
		assert.Equal(t, "Alice", u.DisplayName)

		_, ok = r.Lookup("unknown")
		assert.False(t, ok)
	})
}

func TestRegistry_ResolveNameIsExact(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	bob, err := r.Create(ctx, "Bob")
	require.NoError(t, err)

	u, ok := r.ResolveName("Bob")
	require.True(t, ok)
	assert.Equal(t, bob.ID, u.ID)

	for _, name := range []string{"bob", "BOB", "Bob ", "Bo"} {
		_, ok := r.ResolveName(name)
		assert.False(t, ok, "name %q should not resolve", name)
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	a, err := r.Create(ctx, "Alice")
	require.NoError(t, err)
	b, err := r.Create(ctx, "Bob")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{a.ID: "Alice", b.ID: "Bob"}, r.List())
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, "Alice", r.DisplayName(a.ID))
	assert.Equal(t, "ghost", r.DisplayName("ghost"))
}

func TestRegistry_LoadFromStore(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()

	first := NewRegistry(s, nil)
	alice, err := first.Create(ctx, "Alice")
	require.NoError(t, err)

	second := NewRegistry(s, nil)
	require.NoError(t, second.Load(ctx))

	u, ok := second.Lookup(alice.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", u.DisplayName)

	_, err = second.Create(ctx, "Alice")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestRegistry_ConcurrentCreateSameName(t *testing.T) {
	r := NewRegistry(store.NewMockStore(), nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(ctx, "Carol")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNameTaken)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, r.Count())
}
