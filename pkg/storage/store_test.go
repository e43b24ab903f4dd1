package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/forge/pkg/storage"
)

func stores(t *testing.T) map[string]storage.Store {
	t.Helper()
	dir := t.TempDir()
	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]storage.Store{
		"bolt": bolt,
		"mem":  storage.NewMemStore(),
	}
}

func TestPutIfAbsentIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created, err := s.PutIfAbsent("k", []byte("v1"))
			require.NoError(t, err)
			require.True(t, created)

			created, err = s.PutIfAbsent("k", []byte("v2"))
			require.NoError(t, err)
			require.False(t, created)

			v, ok, err := s.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("v1"), v)
		})
	}
}

func TestExistsAndAll(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Exists("missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.Put("a", []byte("1")))
			require.NoError(t, s.Put("b", []byte("2")))

			ok, err = s.Exists("a")
			require.NoError(t, err)
			require.True(t, ok)

			keys, err := s.All()
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"a", "b"}, keys)
		})
	}
}

