package secstore

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_WriteThenRead(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	w, err := store.Open("cred.db", "w")
	require.NoError(t, err)
	_, err = w.Write([]byte("secret-material"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := store.Open("cred.db", "r")
	require.NoError(t, err)
	data, err := io.ReadAll(r.(io.Reader))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.Equal(t, "secret-material", string(data))
}

func TestFileStore_OpenRejectsInvalidMode(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open("x", "bogus")
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestFileStore_UnlinkIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Unlink("never-existed.db"))

	w, err := store.Open("to-remove.db", "w")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, store.Unlink("to-remove.db"))
	require.NoError(t, store.Unlink("to-remove.db"))
}
