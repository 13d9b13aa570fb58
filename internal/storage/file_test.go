package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	expires := time.Now().Add(time.Hour).UTC()
	require.NoError(t, store.SaveAccount(&models.TokenRecord{
		UserID:       "u1",
		Provider:     "asana",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    &expires,
		TokenType:    "Bearer",
	}))

	rec, err := store.FindAccount("u1", "asana")
	require.NoError(t, err)
	assert.Equal(t, "access", rec.AccessToken)
	assert.Equal(t, "refresh", rec.RefreshToken)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, expires, *rec.ExpiresAt, time.Second)
}

func TestFileStoreFindMissing(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.FindAccount("u1", "asana")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePartialUpdate(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, store.SaveAccount(&models.TokenRecord{
		UserID:       "u1",
		Provider:     "asana",
		AccessToken:  "old-access",
		RefreshToken: "refresh",
	}))

	newAccess := "new-access"
	require.NoError(t, store.UpdateAccount("u1", "asana", models.TokenUpdate{
		AccessToken: &newAccess,
	}))

	rec, err := store.FindAccount("u1", "asana")
	require.NoError(t, err)
	assert.Equal(t, "new-access", rec.AccessToken)
	assert.Equal(t, "refresh", rec.RefreshToken, "unset fields keep stored values")
}

func TestFileStoreUpdateMissing(t *testing.T) {
	store := newTestFileStore(t)

	token := "x"
	err := store.UpdateAccount("nobody", "asana", models.TokenUpdate{AccessToken: &token})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveAccount(&models.TokenRecord{
		UserID:      "u1",
		Provider:    "linear",
		AccessToken: "access",
	}))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	rec, err := reopened.FindAccount("u1", "linear")
	require.NoError(t, err)
	assert.Equal(t, "access", rec.AccessToken)
}

func TestFileStoreConcurrentUpdatesAllPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	providers := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, p := range providers {
		require.NoError(t, store.SaveAccount(&models.TokenRecord{UserID: "u1", Provider: p, AccessToken: "old"}))
	}

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			updated := "new-" + p
			assert.NoError(t, store.UpdateAccount("u1", p, models.TokenUpdate{AccessToken: &updated}))
		}(p)
	}
	wg.Wait()

	// The file on disk must reflect every settled write, not a stale snapshot.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	for _, p := range providers {
		rec, err := reopened.FindAccount("u1", p)
		require.NoError(t, err)
		assert.Equal(t, "new-"+p, rec.AccessToken)
	}
}

func TestFileStoreDeleteAndList(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, store.SaveAccount(&models.TokenRecord{UserID: "u1", Provider: "asana", AccessToken: "a"}))
	require.NoError(t, store.SaveAccount(&models.TokenRecord{UserID: "u1", Provider: "linear", AccessToken: "b"}))
	require.NoError(t, store.SaveAccount(&models.TokenRecord{UserID: "u2", Provider: "asana", AccessToken: "c"}))

	accounts, err := store.ListAccounts("u1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "asana", accounts[0].Provider)
	assert.Equal(t, "linear", accounts[1].Provider)

	require.NoError(t, store.DeleteAccount("u1", "asana"))
	accounts, err = store.ListAccounts("u1")
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
