package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-lookup/cdsi"
)

func TestNextRequest(t *testing.T) {
	var fresh *Entry
	req := fresh.NextRequest([]cdsi.E164{3, 1, 3})
	assert.Equal(t, []cdsi.E164{1, 3}, req.NewE164s)
	assert.Empty(t, req.Token)

	entry := After(cdsi.Token("tok"), []cdsi.E164{1, 2, 3}, time.Unix(100, 0))
	req = entry.NextRequest([]cdsi.E164{2, 3, 4, 5})
	assert.Equal(t, []byte("tok"), req.Token)
	assert.Equal(t, []cdsi.E164{4, 5}, req.NewE164s)
	assert.Equal(t, []cdsi.E164{2, 3}, req.PrevE164s)
	assert.Equal(t, []cdsi.E164{1}, req.DiscardE164s)

	// an entry without a token starts over
	req = (&Entry{}).NextRequest([]cdsi.E164{7})
	assert.Equal(t, []cdsi.E164{7}, req.NewE164s)
	assert.Nil(t, req.PrevE164s)
}

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)

	entry := After(cdsi.Token("token-1"), []cdsi.E164{18005550100, 18005550101}, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, "alice", entry))

	loaded, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, entry.Token, loaded.Token)
	assert.Equal(t, entry.E164s, loaded.E164s)
	assert.True(t, entry.UpdatedAt.Equal(loaded.UpdatedAt))

	entry.Token = []byte("token-2")
	require.NoError(t, store.Save(ctx, "alice", entry))
	loaded, err = store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("token-2"), loaded.Token)

	_, err = store.Load(ctx, "bob")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "alice"))
	require.NoError(t, store.Delete(ctx, "alice"))
	_, err = store.Load(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore(t *testing.T) {
	testStore(t, NewInMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()

	_ = store.Delete(context.Background(), "alice")
	testStore(t, store)
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := &PostgresConfig{Host: "db", Port: 5432, User: "lookup", Password: "secret", Database: "tokens"}
	assert.Equal(t, "host=db port=5432 user=lookup password=secret dbname=tokens sslmode=disable", cfg.ConnectionString())
}
