package resilient

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/resilience"
	"github.com/kestrelid/kestrel/internal/auth/store"
	"github.com/kestrelid/kestrel/internal/auth/store/drivers/sqlite"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		Collection: store.CollectionClients,
		Breaker:    resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute, SuccessThreshold: 1},
		Retry:      resilience.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0.01},
	}
}

func newTestStore(t *testing.T) *ClientStore {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "region.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.ApplyMigrations())

	s, err := NewClientStore("test-region", db, fastConfig(), nil)
	require.NoError(t, err)
	return s
}

func sampleClient(id string) domain.Client {
	return domain.Client{
		ID:           id,
		Name:         "dashboard",
		SecretHash:   "argon2:hash",
		RedirectURIs: []string{"https://app.example.com/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "profile"},
		Enabled:      true,
	}
}

func TestNewClientStoreRejectsUnknownCollection(t *testing.T) {
	t.Parallel()

	_, err := NewClientStore("bad", nil, Config{Collection: "users; DROP TABLE oauth_clients"}, nil)
	require.Error(t, err)

	_, err = NewClientStore("ok", nil, Config{Collection: store.CollectionSigningKeys}, nil)
	require.NoError(t, err)
}

func TestClientStoreCRUDRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, sampleClient("c1"))
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())
	require.False(t, created.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "dashboard", got.Name)
	require.Equal(t, []string{"authorization_code", "refresh_token"}, got.GrantTypes)
	require.Equal(t, []string{"openid", "profile"}, got.Scopes)
	require.True(t, got.Enabled)

	deleted, err := s.Delete(ctx, "c1")
	require.NoError(t, err)
	require.True(t, deleted)

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClientStoreCreateConflictPropagates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, sampleClient("c1"))
	require.NoError(t, err)

	_, err = s.Create(ctx, sampleClient("c1"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestClientStorePartialUpdate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, sampleClient("c1"))
	require.NoError(t, err)

	name := "renamed"
	updated, err := s.Update(ctx, "c1", domain.ClientUpdate{Name: &name})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, "renamed", updated.Name)

	// Untouched fields survive a partial update.
	require.Equal(t, []string{"openid", "profile"}, updated.Scopes)
	require.Equal(t, "argon2:hash", updated.SecretHash)

	t.Run("empty update behaves as get", func(t *testing.T) {
		got, err := s.Update(ctx, "c1", domain.ClientUpdate{})
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "renamed", got.Name)
	})

	t.Run("missing target yields nil", func(t *testing.T) {
		got, err := s.Update(ctx, "ghost", domain.ClientUpdate{Name: &name})
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("empty slices clear collection columns", func(t *testing.T) {
		got, err := s.Update(ctx, "c1", domain.ClientUpdate{Scopes: []string{}})
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Empty(t, got.Scopes)
		require.Equal(t, "renamed", got.Name)
	})
}

func TestClientStoreRotationFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, sampleClient("c1"))
	require.NoError(t, err)

	newHash := "argon2:new"
	prevHash := "argon2:hash"
	expiry := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
	updated, err := s.Update(ctx, "c1", domain.ClientUpdate{
		SecretHash:          &newHash,
		PrevSecretHash:      &prevHash,
		PrevSecretExpiresAt: &expiry,
	})
	require.NoError(t, err)
	require.Equal(t, "argon2:new", updated.SecretHash)
	require.Equal(t, "argon2:hash", updated.PrevSecretHash)
	require.NotNil(t, updated.PrevSecretExpiresAt)
	require.Equal(t, expiry, *updated.PrevSecretExpiresAt)
}

func TestClientStoreDeleteMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	deleted, err := s.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestClientStoreListOrdering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i, id := range []string{"c1", "c2", "c3"} {
		c := sampleClient(id)
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		c.UpdatedAt = c.CreatedAt
		_, err := s.Create(ctx, c)
		require.NoError(t, err)
	}

	clients := s.List(ctx, store.Pagination{})
	require.Len(t, clients, 3)
	require.Equal(t, "c3", clients[0].ID)
	require.Equal(t, "c1", clients[2].ID)

	page := s.List(ctx, store.Pagination{Limit: 1, Offset: 1})
	require.Len(t, page, 1)
	require.Equal(t, "c2", page[0].ID)
}

// failingDB fails every call with the configured error.
type failingDB struct{ err error }

func (f *failingDB) Execute(context.Context, string, ...any) (store.Result, error) {
	return store.Result{}, f.err
}

func (f *failingDB) Query(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, f.err
}

func newFailingStore(t *testing.T, err error) *ClientStore {
	t.Helper()
	s, cerr := NewClientStore("down-region", &failingDB{err: err}, fastConfig(), nil)
	require.NoError(t, cerr)
	return s
}

func tripBreaker(t *testing.T, s *ClientStore) {
	t.Helper()
	ctx := context.Background()
	for range fastConfig().Breaker.FailureThreshold {
		_, _ = s.Create(ctx, sampleClient("x"))
	}
	require.Equal(t, resilience.StateOpen, s.BreakerStats().State)
}

func TestClientStoreDegradedReads(t *testing.T) {
	t.Parallel()

	s := newFailingStore(t, errors.New("connection refused"))
	ctx := context.Background()
	tripBreaker(t, s)

	t.Run("get returns nil with open breaker", func(t *testing.T) {
		got, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("list returns empty page under any failure", func(t *testing.T) {
		require.Empty(t, s.List(ctx, store.Pagination{}))
	})

	t.Run("delete reports false with open breaker", func(t *testing.T) {
		deleted, err := s.Delete(ctx, "c1")
		require.NoError(t, err)
		require.False(t, deleted)
	})

	t.Run("create propagates circuit-open", func(t *testing.T) {
		_, err := s.Create(ctx, sampleClient("c1"))
		require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	})

	t.Run("update propagates circuit-open", func(t *testing.T) {
		name := "n"
		_, err := s.Update(ctx, "c1", domain.ClientUpdate{Name: &name})
		require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	})

	t.Run("reset closes the breaker", func(t *testing.T) {
		s.ResetBreaker()
		require.Equal(t, resilience.StateClosed, s.BreakerStats().State)
	})
}

func TestClientStoreConflictNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	db := &countingDB{err: store.ErrAlreadyExists, calls: &calls}
	s, err := NewClientStore("primary", db, fastConfig(), nil)
	require.NoError(t, err)

	_, err = s.Create(context.Background(), sampleClient("c1"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.Equal(t, 1, calls)
}

type countingDB struct {
	err   error
	calls *int
}

func (c *countingDB) Execute(context.Context, string, ...any) (store.Result, error) {
	*c.calls++
	return store.Result{}, c.err
}

func (c *countingDB) Query(context.Context, string, ...any) (*sql.Rows, error) {
	*c.calls++
	return nil, c.err
}
