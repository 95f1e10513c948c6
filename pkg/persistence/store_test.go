package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(id string, updated time.Time) *Session {
	return &Session{
		SessionID:   id,
		UserID:      "u-1",
		Status:      StatusWaitingForInput,
		CurrentNode: "progressive_step1_core_task",
		InterruptPayload: map[string]any{
			"interaction_type": "progressive_questionnaire_step1",
			"step":             1.0,
		},
		State: map[string]any{
			"user_input":    "75平米一居室",
			"revisit_count": 0.0,
			"selected_roles": []any{
				map[string]any{"role_id": "V2-1"},
			},
		},
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
}

func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	in := sampleSession("s1", now)
	require.NoError(t, store.Put(ctx, in))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.State, got.State, "state round-trips exactly")
	assert.Equal(t, in.InterruptPayload, got.InterruptPayload)
	assert.Equal(t, StatusWaitingForInput, got.Status)
	assert.True(t, in.UpdatedAt.Equal(got.UpdatedAt))

	got.Status = StatusCompleted
	got.InterruptPayload = nil
	got.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.Put(ctx, got))
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Nil(t, again.InterruptPayload)

	again.CurrentNode = "progressive_step2_radar"
	require.NoError(t, store.Update(ctx, again))
	updated, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "progressive_step2_radar", updated.CurrentNode)

	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, store.Update(ctx, sampleSession("missing", now)), ErrSessionNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound, "update never inserts")

	require.NoError(t, store.Put(ctx, sampleSession("old", now.Add(-10*24*time.Hour))))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].SessionID, "most recent first")

	n, err := store.Purge(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, newSQLite(t))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestCachedStore(t *testing.T) {
	storeContract(t, NewCachedStore(NewMemoryStore(), 8, time.Minute))
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sess := sampleSession("s", time.Now())
	require.NoError(t, store.Put(ctx, sess))

	sess.State["user_input"] = "mutated"
	got, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "75平米一居室", got.State["user_input"])
}

func TestCachedStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	cached := NewCachedStore(backing, 4, time.Minute)
	require.NoError(t, cached.Put(ctx, sampleSession("s", time.Now())))
	assert.Equal(t, 1, cached.Len())

	// Removing behind the cache's back is not visible until eviction.
	require.NoError(t, backing.Delete(ctx, "s"))
	_, err := cached.Get(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, cached.Delete(ctx, "s"))
	_, err = cached.Get(ctx, "s")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCachedStoreSeesDeletionByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *CachedStore {
		s, err := OpenSQLite(ctx, path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return NewCachedStore(s, 8, time.Hour)
	}
	runner, canceller := open(), open()

	sess := sampleSession("s", time.Now().UTC())
	require.NoError(t, runner.Put(ctx, sess))
	require.NoError(t, canceller.Delete(ctx, "s"))

	_, err := runner.Get(ctx, "s")
	require.NoError(t, err, "the stale copy is still cached")

	ok, err := runner.Exists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	sess.Status = StatusCompleted
	assert.ErrorIs(t, runner.Update(ctx, sess), ErrSessionNotFound)
	ok, err = canceller.Exists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok, "a deleted session is never written back")
}

func TestSchemaMigrationIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, initializeSchemaWithMigrations(ctx, s.db))
	v, err := getSchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}
