package zoesync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newMutation(userID, table string, op Operation, data map[string]any) *Mutation {
	return &Mutation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Table:     table,
		Op:        op,
		Data:      data,
		MatchKeys: DefaultMatchKeys(data),
		CreatedAt: time.Now().UTC(),
	}
}

// runStoreSuite exercises the MutationStore contract against any implementation.
func runStoreSuite(t *testing.T, open func(t *testing.T) MutationStore) {
	ctx := context.Background()

	t.Run("FIFO order per user", func(t *testing.T) {
		s := open(t)
		m1 := newMutation("u1", "favorite_verses", OpInsert, map[string]any{"user_id": "u1", "verse_id": "V1"})
		m2 := newMutation("u1", "verse_highlights", OpUpdate, map[string]any{"user_id": "u1", "verse_id": "V1", "color": "amber"})
		m3 := newMutation("u2", "favorite_verses", OpInsert, map[string]any{"user_id": "u2", "verse_id": "V9"})
		require.NoError(t, s.Enqueue(ctx, m1))
		require.NoError(t, s.Enqueue(ctx, m2))
		require.NoError(t, s.Enqueue(ctx, m3))

		got, err := s.MutationsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, m1.ID, got[0].ID)
		require.Equal(t, m2.ID, got[1].ID)
		require.Equal(t, "amber", got[1].Data["color"])
		require.Equal(t, []string{"user_id", "verse_id"}, got[1].MatchKeys)

		other, err := s.MutationsByUser(ctx, "u2")
		require.NoError(t, err)
		require.Len(t, other, 1)
	})

	t.Run("update patches retry state", func(t *testing.T) {
		s := open(t)
		m := newMutation("u1", "verse_notes", OpInsert, map[string]any{"user_id": "u1", "verse_id": "V2", "body": "selah"})
		require.NoError(t, s.Enqueue(ctx, m))

		retries := 3
		msg := "connection reset"
		require.NoError(t, s.UpdateMutation(ctx, m.ID, MutationPatch{RetryCount: &retries, Error: &msg}))

		got, err := s.MutationsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, 3, got[0].RetryCount)
		require.Equal(t, "connection reset", got[0].Error)
	})

	t.Run("update of missing id is a no-op", func(t *testing.T) {
		s := open(t)
		retries := 1
		require.NoError(t, s.UpdateMutation(ctx, "nope", MutationPatch{RetryCount: &retries}))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		s := open(t)
		m := newMutation("u1", "favorite_verses", OpDelete, map[string]any{"user_id": "u1", "verse_id": "V1"})
		require.NoError(t, s.Enqueue(ctx, m))
		require.NoError(t, s.RemoveMutation(ctx, m.ID))
		require.NoError(t, s.RemoveMutation(ctx, m.ID))

		got, err := s.MutationsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("pending count spans all users", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Enqueue(ctx, newMutation("u1", "favorite_verses", OpInsert, map[string]any{"user_id": "u1", "verse_id": "V1"})))
		require.NoError(t, s.Enqueue(ctx, newMutation("u2", "favorite_verses", OpInsert, map[string]any{"user_id": "u2", "verse_id": "V2"})))

		count, err := s.PendingCount(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) MutationStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) MutationStore {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s1, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	m := newMutation("u1", "reading_progress", OpUpdate,
		map[string]any{"user_id": "u1", "book_id": "JHN", "chapter": 3, "completed": true})
	require.NoError(t, s1.Enqueue(ctx, m))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.MutationsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, m.ID, got[0].ID)
	require.Equal(t, OpUpdate, got[0].Op)
	require.Equal(t, true, got[0].Data["completed"])
	require.Equal(t, []string{"user_id", "book_id", "chapter"}, got[0].MatchKeys)
	require.WithinDuration(t, m.CreatedAt, got[0].CreatedAt, time.Millisecond)
}

func TestSQLiteStore_OpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	for i := 0; i < 3; i++ {
		s, err := OpenSQLiteStore(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}
