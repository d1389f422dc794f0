package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStoreAppendAndResolve(t *testing.T) {
	store := newTestStore(t)
	submitted := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(Entry{
		ID:          "w-1",
		Op:          "lock",
		IPID:        "0xabc",
		TxHash:      "0x01",
		SubmittedAt: submitted,
	}))

	pending, err := store.PendingFor("0xabc")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "w-1", pending[0].ID)
	require.Equal(t, OutcomePending, pending[0].Outcome)

	resolvedAt := submitted.Add(30 * time.Second)
	require.NoError(t, store.Resolve("w-1", OutcomeConfirmed, "", resolvedAt))

	pending, err = store.PendingFor("0xabc")
	require.NoError(t, err)
	require.Empty(t, pending)

	got, err := store.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, got.Outcome)
	require.NotNil(t, got.ResolvedAt)
	require.True(t, got.ResolvedAt.Equal(resolvedAt))
}

func TestStoreResolveRecordsReason(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append(Entry{ID: "w-2", Op: "claim_and_repay", IPID: "0xabc", TxHash: "0x02"}))
	require.NoError(t, store.Resolve("w-2", OutcomeReverted, "execution reverted", time.Now()))

	got, err := store.Get("w-2")
	require.NoError(t, err)
	require.Equal(t, OutcomeReverted, got.Outcome)
	require.Equal(t, "execution reverted", got.Reason)
}

func TestStorePendingForIsolatesPositions(t *testing.T) {
	store := newTestStore(t)
	for _, entry := range []Entry{
		{ID: "a-1", Op: "lock", IPID: "0xAAA", TxHash: "0x03"},
		{ID: "a-2", Op: "unlock", IPID: "0xaaa", TxHash: "0x04"},
		{ID: "b-1", Op: "lock", IPID: "0xbbb", TxHash: "0x05"},
	} {
		require.NoError(t, store.Append(entry))
	}

	// Position ids match case-insensitively.
	pending, err := store.PendingFor("0xaaa")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	pending, err = store.PendingFor("0xbbb")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b-1", pending[0].ID)
}

func TestStoreRejectsEmptyID(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.Append(Entry{Op: "lock", IPID: "0xabc"}))
}

func TestStoreResolveMissingEntry(t *testing.T) {
	store := newTestStore(t)
	err := store.Resolve("absent", OutcomeConfirmed, "", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(Entry{ID: "w-3", Op: "lock", IPID: "0xabc", TxHash: "0x06"}))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.PendingFor("0xabc")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "w-3", pending[0].ID)
}
