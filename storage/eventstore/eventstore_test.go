package eventstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/core/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreArchivesLogRecords(t *testing.T) {
	store := openTestStore(t)
	log := events.NewLog()
	log.SetSink(store)
	log.Emit(events.Typed{Evt: &types.Event{Type: "escrow.new", Attributes: map[string]string{"itemId": "1"}}})
	log.Emit(events.Typed{Evt: &types.Event{Type: "escrow.deposit", Attributes: map[string]string{"itemId": "1", "kind": "complete"}}})

	records, err := store.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[1].Sequence)
	require.Equal(t, "complete", records[1].Event.Attributes["kind"])

	page, err := store.List(1, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "escrow.deposit", page[0].Event.Type)

	restored := events.NewLog()
	require.NoError(t, restored.Restore(records))
	require.Equal(t, 2, restored.Len())
}

func TestStoreRejectsConflictingSequence(t *testing.T) {
	store := openTestStore(t)
	rec := events.Record{Sequence: 1, Event: &types.Event{Type: "escrow.new"}}
	require.NoError(t, store.Append(rec))
	require.NoError(t, store.Append(rec), "repeating an archived record is accepted")
	require.Error(t, store.Append(events.Record{Sequence: 1, Event: &types.Event{Type: "escrow.cancel"}}))

	records, err := store.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "escrow.new", records[0].Event.Type)
}

func TestStoreDetectsTamperedRows(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Append(events.Record{Sequence: 1, Event: &types.Event{Type: "escrow.complete", Attributes: map[string]string{"itemId": "4"}}}))
	require.NoError(t, store.db.Model(&eventRow{}).Where("sequence = ?", 1).Update("attributes", `{"itemId":"5"}`).Error)

	_, err := store.Load()
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
