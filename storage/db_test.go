package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBGetMissingKey(t *testing.T) {
	db := NewMemDB()
	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBBatchAppliesAllWrites(t *testing.T) {
	db := NewMemDB()
	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	require.Equal(t, 2, batch.Len())
	require.Equal(t, 0, db.Len())

	require.NoError(t, batch.Write())
	got, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	require.Equal(t, 0, batch.Len())
}

func TestLevelDBBatchPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	batch := db1.NewBatch()
	batch.Put([]byte("escrow/reserved/1"), []byte{0x01})
	require.NoError(t, batch.Write())
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("escrow/reserved/1"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, got)

	_, err = db2.Get([]byte("escrow/reserved/2"))
	require.ErrorIs(t, err, ErrNotFound)
}
