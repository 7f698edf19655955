package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/core/types"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func TestFinishCommitsOutermostScope(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)

	outer := m.Begin()
	require.NoError(t, m.SetBalance(addr(0x01), big.NewInt(5)))
	m.AddEvent(&types.Event{Type: "outer"})

	inner := m.Begin()
	require.NoError(t, m.SetBalance(addr(0x02), big.NewInt(7)))
	m.AddEvent(&types.Event{Type: "inner"})
	evts, err := m.Finish(inner, nil)
	require.NoError(t, err)
	require.Nil(t, evts)
	require.Equal(t, 0, db.Len())

	evts, err = m.Finish(outer, nil)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, "outer", evts[0].Type)
	require.Equal(t, "inner", evts[1].Type)
	require.Equal(t, 2, db.Len())
	require.Equal(t, 0, m.Pending())
	require.Equal(t, 0, m.Depth())
}

func TestFinishRevertsFailedNestedScopeOnly(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	outer := m.Begin()
	require.NoError(t, m.SetBalance(addr(0x01), big.NewInt(5)))

	inner := m.Begin()
	require.NoError(t, m.SetBalance(addr(0x01), big.NewInt(1)))
	m.AddEvent(&types.Event{Type: "inner"})
	boom := errors.New("boom")
	_, err := m.Finish(inner, boom)
	require.ErrorIs(t, err, boom)

	bal, err := m.Balance(addr(0x01))
	require.NoError(t, err)
	require.Equal(t, int64(5), bal.Int64())

	evts, err := m.Finish(outer, nil)
	require.NoError(t, err)
	require.Empty(t, evts)
}

func TestFinishRevertsEverythingOnOuterFailure(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)

	outer := m.Begin()
	require.NoError(t, m.SetItemReserved(9, true))
	inner := m.Begin()
	require.NoError(t, m.SetBalance(addr(0x03), big.NewInt(3)))
	_, err := m.Finish(inner, nil)
	require.NoError(t, err)

	_, err = m.Finish(outer, errors.New("abort"))
	require.Error(t, err)

	reserved, err := m.ItemReserved(9)
	require.NoError(t, err)
	require.False(t, reserved)
	bal, err := m.Balance(addr(0x03))
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
	require.Equal(t, 0, db.Len())
}

func TestPurchaseRoundTripThroughDatabase(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	p := &escrow.Purchase{
		Buyer:         addr(0x0A),
		Seller:        addr(0x0B),
		Arbiter:       addr(0x0C),
		ItemID:        42,
		Price:         big.NewInt(1_000),
		EscrowBalance: big.NewInt(400),
		Status:        escrow.StatusPartlyDeposited,
		CreatedAt:     100,
		DepositedAt:   200,
	}
	snap := m.Begin()
	require.NoError(t, m.PurchasePut(p))
	_, err := m.Finish(snap, nil)
	require.NoError(t, err)

	fresh := NewManager(db)
	got, ok, err := fresh.PurchaseGet(p.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p.Buyer, got.Buyer)
	require.Equal(t, uint64(42), got.ItemID)
	require.Zero(t, got.Price.Cmp(p.Price))
	require.Zero(t, got.EscrowBalance.Cmp(p.EscrowBalance))
	require.Equal(t, escrow.StatusPartlyDeposited, got.Status)
	require.Equal(t, uint64(200), got.DepositedAt)

	_, ok, err = fresh.PurchaseGet(escrow.PurchaseKey(addr(0x0A), 43))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPurchasePutRejectsBrokenInvariant(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	err := m.PurchasePut(&escrow.Purchase{
		Buyer:         addr(0x0A),
		ItemID:        1,
		Price:         big.NewInt(1),
		EscrowBalance: big.NewInt(2),
		Status:        escrow.StatusDeposited,
	})
	require.Error(t, err)
}
