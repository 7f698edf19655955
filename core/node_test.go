package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/native/common"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

var (
	buyerAddr   = [20]byte{0x01}
	sellerAddr  = [20]byte{0x02}
	arbiterAddr = [20]byte{0x03}
)

type memoryArchive struct {
	mu      sync.Mutex
	records []events.Record
}

func (a *memoryArchive) Append(rec events.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memoryArchive) Load() ([]events.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]events.Record(nil), a.records...), nil
}

func newTestNode(t *testing.T, db storage.Database, cfg Config) *Node {
	t.Helper()
	node, err := NewNode(db, cfg)
	require.NoError(t, err)
	return node
}

func requireBalance(t *testing.T, n *Node, addr [20]byte, want int64) {
	t.Helper()
	bal, err := n.Balance(addr)
	require.NoError(t, err)
	require.Equal(t, want, bal.Int64())
}

func TestAllocationsAreCreditedOnce(t *testing.T) {
	db := storage.NewMemDB()
	cfg := Config{Allocations: map[[20]byte]*big.Int{buyerAddr: big.NewInt(500)}}

	first := newTestNode(t, db, cfg)
	requireBalance(t, first, buyerAddr, 500)

	second := newTestNode(t, db, cfg)
	requireBalance(t, second, buyerAddr, 500)
}

func TestNodeEscrowLifecycle(t *testing.T) {
	node := newTestNode(t, storage.NewMemDB(), Config{
		Allocations: map[[20]byte]*big.Int{buyerAddr: big.NewInt(100)},
	})
	ctx := context.Background()

	key, err := node.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 9, big.NewInt(60))
	require.NoError(t, err)
	require.Equal(t, node.EscrowPurchaseKey(buyerAddr, 9), key)

	require.NoError(t, node.EscrowDeposit(ctx, buyerAddr, 9, big.NewInt(60)))
	requireBalance(t, node, node.LedgerAddress(), 60)

	reserved, err := node.EscrowIsItemReserved(9)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, node.EscrowComplete(ctx, arbiterAddr, buyerAddr, 9))
	requireBalance(t, node, sellerAddr, 60)
	requireBalance(t, node, buyerAddr, 40)

	p, err := node.EscrowGet(key)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, p.Status)

	records := node.ListEvents(0, 0)
	require.Len(t, records, 3)
	require.Equal(t, escrow.EventTypeComplete, records[2].Event.Type)
}

func TestNodeCancelUsesConfiguredCooldown(t *testing.T) {
	node := newTestNode(t, storage.NewMemDB(), Config{
		CancelCooldown: time.Hour,
		Allocations:    map[[20]byte]*big.Int{buyerAddr: big.NewInt(10)},
	})
	ctx := context.Background()
	_, err := node.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 1, big.NewInt(10))
	require.NoError(t, err)
	require.NoError(t, node.EscrowDeposit(ctx, buyerAddr, 1, big.NewInt(10)))

	require.ErrorIs(t, node.EscrowCancel(ctx, buyerAddr, 1), escrow.ErrTimingNotElapsed)
}

func TestNodeRestoresArchivedEvents(t *testing.T) {
	db := storage.NewMemDB()
	archive := &memoryArchive{}
	ctx := context.Background()

	first := newTestNode(t, db, Config{Archive: archive})
	_, err := first.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 1, big.NewInt(5))
	require.NoError(t, err)
	require.Len(t, archive.records, 1)

	second := newTestNode(t, db, Config{Archive: archive})
	require.Equal(t, 1, second.Events().Len())
	require.NoError(t, second.EscrowCancel(ctx, buyerAddr, 1))

	records := second.ListEvents(0, 0)
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[1].Sequence)
	require.Len(t, archive.records, 2)
}

type flakyArchive struct {
	memoryArchive
	failures int
}

func (a *flakyArchive) Append(rec events.Record) error {
	if a.failures > 0 {
		a.failures--
		return fmt.Errorf("archive offline at sequence %d", rec.Sequence)
	}
	return a.memoryArchive.Append(rec)
}

func TestNodeRestartsAfterFailedArchiveWrite(t *testing.T) {
	db := storage.NewMemDB()
	archive := &flakyArchive{failures: 1}
	ctx := context.Background()

	first := newTestNode(t, db, Config{Archive: archive})
	_, err := first.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 1, big.NewInt(5))
	require.NoError(t, err)
	require.Empty(t, archive.records)
	require.NoError(t, first.EscrowCancel(ctx, buyerAddr, 1))

	second := newTestNode(t, db, Config{Archive: archive})
	records := second.ListEvents(0, 0)
	require.Len(t, records, 2)
	require.Equal(t, int64(1), records[0].Sequence)
	require.Equal(t, int64(2), records[1].Sequence)
}

func TestNodeStartsWithGapInArchive(t *testing.T) {
	db := storage.NewMemDB()
	archive := &memoryArchive{}
	ctx := context.Background()

	first := newTestNode(t, db, Config{Archive: archive})
	_, err := first.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 1, big.NewInt(5))
	require.NoError(t, err)
	require.NoError(t, first.EscrowCancel(ctx, buyerAddr, 1))
	archive.records = archive.records[1:]

	second := newTestNode(t, db, Config{Archive: archive})
	_, err = second.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 2, big.NewInt(5))
	require.NoError(t, err)

	records := second.ListEvents(0, 0)
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[0].Sequence)
	require.Equal(t, int64(3), records[1].Sequence)
	require.Len(t, archive.records, 2)
}

func TestNodePausedRejectsMutations(t *testing.T) {
	node := newTestNode(t, storage.NewMemDB(), Config{Paused: true})
	_, err := node.EscrowNew(context.Background(), buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 1, big.NewInt(5))
	require.ErrorIs(t, err, common.ErrModulePaused)
}

func TestNodeTransferIntoCustodyIsRejected(t *testing.T) {
	node := newTestNode(t, storage.NewMemDB(), Config{
		Allocations: map[[20]byte]*big.Int{buyerAddr: big.NewInt(10)},
	})
	err := node.Transfer(context.Background(), buyerAddr, node.LedgerAddress(), big.NewInt(10))
	require.ErrorIs(t, err, escrow.ErrUnsolicitedTransfer)
	requireBalance(t, node, buyerAddr, 10)

	require.NoError(t, node.Transfer(context.Background(), buyerAddr, sellerAddr, big.NewInt(4)))
	requireBalance(t, node, sellerAddr, 4)
}

func TestNodeSerialisesConcurrentCalls(t *testing.T) {
	const buyers = 16
	allocs := make(map[[20]byte]*big.Int, buyers)
	for i := 0; i < buyers; i++ {
		allocs[[20]byte{0x10, byte(i)}] = big.NewInt(100)
	}
	node := newTestNode(t, storage.NewMemDB(), Config{Allocations: allocs})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := [20]byte{0x10, byte(i)}
			item := uint64(100 + i)
			if _, err := node.EscrowNew(ctx, b, b, sellerAddr, arbiterAddr, item, big.NewInt(50)); err != nil {
				errs <- fmt.Errorf("buyer %d: %w", i, err)
				return
			}
			if err := node.EscrowDeposit(ctx, b, item, big.NewInt(50)); err != nil {
				errs <- fmt.Errorf("buyer %d: %w", i, err)
				return
			}
			errs <- node.EscrowComplete(ctx, arbiterAddr, b, item)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	requireBalance(t, node, sellerAddr, 50*buyers)
	requireBalance(t, node, node.LedgerAddress(), 0)
	require.Len(t, node.ListEvents(0, 0), 3*buyers)
}

func TestNodeSupplyMatchesBalances(t *testing.T) {
	node := newTestNode(t, storage.NewMemDB(), Config{
		Allocations: map[[20]byte]*big.Int{buyerAddr: big.NewInt(70), sellerAddr: big.NewInt(30)},
	})
	ctx := context.Background()
	_, err := node.EscrowNew(ctx, buyerAddr, buyerAddr, sellerAddr, arbiterAddr, 3, big.NewInt(20))
	require.NoError(t, err)
	require.NoError(t, node.EscrowDeposit(ctx, buyerAddr, 3, big.NewInt(20)))

	supply, err := node.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, int64(100), supply.Int64())

	sum := new(big.Int)
	for _, addr := range [][20]byte{buyerAddr, sellerAddr, arbiterAddr, node.LedgerAddress()} {
		bal, err := node.Balance(addr)
		require.NoError(t, err)
		sum.Add(sum, bal)
	}
	require.Zero(t, supply.Cmp(sum))
}

func TestNodeRejectsUnknownStateVersion(t *testing.T) {
	db := storage.NewMemDB()
	newTestNode(t, db, Config{Allocations: map[[20]byte]*big.Int{buyerAddr: big.NewInt(1)}})

	manager := state.NewManager(db)
	snap := manager.Begin()
	require.NoError(t, manager.SetStateVersion(state.StateVersion+1))
	_, err := manager.Finish(snap, nil)
	require.NoError(t, err)

	_, err = NewNode(db, Config{})
	require.ErrorIs(t, err, state.ErrStateVersionMismatch)
}
