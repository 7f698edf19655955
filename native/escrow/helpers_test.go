package escrow_test

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/native/bank"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

const genesisTime int64 = 1_700_000_000

var oneUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneUnit)
}

func halfUnit() *big.Int {
	return new(big.Int).Div(oneUnit, big.NewInt(2))
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	buyer    = newTestAddress(0x01)
	seller   = newTestAddress(0x02)
	arbiter  = newTestAddress(0x03)
	stranger = newTestAddress(0x04)
	buyer2   = newTestAddress(0x05)
)

type harness struct {
	t      *testing.T
	db     *storage.MemDB
	state  *state.Manager
	bank   *bank.Bank
	ledger *escrow.Ledger
	log    *events.Log
	now    int64
}

func newHarness(t *testing.T, opts ...escrow.Option) *harness {
	t.Helper()
	db := storage.NewMemDB()
	st := state.NewManager(db)
	b := bank.New(st)
	l := escrow.NewLedger(st, b, opts...)
	b.RegisterReceiver(l.Address(), l)
	log := events.NewLog()
	l.SetEmitter(log)
	b.SetEmitter(log)
	h := &harness{t: t, db: db, state: st, bank: b, ledger: l, log: log, now: genesisTime}
	l.SetNowFunc(func() int64 { return h.now })
	return h
}

func (h *harness) fund(addr [20]byte, amount *big.Int) {
	h.t.Helper()
	require.NoError(h.t, h.bank.Credit(addr, amount))
}

func (h *harness) balance(addr [20]byte) *big.Int {
	h.t.Helper()
	bal, err := h.bank.Balance(addr)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) purchase(b [20]byte, itemID uint64) *escrow.Purchase {
	h.t.Helper()
	p, err := h.ledger.Purchase(b, itemID)
	require.NoError(h.t, err)
	return p
}

func (h *harness) reserved(itemID uint64) bool {
	h.t.Helper()
	ok, err := h.ledger.IsItemReserved(itemID)
	require.NoError(h.t, err)
	return ok
}

func (h *harness) eventTypes() []string {
	records := h.log.List(0, 0)
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Event.Type)
	}
	return out
}

// openFunded creates an escrow for itemID at price and deposits the full
// amount from b.
func (h *harness) openFunded(b, s, a [20]byte, itemID uint64, price *big.Int) {
	h.t.Helper()
	ctx := context.Background()
	h.fund(b, price)
	_, err := h.ledger.NewEscrow(ctx, b, b, s, a, itemID, price)
	require.NoError(h.t, err)
	require.NoError(h.t, h.ledger.Deposit(ctx, b, itemID, price))
}

func requireInvariants(t *testing.T, p *escrow.Purchase) {
	t.Helper()
	require.LessOrEqual(t, p.EscrowBalance.Cmp(p.Price), 0, "balance must not exceed price")
	if p.Status.Terminal() {
		require.Zero(t, p.EscrowBalance.Sign(), "terminal purchase must be empty")
	}
	if p.Status == escrow.StatusPartlyDeposited || p.Status == escrow.StatusDeposited {
		require.NotZero(t, p.DepositedAt, "funded purchase must record its deposit time")
	}
}
