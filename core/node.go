package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/native/bank"
	"escrowledger/native/common"
	"escrowledger/native/escrow"
	"escrowledger/observability/metrics"
	"escrowledger/storage"
)

// EventArchive persists the event log across restarts.
type EventArchive interface {
	events.Sink
	Load() ([]events.Record, error)
}

// Config wires the node's optional collaborators.
type Config struct {
	CancelCooldown time.Duration
	Paused         bool
	// Allocations are credited once, the first time the database is opened.
	Allocations   map[[20]byte]*big.Int
	Archive       EventArchive
	Logger        *slog.Logger
	LedgerOptions []escrow.Option
}

// Node is the central controller, wiring state, bank, ledger and event log
// together. Every exported entry point holds stateMu for its whole duration,
// so top-level calls never interleave. Calls made from inside a receive hook
// reach the ledger directly and are not serialised again.
type Node struct {
	stateMu sync.Mutex
	db      storage.Database
	state   *state.Manager
	bank    *bank.Bank
	ledger  *escrow.Ledger
	log     *events.Log
	logger  *slog.Logger
}

func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: database required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manager := state.NewManager(db)
	ledgerBank := bank.New(manager)
	opts := []escrow.Option{escrow.WithLogger(logger)}
	if cfg.CancelCooldown > 0 {
		opts = append(opts, escrow.WithCancelCooldown(cfg.CancelCooldown))
	}
	opts = append(opts, cfg.LedgerOptions...)
	ledger := escrow.NewLedger(manager, ledgerBank, opts...)
	ledgerBank.RegisterReceiver(ledger.Address(), ledger)
	ledger.SetPauses(common.StaticPause{escrow.ModuleName: cfg.Paused})

	eventLog := events.NewLog()
	if cfg.Archive != nil {
		archived, err := cfg.Archive.Load()
		if err != nil {
			return nil, fmt.Errorf("core: load event archive: %w", err)
		}
		if err := eventLog.Restore(archived); err != nil {
			return nil, fmt.Errorf("core: restore event log: %w", err)
		}
		eventLog.SetSink(cfg.Archive)
	}
	ledger.SetEmitter(eventLog)
	ledgerBank.SetEmitter(eventLog)

	n := &Node{
		db:     db,
		state:  manager,
		bank:   ledgerBank,
		ledger: ledger,
		log:    eventLog,
		logger: logger.With("component", "node"),
	}
	if err := state.EnsureStateVersion(manager); err != nil {
		return nil, err
	}
	if err := n.applyAllocations(cfg.Allocations); err != nil {
		return nil, err
	}
	n.refreshCustody()
	n.logger.Info("node ready",
		"custody", crypto.FromRaw(ledger.Address()).String(),
		"events", eventLog.Len(),
		"paused", cfg.Paused)
	return n, nil
}

func (n *Node) applyAllocations(allocs map[[20]byte]*big.Int) (err error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	applied, err := n.state.GenesisApplied()
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	addrs := make([][20]byte, 0, len(allocs))
	for addr := range allocs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	snap := n.state.Begin()
	defer func() { _, err = n.state.Finish(snap, err) }()
	for _, addr := range addrs {
		if err := n.bank.Credit(addr, allocs[addr]); err != nil {
			return fmt.Errorf("core: allocate %x: %w", addr, err)
		}
	}
	if err := n.state.SetStateVersion(state.StateVersion); err != nil {
		return err
	}
	return n.state.MarkGenesisApplied()
}

func (n *Node) refreshCustody() {
	bal, err := n.bank.Balance(n.ledger.Address())
	if err != nil {
		n.logger.Warn("read custody balance", "error", err)
		return
	}
	metrics.Escrow().SetCustody(bal)
}

// LedgerAddress returns the custody account of the escrow ledger.
func (n *Node) LedgerAddress() [20]byte { return n.ledger.Address() }

// Events exposes the sequenced event log.
func (n *Node) Events() *events.Log { return n.log }

func (n *Node) EscrowNew(ctx context.Context, caller, buyer, seller, arbiter [20]byte, itemID uint64, price *big.Int) ([32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.ledger.NewEscrow(ctx, caller, buyer, seller, arbiter, itemID, price)
}

func (n *Node) EscrowDeposit(ctx context.Context, caller [20]byte, itemID uint64, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.refreshCustody()

	return n.ledger.Deposit(ctx, caller, itemID, amount)
}

func (n *Node) EscrowComplete(ctx context.Context, caller, buyer [20]byte, itemID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.refreshCustody()

	return n.ledger.CompletePurchase(ctx, caller, buyer, itemID)
}

func (n *Node) EscrowCancel(ctx context.Context, caller [20]byte, itemID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.refreshCustody()

	return n.ledger.Cancel(ctx, caller, itemID)
}

func (n *Node) EscrowGet(key [32]byte) (*escrow.Purchase, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.ledger.GetPurchaseDetails(key)
}

func (n *Node) EscrowIsItemReserved(itemID uint64) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.ledger.IsItemReserved(itemID)
}

// EscrowPurchaseKey derives the identity of a purchase without touching state.
func (n *Node) EscrowPurchaseKey(buyer [20]byte, itemID uint64) [32]byte {
	return escrow.PurchaseKey(buyer, itemID)
}

// ListEvents returns up to limit records after the given sequence.
func (n *Node) ListEvents(after int64, limit int) []events.Record {
	return n.log.List(after, limit)
}

func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.bank.Balance(addr)
}

// TotalSupply returns the value issued through allocations.
func (n *Node) TotalSupply() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.state.TotalSupply()
}

// Transfer moves value between accounts. Transfers into the ledger custody
// account are rejected by the ledger's receive hook.
func (n *Node) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.bank.Transfer(ctx, from, to, amount)
}
