package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/native/common"
	"escrowledger/observability/metrics"
)

const (
	// ModuleName identifies the ledger for pause switches and logs.
	ModuleName = "escrow"

	// DefaultCancelCooldown is the minimum time that must pass after the last
	// deposit before the buyer may cancel.
	DefaultCancelCooldown = 24 * time.Hour
)

// Ordering selects when the outbound transfer of CompletePurchase and Cancel
// happens relative to the state update.
type Ordering uint8

const (
	// OrderingEffectsFirst persists the terminal state before any value
	// leaves custody (checks-effects-interactions).
	OrderingEffectsFirst Ordering = iota
	// OrderingInteractionsFirst pays out first and updates state afterwards.
	// A recipient hook re-entering the ledger observes the pre-payout record
	// and can be paid again. Only exists to reproduce that defect in tests.
	OrderingInteractionsFirst
)

func (o Ordering) String() string {
	if o == OrderingInteractionsFirst {
		return "interactions-first"
	}
	return "effects-first"
}

type ledgerState interface {
	PurchasePut(*Purchase) error
	PurchaseGet(key [32]byte) (*Purchase, bool, error)
	ItemReserved(itemID uint64) (bool, error)
	SetItemReserved(itemID uint64, reserved bool) error
	AddEvent(*types.Event)
	Begin() int
	Finish(snapshot int, err error) ([]*types.Event, error)
}

// ValueTransfer moves funds in and out of the ledger custody account.
// Transfer may run code supplied by the recipient before it returns; that code
// may call back into the ledger.
type ValueTransfer interface {
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
	Collect(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

// Option customises a Ledger at construction time.
type Option func(*Ledger)

// WithAddress overrides the custody account of the ledger.
func WithAddress(addr [20]byte) Option {
	return func(l *Ledger) { l.address = addr }
}

// WithCancelCooldown overrides the cancel cooldown window. Non-positive values
// are ignored.
func WithCancelCooldown(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.cooldown = uint64(d / time.Second)
		}
	}
}

// WithOrdering selects the payout ordering.
func WithOrdering(o Ordering) Option {
	return func(l *Ledger) { l.ordering = o }
}

// WithoutReentrancyGuard disables the ledger-wide non-reentrant lock around
// CompletePurchase and Cancel.
func WithoutReentrancyGuard() Option {
	return func(l *Ledger) { l.guarded = false }
}

// Unguarded configures the vulnerable variant: payout before state update and
// no reentrancy guard.
func Unguarded() Option {
	return func(l *Ledger) {
		l.ordering = OrderingInteractionsFirst
		l.guarded = false
	}
}

// WithLogger sets the structured logger used by the ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger is the purchase escrow state machine. It owns every purchase record
// and the item reservation flags stored in its state backend.
//
// A Ledger is not safe for concurrent use: top-level calls must be
// serialised by the owner. Nested calls arriving through a recipient's
// receive hook run on the caller's goroutine and are expected.
type Ledger struct {
	state    ledgerState
	transfer ValueTransfer
	emitter  events.Emitter
	pauses   common.PauseView
	logger   *slog.Logger
	nowFn    func() int64
	address  [20]byte
	cooldown uint64
	ordering Ordering
	guarded  bool
	guard    common.ReentrancyGuard
}

// NewLedger creates a ledger over the provided state and value-transfer
// backends with a no-op emitter.
func NewLedger(state ledgerState, transfer ValueTransfer, opts ...Option) *Ledger {
	l := &Ledger{
		state:    state,
		transfer: transfer,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		nowFn:    func() int64 { return time.Now().Unix() },
		address:  DefaultAddress,
		cooldown: uint64(DefaultCancelCooldown / time.Second),
		ordering: OrderingEffectsFirst,
		guarded:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = l.logger.With("component", ModuleName, "ordering", l.ordering.String())
	return l
}

// SetEmitter configures the event emitter used by the ledger. Passing nil
// resets the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source used by the ledger. Primarily intended
// for tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetPauses wires the pause switches consulted before state-changing calls.
func (l *Ledger) SetPauses(p common.PauseView) { l.pauses = p }

// Address returns the custody account of the ledger.
func (l *Ledger) Address() [20]byte { return l.address }

// Receive rejects value sent straight to the custody account. Funds enter the
// ledger only through Deposit.
func (l *Ledger) Receive(_ context.Context, from [20]byte, amount *big.Int) error {
	return fmt.Errorf("%w: %s from %x", ErrUnsolicitedTransfer, cloneBigInt(amount), from)
}

func (l *Ledger) now() uint64 {
	var ts int64
	if l == nil || l.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = l.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// execute runs fn inside a journaled state scope. On failure every write and
// event of the scope is discarded; when the outermost scope succeeds the
// committed events are delivered to the emitter.
func (l *Ledger) execute(ctx context.Context, op string, fn func() error) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := l.state.Begin()
	committed, err := l.state.Finish(snap, fn())
	for _, evt := range committed {
		l.emitter.Emit(events.Typed{Evt: evt})
	}
	l.observe(op, err)
	return err
}

func (l *Ledger) enterGuard(op string) (func(), error) {
	if !l.guarded {
		return func() {}, nil
	}
	release, err := l.guard.Enter()
	if err != nil {
		err = fmt.Errorf("%w: %s while another payout is in progress", ErrReentrant, op)
		metrics.Escrow().RecordReentrancyBlocked(op)
		l.observe(op, err)
		return release, err
	}
	return release, nil
}

func (l *Ledger) observe(op string, err error) {
	outcome := Code(err)
	if err != nil && outcome == "" {
		outcome = "error"
	}
	metrics.Escrow().RecordOperation(op, outcome)
	if err != nil {
		l.logger.Warn("escrow operation rejected", "op", op, "reason", outcome, "error", err)
		return
	}
	l.logger.Debug("escrow operation applied", "op", op)
}

func (l *Ledger) load(buyer [20]byte, itemID uint64) (*Purchase, error) {
	p, ok, err := l.state.PurchaseGet(PurchaseKey(buyer, itemID))
	if err != nil {
		return nil, err
	}
	if !ok || p.Status == StatusNotCreated {
		return nil, fmt.Errorf("%w: no escrow for buyer %x and item %d", ErrInvalidState, buyer, itemID)
	}
	return p, nil
}

func (l *Ledger) send(ctx context.Context, to [20]byte, amount *big.Int) error {
	if l.transfer == nil {
		return fmt.Errorf("%w: value transfer not configured", ErrTransferFailed)
	}
	if err := l.transfer.Transfer(ctx, l.address, to, cloneBigInt(amount)); err != nil {
		return fmt.Errorf("%w: send %s to %x: %v", ErrTransferFailed, amount, to, err)
	}
	return nil
}

// NewEscrow opens an escrow for itemID between buyer and seller, released by
// arbiter. The caller must be the buyer or the arbiter. It returns the
// purchase key.
func (l *Ledger) NewEscrow(ctx context.Context, caller, buyer, seller, arbiter [20]byte, itemID uint64, price *big.Int) ([32]byte, error) {
	key := PurchaseKey(buyer, itemID)
	err := l.execute(ctx, "newEscrow", func() error {
		if err := common.Guard(l.pauses, ModuleName); err != nil {
			return err
		}
		reserved, err := l.state.ItemReserved(itemID)
		if err != nil {
			return err
		}
		if reserved {
			return fmt.Errorf("%w: item %d is already reserved", ErrInvalidInput, itemID)
		}
		if buyer == ([20]byte{}) {
			return fmt.Errorf("%w: buyer address required", ErrInvalidInput)
		}
		if seller == ([20]byte{}) {
			return fmt.Errorf("%w: seller address required", ErrInvalidInput)
		}
		if arbiter == ([20]byte{}) {
			return fmt.Errorf("%w: arbiter address required", ErrInvalidInput)
		}
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
		}
		if caller != buyer && caller != arbiter {
			return fmt.Errorf("%w: only the buyer or arbiter may open an escrow", ErrUnauthorized)
		}
		existing, ok, err := l.state.PurchaseGet(key)
		if err != nil {
			return err
		}
		if ok && existing.Status != StatusNotCreated {
			return fmt.Errorf("%w: escrow for buyer %x and item %d already exists (%s)", ErrInvalidInput, buyer, itemID, existing.Status)
		}
		p := &Purchase{
			Buyer:         buyer,
			Seller:        seller,
			Arbiter:       arbiter,
			ItemID:        itemID,
			Price:         cloneBigInt(price),
			EscrowBalance: big.NewInt(0),
			Status:        StatusCreated,
			CreatedAt:     l.now(),
		}
		if err := l.state.PurchasePut(p); err != nil {
			return err
		}
		if err := l.state.SetItemReserved(itemID, true); err != nil {
			return err
		}
		l.state.AddEvent(NewEscrowEvent(p))
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

// Deposit moves amount from the caller into custody for the caller's escrow
// on itemID. Deposits may be split; the escrow becomes Deposited once the
// balance reaches the price.
func (l *Ledger) Deposit(ctx context.Context, caller [20]byte, itemID uint64, amount *big.Int) error {
	return l.execute(ctx, "deposit", func() error {
		if err := common.Guard(l.pauses, ModuleName); err != nil {
			return err
		}
		p, err := l.load(caller, itemID)
		if err != nil {
			return err
		}
		if p.Status != StatusCreated && p.Status != StatusPartlyDeposited {
			return fmt.Errorf("%w: cannot deposit in status %s", ErrInvalidState, p.Status)
		}
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidInput)
		}
		balance := new(big.Int).Add(p.EscrowBalance, amount)
		if balance.Cmp(p.Price) > 0 {
			return fmt.Errorf("%w: deposit of %s exceeds remaining %s", ErrAmountMismatch, amount, p.Remaining())
		}
		p.EscrowBalance = balance
		if balance.Cmp(p.Price) == 0 {
			p.Status = StatusDeposited
		} else {
			p.Status = StatusPartlyDeposited
		}
		p.DepositedAt = l.now()
		if err := l.state.PurchasePut(p); err != nil {
			return err
		}
		if l.transfer == nil {
			return fmt.Errorf("%w: value transfer not configured", ErrTransferFailed)
		}
		if err := l.transfer.Collect(ctx, caller, l.address, cloneBigInt(amount)); err != nil {
			return fmt.Errorf("%w: collect %s from %x: %v", ErrTransferFailed, amount, caller, err)
		}
		l.state.AddEvent(NewDepositEvent(p, amount))
		return nil
	})
}

// CompletePurchase releases the escrowed funds of (buyer, itemID) to the
// seller. Only the arbiter may call it and only once the escrow is fully
// funded.
func (l *Ledger) CompletePurchase(ctx context.Context, caller, buyer [20]byte, itemID uint64) error {
	const op = "completePurchase"
	release, err := l.enterGuard(op)
	if err != nil {
		return err
	}
	defer release()
	return l.execute(ctx, op, func() error {
		if err := common.Guard(l.pauses, ModuleName); err != nil {
			return err
		}
		p, err := l.load(buyer, itemID)
		if err != nil {
			return err
		}
		if caller != p.Arbiter {
			return fmt.Errorf("%w: only the arbiter may complete a purchase", ErrUnauthorized)
		}
		if p.Status != StatusDeposited {
			return fmt.Errorf("%w: cannot complete in status %s", ErrInvalidState, p.Status)
		}
		if p.EscrowBalance.Cmp(p.Price) != 0 {
			return fmt.Errorf("%w: balance %s does not match price %s", ErrAmountMismatch, p.EscrowBalance, p.Price)
		}
		if l.ordering == OrderingInteractionsFirst {
			return l.completeInteractionsFirst(ctx, p)
		}
		payout := cloneBigInt(p.EscrowBalance)
		p.Status = StatusCompleted
		p.EscrowBalance = big.NewInt(0)
		p.CompletedAt = l.now()
		if err := l.state.PurchasePut(p); err != nil {
			return err
		}
		if err := l.send(ctx, p.Seller, payout); err != nil {
			return err
		}
		l.state.AddEvent(NewCompleteEvent(p))
		return nil
	})
}

// Cancel refunds the caller's escrow on itemID and releases the item
// reservation. It is only allowed once the cooldown since the last deposit has
// elapsed; an escrow that never received a deposit can be cancelled at once.
func (l *Ledger) Cancel(ctx context.Context, caller [20]byte, itemID uint64) error {
	const op = "cancel"
	release, err := l.enterGuard(op)
	if err != nil {
		return err
	}
	defer release()
	return l.execute(ctx, op, func() error {
		if err := common.Guard(l.pauses, ModuleName); err != nil {
			return err
		}
		p, err := l.load(caller, itemID)
		if err != nil {
			return err
		}
		if !p.Status.Open() {
			return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidState, p.Status)
		}
		now := l.now()
		if unlock := p.DepositedAt + l.cooldown; now <= unlock {
			return fmt.Errorf("%w: cancel allowed after %d, now %d", ErrTimingNotElapsed, unlock, now)
		}
		if l.ordering == OrderingInteractionsFirst {
			return l.cancelInteractionsFirst(ctx, p, now)
		}
		refund := cloneBigInt(p.EscrowBalance)
		p.Status = StatusCancelled
		if err := l.state.SetItemReserved(p.ItemID, false); err != nil {
			return err
		}
		p.EscrowBalance = big.NewInt(0)
		p.CancelledAt = now
		if err := l.state.PurchasePut(p); err != nil {
			return err
		}
		if refund.Sign() > 0 {
			if err := l.send(ctx, p.Buyer, refund); err != nil {
				return err
			}
		}
		l.state.AddEvent(NewCancelEvent(p))
		return nil
	})
}

// GetPurchaseDetails returns the purchase stored under key. Unknown keys yield
// an empty record in StatusNotCreated.
func (l *Ledger) GetPurchaseDetails(key [32]byte) (*Purchase, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	p, ok, err := l.state.PurchaseGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Purchase{Price: big.NewInt(0), EscrowBalance: big.NewInt(0), Status: StatusNotCreated}, nil
	}
	return p, nil
}

// Purchase is a convenience lookup by buyer and item.
func (l *Ledger) Purchase(buyer [20]byte, itemID uint64) (*Purchase, error) {
	return l.GetPurchaseDetails(PurchaseKey(buyer, itemID))
}

// IsItemReserved reports whether itemID is currently held by an escrow.
func (l *Ledger) IsItemReserved(itemID uint64) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	return l.state.ItemReserved(itemID)
}
