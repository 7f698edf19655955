package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/observability/metrics"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: invalid amount")
	ErrReceiverRejected    = errors.New("bank: receiver rejected transfer")
	errNilState            = errors.New("bank: state not configured")
)

// Receiver is implemented by accounts that run code when value arrives. The
// hook executes after the recipient has been credited and before Transfer
// returns, so it may call back into whichever component initiated the
// transfer. Returning an error rejects the transfer and undoes it.
type Receiver interface {
	Receive(ctx context.Context, from [20]byte, amount *big.Int) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, from [20]byte, amount *big.Int) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, from [20]byte, amount *big.Int) error {
	return f(ctx, from, amount)
}

type bankState interface {
	Balance(addr [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, amount *big.Int) error
	AdjustSupply(delta *big.Int) (*big.Int, error)
	Begin() int
	Finish(snapshot int, err error) ([]*types.Event, error)
}

// Bank moves native value between accounts held in the journaled state.
type Bank struct {
	state     bankState
	receivers map[[20]byte]Receiver
	emitter   events.Emitter
}

// New returns a bank over the provided state.
func New(state bankState) *Bank {
	return &Bank{
		state:     state,
		receivers: make(map[[20]byte]Receiver),
		emitter:   events.NoopEmitter{},
	}
}

// SetEmitter configures where events committed by a top-level transfer are
// delivered. Passing nil resets the emitter to a no-op implementation.
func (b *Bank) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		b.emitter = events.NoopEmitter{}
		return
	}
	b.emitter = emitter
}

// RegisterReceiver installs the receive hook for addr, replacing any previous
// hook. A nil receiver removes the hook.
func (b *Bank) RegisterReceiver(addr [20]byte, r Receiver) {
	if r == nil {
		delete(b.receivers, addr)
		return
	}
	b.receivers[addr] = r
}

// Balance returns the balance held by addr.
func (b *Bank) Balance(addr [20]byte) (*big.Int, error) {
	if b == nil || b.state == nil {
		return nil, errNilState
	}
	return b.state.Balance(addr)
}

// Credit adds newly issued value to addr, e.g. genesis allocations.
func (b *Bank) Credit(addr [20]byte, amount *big.Int) (err error) {
	if b == nil || b.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	snap := b.state.Begin()
	defer func() { err = b.finish(snap, err) }()
	current, err := b.state.Balance(addr)
	if err != nil {
		return err
	}
	if _, err := b.state.AdjustSupply(amount); err != nil {
		return err
	}
	return b.state.SetBalance(addr, new(big.Int).Add(current, amount))
}

// Transfer sends amount from one account to another and then runs the
// recipient's receive hook, if any. The hook may re-enter the caller. Any
// failure, including a hook rejection, undoes the whole transfer together
// with everything the hook did.
func (b *Bank) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) (err error) {
	if b == nil || b.state == nil {
		return errNilState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := b.state.Begin()
	defer func() {
		err = b.finish(snap, err)
		metrics.Escrow().RecordTransfer("transfer", err)
	}()
	if err := b.move(from, to, amount); err != nil {
		return err
	}
	if receiver, ok := b.receivers[to]; ok {
		if err := receiver.Receive(ctx, from, new(big.Int).Set(amount)); err != nil {
			return fmt.Errorf("%w: %w", ErrReceiverRejected, err)
		}
	}
	return nil
}

// Collect pulls amount from one account into another without running any
// receive hook. It is used by modules absorbing value tendered with a call.
func (b *Bank) Collect(ctx context.Context, from, to [20]byte, amount *big.Int) (err error) {
	if b == nil || b.state == nil {
		return errNilState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := b.state.Begin()
	defer func() {
		err = b.finish(snap, err)
		metrics.Escrow().RecordTransfer("collect", err)
	}()
	return b.move(from, to, amount)
}

func (b *Bank) move(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBal, err := b.state.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	if err := b.state.SetBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	toBal, err := b.state.Balance(to)
	if err != nil {
		return err
	}
	return b.state.SetBalance(to, new(big.Int).Add(toBal, amount))
}

func (b *Bank) finish(snap int, err error) error {
	committed, err := b.state.Finish(snap, err)
	for _, evt := range committed {
		b.emitter.Emit(events.Typed{Evt: evt})
	}
	return err
}
