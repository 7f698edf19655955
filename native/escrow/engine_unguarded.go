package escrow

import (
	"context"
	"math/big"
)

// completeInteractionsFirst pays the seller before the purchase is marked
// completed. While the transfer runs the stored record is still Deposited with
// a full balance, so a seller hook calling CompletePurchase again is paid
// again for as long as custody holds funds.
func (l *Ledger) completeInteractionsFirst(ctx context.Context, p *Purchase) error {
	if err := l.send(ctx, p.Seller, p.EscrowBalance); err != nil {
		return err
	}
	p.Status = StatusCompleted
	p.EscrowBalance = big.NewInt(0)
	p.CompletedAt = l.now()
	if err := l.state.PurchasePut(p); err != nil {
		return err
	}
	l.state.AddEvent(NewCompleteEvent(p))
	return nil
}

// cancelInteractionsFirst refunds the buyer before the purchase is cancelled
// and the reservation released.
func (l *Ledger) cancelInteractionsFirst(ctx context.Context, p *Purchase, now uint64) error {
	if p.EscrowBalance.Sign() > 0 {
		if err := l.send(ctx, p.Buyer, p.EscrowBalance); err != nil {
			return err
		}
	}
	p.Status = StatusCancelled
	if err := l.state.SetItemReserved(p.ItemID, false); err != nil {
		return err
	}
	p.EscrowBalance = big.NewInt(0)
	p.CancelledAt = now
	if err := l.state.PurchasePut(p); err != nil {
		return err
	}
	l.state.AddEvent(NewCancelEvent(p))
	return nil
}
