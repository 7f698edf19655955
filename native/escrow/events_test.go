package escrow_test

import (
	"encoding/hex"
	"math/big"
	"reflect"
	"testing"

	"escrowledger/native/escrow"
)

func TestEscrowEventsHaveDeterministicPayload(t *testing.T) {
	p := &escrow.Purchase{
		Buyer:         newTestAddress(0xBB),
		Seller:        newTestAddress(0xCC),
		Arbiter:       newTestAddress(0xDD),
		ItemID:        77,
		Price:         big.NewInt(1500),
		EscrowBalance: big.NewInt(1500),
		Status:        escrow.StatusDeposited,
	}
	buyerHex := hex.EncodeToString(p.Buyer[:])

	created := escrow.NewEscrowEvent(p)
	wantCreated := map[string]string{
		"buyer":  buyerHex,
		"itemId": "77",
		"seller": hex.EncodeToString(p.Seller[:]),
		"price":  "1500",
	}
	if created.Type != escrow.EventTypeNewEscrow || !reflect.DeepEqual(created.Attributes, wantCreated) {
		t.Fatalf("unexpected new escrow event: %+v", created)
	}

	deposit := escrow.NewDepositEvent(p, big.NewInt(500))
	wantDeposit := map[string]string{"buyer": buyerHex, "itemId": "77", "amount": "500", "kind": escrow.DepositKindComplete}
	if deposit.Type != escrow.EventTypeDeposit || !reflect.DeepEqual(deposit.Attributes, wantDeposit) {
		t.Fatalf("unexpected deposit event: %+v", deposit)
	}

	p.Status = escrow.StatusPartlyDeposited
	if kind := escrow.NewDepositEvent(p, big.NewInt(1)).Attributes["kind"]; kind != escrow.DepositKindPartial {
		t.Fatalf("expected partial deposit kind, got %s", kind)
	}

	wantIdentity := map[string]string{"buyer": buyerHex, "itemId": "77"}
	if evt := escrow.NewCompleteEvent(p); evt.Type != escrow.EventTypeComplete || !reflect.DeepEqual(evt.Attributes, wantIdentity) {
		t.Fatalf("unexpected complete event: %+v", evt)
	}
	if evt := escrow.NewCancelEvent(p); evt.Type != escrow.EventTypeCancel || !reflect.DeepEqual(evt.Attributes, wantIdentity) {
		t.Fatalf("unexpected cancel event: %+v", evt)
	}
}

func TestEventPayloadsTolerateNilPurchase(t *testing.T) {
	if evt := escrow.NewEscrowEvent(nil); len(evt.Attributes) != 0 {
		t.Fatalf("expected empty attributes, got %v", evt.Attributes)
	}
	if evt := escrow.NewDepositEvent(nil, nil); evt.Attributes["amount"] != "0" {
		t.Fatalf("expected zero amount, got %v", evt.Attributes)
	}
}
