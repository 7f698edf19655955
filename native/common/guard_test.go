package common

import (
	"errors"
	"testing"
)

func TestGuardPaused(t *testing.T) {
	pauses := StaticPause{"escrow": true}
	if err := Guard(pauses, "escrow"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := Guard(pauses, "bank"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Guard(nil, "escrow"); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
}

func TestReentrancyGuardRejectsNestedEntry(t *testing.T) {
	var g ReentrancyGuard
	release, err := g.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !g.Busy() {
		t.Fatalf("expected busy guard")
	}
	if _, err := g.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected reentrant error, got %v", err)
	}
	release()
	release()
	if g.Busy() {
		t.Fatalf("guard still busy after release")
	}
	again, err := g.Enter()
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	again()
}

func TestReentrancyGuardReleasedOnPanic(t *testing.T) {
	var g ReentrancyGuard
	func() {
		defer func() { _ = recover() }()
		release, err := g.Enter()
		if err != nil {
			t.Fatalf("enter: %v", err)
		}
		defer release()
		panic("boom")
	}()
	if g.Busy() {
		t.Fatalf("guard must be released on every exit path")
	}
}
