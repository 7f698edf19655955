package common

import "errors"

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPause is a PauseView backed by a fixed set of module names.
type StaticPause map[string]bool

// IsPaused implements PauseView.
func (s StaticPause) IsPaused(module string) bool { return s[module] }

// ReentrancyGuard is a non-reentrant execution lock. Enter marks the guard as
// busy and any further Enter fails until the returned release function runs.
// It tracks an explicit busy state instead of call depth so every nested
// entry is rejected, not only self-recursion. The guard does not synchronise
// goroutines; callers serialise top-level access themselves.
type ReentrancyGuard struct {
	busy bool
}

// Enter acquires the guard. The release function is idempotent and is meant
// to be deferred immediately.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if g.busy {
		return func() {}, ErrReentrantCall
	}
	g.busy = true
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.busy = false
	}, nil
}

// Busy reports whether a guarded call is in progress.
func (g *ReentrancyGuard) Busy() bool { return g.busy }
