package state

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StateVersion identifies the on-disk layout of purchases, reservations and
// balances. Increment it whenever the stored encoding changes.
const StateVersion uint32 = 1

// ErrStateVersionMismatch indicates the stored schema version does not match
// the version supported by the current binary.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

// SetStateVersion records the schema version in the current scope.
func (m *Manager) SetStateVersion(version uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], version)
	return m.put(stateVersionKey, buf[:])
}

// StateVersion returns the stored schema version and whether one was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	data, err := m.get(stateVersionKey)
	if err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, false, nil
	}
	if len(data) != 4 {
		return 0, false, fmt.Errorf("state: malformed schema version (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint32(data), true, nil
}

// EnsureStateVersion verifies that a populated database was written with the
// supported layout. A database that was never initialised passes.
func EnsureStateVersion(m *Manager) error {
	if m == nil {
		return fmt.Errorf("state: manager must not be nil")
	}
	version, ok, err := m.StateVersion()
	if err != nil {
		return err
	}
	if !ok {
		applied, err := m.GenesisApplied()
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
	}
	if version == StateVersion {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}
