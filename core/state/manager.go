package state

import (
	"errors"
	"fmt"
	"sort"

	"escrowledger/core/types"
	"escrowledger/storage"
)

// Manager is a journaled view over the backing database. Writes are buffered
// in a dirty set and only reach the database when the outermost transaction
// finishes successfully; every write and every buffered event is journaled so
// any nested scope can be rolled back to its snapshot.
//
// Manager is not safe for concurrent use; callers serialise access.
type Manager struct {
	db      storage.Database
	dirty   map[string][]byte
	events  []*types.Event
	journal []journalEntry
	depth   int
}

type journalEntry struct {
	key   string
	prev  []byte
	had   bool
	event bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string][]byte)}
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: database not configured")
	}
	if value, ok := m.dirty[string(key)]; ok {
		return value, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(key, value []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	k := string(key)
	prev, had := m.dirty[k]
	m.journal = append(m.journal, journalEntry{key: k, prev: prev, had: had})
	m.dirty[k] = append([]byte(nil), value...)
	return nil
}

// AddEvent buffers an event in the current transaction. Buffered events are
// dropped together with the writes of a reverted scope.
func (m *Manager) AddEvent(evt *types.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events = append(m.events, evt.Clone())
	m.journal = append(m.journal, journalEntry{event: true})
}

// Snapshot returns an identifier for the current journal position.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every write and buffered event recorded after the
// snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		switch {
		case entry.event:
			m.events = m.events[:len(m.events)-1]
		case entry.had:
			m.dirty[entry.key] = entry.prev
		default:
			delete(m.dirty, entry.key)
		}
	}
	if id < len(m.journal) {
		m.journal = m.journal[:id]
	}
}

// Begin opens a (possibly nested) transaction scope and returns its snapshot.
// Every Begin must be paired with Finish.
func (m *Manager) Begin() int {
	m.depth++
	return m.Snapshot()
}

// Depth reports how many transaction scopes are open.
func (m *Manager) Depth() int { return m.depth }

// Finish closes the scope opened by Begin. A non-nil err reverts the scope and
// is returned unchanged. When the outermost scope succeeds the dirty set is
// written to the database in one batch and the buffered events are returned
// for delivery; nested scopes return no events.
func (m *Manager) Finish(snapshot int, err error) ([]*types.Event, error) {
	if m.depth > 0 {
		m.depth--
	}
	if err != nil {
		m.RevertToSnapshot(snapshot)
		return nil, err
	}
	if m.depth > 0 {
		return nil, nil
	}
	events := m.events
	if commitErr := m.commit(); commitErr != nil {
		m.RevertToSnapshot(snapshot)
		return nil, fmt.Errorf("state: commit: %w", commitErr)
	}
	return events, nil
}

func (m *Manager) commit() error {
	if len(m.dirty) > 0 {
		keys := make([]string, 0, len(m.dirty))
		for k := range m.dirty {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		batch := m.db.NewBatch()
		for _, k := range keys {
			batch.Put([]byte(k), m.dirty[k])
		}
		if err := batch.Write(); err != nil {
			return err
		}
	}
	m.dirty = make(map[string][]byte)
	m.events = nil
	m.journal = nil
	return nil
}

// Pending reports the number of uncommitted writes.
func (m *Manager) Pending() int { return len(m.dirty) }
