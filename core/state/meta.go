package state

// GenesisApplied reports whether startup allocations were already credited
// to this database.
func (m *Manager) GenesisApplied() (bool, error) {
	data, err := m.get(genesisMarkerKey)
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

// MarkGenesisApplied records that startup allocations were credited.
func (m *Manager) MarkGenesisApplied() error {
	return m.put(genesisMarkerKey, []byte{1})
}
