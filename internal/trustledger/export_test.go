package trustledger

// Tamper overwrites the stored action of entry index, simulating a
// rewritten record.
func (l *MemoryLedger) Tamper(index int, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[index].Action = action
}
