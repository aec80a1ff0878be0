package ntfslog

// Recover performs the mandatory three-pass recovery: analysis walks
// the log from the last checkpoint to rebuild which transactions were
// still open at crash time, redo reapplies every committed record's
// forward effect, and undo reverts any record belonging to a
// transaction that never committed.
func (l *Log) Recover() error {
	txns, order, err := l.analyze()
	if err != nil {
		return err
	}

	if err := l.redo(order); err != nil {
		return err
	}

	return l.undo(txns, order)
}

// analyze walks every LSN from the last checkpoint forward, tracking
// each client's transaction state from its records' UndoNextLSN: an
// UndoNextLSN of 0 marks the record that committed the transaction,
// anything else stays open until a matching commit appears later in
// the log. Only the last numPages LSNs still occupy their slots, so
// the walk never starts earlier than that.
func (l *Log) analyze() (map[uint32]TransactionState, []Record, error) {
	txns := make(map[uint32]TransactionState)
	var order []Record

	start := l.latestCheckpoint() + 1
	if n := uint64(l.numPages); l.nextLSN > n && start < l.nextLSN-n {
		start = l.nextLSN - n
	}
	for lsn := start; lsn < l.nextLSN; lsn++ {
		rec, err := l.readRecord(lsn)
		if err != nil {
			// a torn write at the tail of the log ends analysis; this
			// is the expected crash boundary, not a hard failure.
			break
		}
		order = append(order, rec)

		if rec.UndoNextLSN == 0 {
			txns[rec.ClientID] = StateCommitted
		} else if _, seen := txns[rec.ClientID]; !seen {
			txns[rec.ClientID] = StateActive
		}
	}

	return txns, order, nil
}

// redo reapplies every record's forward effect in LSN order,
// regardless of whether its transaction eventually committed: NTFS
// redoes everything first, then undoes what turned out to be
// incomplete, so idempotent redo operations are required by design.
func (l *Log) redo(order []Record) error {
	if l.applyRedo == nil {
		return nil
	}
	for _, rec := range order {
		if err := l.applyRedo(rec); err != nil {
			return err
		}
	}
	return nil
}

// undo reverts, in reverse LSN order, every record belonging to a
// transaction that never reached StateCommitted.
func (l *Log) undo(txns map[uint32]TransactionState, order []Record) error {
	if l.applyUndo == nil {
		return nil
	}
	for i := len(order) - 1; i >= 0; i-- {
		rec := order[i]
		if txns[rec.ClientID] == StateCommitted {
			continue
		}
		if err := l.applyUndo(rec); err != nil {
			return err
		}
	}
	return nil
}
