package core

import (
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/schema"
)

// txnTTL bounds how long an issued transaction waits for confirmations.
const txnTTL = 30 * time.Second

type expectation struct {
	window schema.WindowID
	index  int
}

// txn is one optimistic plan. Local edits are applied before each request;
// confirming notifications clear expectations and a failed request rolls the
// whole plan back through reconciliation.
type txn struct {
	id      string
	kind    string
	windows []schema.WindowID
	started time.Time
	issued  bool
	failed  bool
	pending map[schema.TabID]expectation
}

type txnLog struct {
	mu    sync.Mutex
	open  map[string]*txn
	byTab map[schema.TabID]*txn
	now   func() time.Time
	log   pslog.Logger
}

func newTxnLog(logger pslog.Logger) *txnLog {
	return &txnLog{
		open:  make(map[string]*txn),
		byTab: make(map[schema.TabID]*txn),
		now:   time.Now,
		log:   logger,
	}
}

func (l *txnLog) begin(kind string, windows ...schema.WindowID) *txn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	tx := &txn{
		id:      newTxnID(),
		kind:    kind,
		windows: windows,
		started: l.now(),
		pending: make(map[schema.TabID]expectation),
	}
	l.open[tx.id] = tx
	l.log.Trace("txn begin", "txn", tx.id, "kind", kind)
	return tx
}

// expect records that id should end up at index in window once the request lands.
func (l *txnLog) expect(tx *txn, id schema.TabID, window schema.WindowID, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev := l.byTab[id]; prev != nil && prev != tx {
		delete(prev.pending, id)
		l.maybeCommitLocked(prev)
	}
	tx.pending[id] = expectation{window: window, index: index}
	l.byTab[id] = tx
}

// confirm clears the expectation for id. It reports whether a pending
// expectation matched.
func (l *txnLog) confirm(id schema.TabID, window schema.WindowID, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.byTab[id]
	if tx == nil {
		return false
	}
	want, ok := tx.pending[id]
	if !ok || want.window != window {
		return false
	}
	if want.index != index && want.index != schema.AppendIndex {
		l.log.Debug("txn confirm index differs", "txn", tx.id, "tab", id, "want", want.index, "got", index)
	}
	delete(tx.pending, id)
	delete(l.byTab, id)
	l.maybeCommitLocked(tx)
	return true
}

// done marks every request of tx as issued.
func (l *txnLog) done(tx *txn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx.issued = true
	l.maybeCommitLocked(tx)
}

// abort drops tx after a failed request.
func (l *txnLog) abort(tx *txn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx.failed = true
	l.dropLocked(tx)
	l.log.Debug("txn rolled back", "txn", tx.id, "kind", tx.kind)
}

func (l *txnLog) maybeCommitLocked(tx *txn) {
	if !tx.issued || tx.failed || len(tx.pending) > 0 {
		return
	}
	l.dropLocked(tx)
	l.log.Trace("txn committed", "txn", tx.id, "kind", tx.kind)
}

func (l *txnLog) dropLocked(tx *txn) {
	for id := range tx.pending {
		if l.byTab[id] == tx {
			delete(l.byTab, id)
		}
	}
	delete(l.open, tx.id)
}

func (l *txnLog) expireLocked() {
	now := l.now()
	for _, tx := range l.open {
		if tx.issued && now.Sub(tx.started) > txnTTL {
			l.log.Debug("txn expired", "txn", tx.id, "kind", tx.kind, "pending", len(tx.pending))
			l.dropLocked(tx)
		}
	}
}

func (l *txnLog) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}
