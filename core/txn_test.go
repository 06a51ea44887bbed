package core

import (
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/schema"
)

func newTestTxnLog() *txnLog {
	return newTxnLog(pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel}))
}

func TestTxnCommitsAfterConfirmations(t *testing.T) {
	l := newTestTxnLog()
	tx := l.begin("reorder", 1)
	l.expect(tx, 5, 1, 2)
	l.expect(tx, 6, 1, schema.AppendIndex)
	l.done(tx)
	if l.openCount() != 1 {
		t.Fatalf("expected open txn while confirmations are pending")
	}
	if l.confirm(5, 2, 2) {
		t.Fatalf("confirmation from another window must not match")
	}
	if !l.confirm(5, 1, 2) {
		t.Fatalf("expected confirmation for tab 5")
	}
	if !l.confirm(6, 1, 9) {
		t.Fatalf("append expectation should match any index")
	}
	if l.openCount() != 0 {
		t.Fatalf("expected txn committed, open=%d", l.openCount())
	}
}

func TestTxnConfirmBeforeDone(t *testing.T) {
	l := newTestTxnLog()
	tx := l.begin("detach", 1)
	l.expect(tx, 3, 1, 0)
	l.confirm(3, 1, 0)
	if l.openCount() != 1 {
		t.Fatalf("txn must stay open until every request is issued")
	}
	l.done(tx)
	if l.openCount() != 0 {
		t.Fatalf("expected txn committed")
	}
}

func TestTxnAbortDropsExpectations(t *testing.T) {
	l := newTestTxnLog()
	tx := l.begin("group", 1)
	l.expect(tx, 3, 1, 0)
	l.abort(tx)
	if l.openCount() != 0 {
		t.Fatalf("expected aborted txn dropped")
	}
	if l.confirm(3, 1, 0) {
		t.Fatalf("aborted expectation must not match")
	}
}

func TestTxnLaterExpectationWins(t *testing.T) {
	l := newTestTxnLog()
	first := l.begin("reorder", 1)
	l.expect(first, 3, 1, 0)
	l.done(first)
	second := l.begin("reorder", 1)
	l.expect(second, 3, 1, 4)
	l.done(second)
	if l.openCount() != 1 {
		t.Fatalf("expected the superseded txn to commit, open=%d", l.openCount())
	}
	if !l.confirm(3, 1, 4) {
		t.Fatalf("expected confirmation for the later txn")
	}
	if l.openCount() != 0 {
		t.Fatalf("expected all txns committed, open=%d", l.openCount())
	}
}

func TestTxnExpires(t *testing.T) {
	l := newTestTxnLog()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	tx := l.begin("cross-window", 1, 2)
	l.expect(tx, 3, 2, 0)
	l.done(tx)
	now = now.Add(txnTTL + time.Second)
	l.begin("reorder", 1)
	if l.openCount() != 1 {
		t.Fatalf("expected stale txn expired, open=%d", l.openCount())
	}
}
