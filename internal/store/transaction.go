package store

import (
	"errors"

	"github.com/berrydb/berrydb/internal/pool"
)

var ErrTransactionClosed = errors.New("store: transaction is already closed")

// Transaction owns a set of assigned page frames and mirrors the pool's
// assignment changes. The store's init transaction is the bookkeeping owner
// of every resident frame; user transactions additionally track the frames
// they modified so Commit can log page images.
//
// Ownership is deliberately one-sided: the pool owns frame memory, the
// transaction holds non-owning frame references, and detachment is always
// driven from the pool side through the Unassign callbacks.
type Transaction struct {
	store *Store
	init  bool

	// frames this transaction is the assignment owner of.
	frames []*pool.Frame

	// modified frames, in first-touch order. Only used by non-init
	// transactions.
	modified []*pool.Frame

	closed bool
}

func newTransaction(s *Store, init bool) *Transaction {
	return &Transaction{store: s, init: init}
}

// Store is the store this transaction runs against.
func (t *Transaction) Store() pool.Store { return t.store }

// IsInit reports whether this is the store's bootstrap transaction.
func (t *Transaction) IsInit() bool { return t.init }

// IsClosed reports whether Commit or Rollback already ran.
func (t *Transaction) IsClosed() bool { return t.closed }

// AssignedFrames is the transaction's current frame list.
func (t *Transaction) AssignedFrames() []*pool.Frame { return t.frames }

// AssignPage records that f now belongs to this transaction at id.
func (t *Transaction) AssignPage(f *pool.Frame, _ pool.PageID) {
	t.frames = append(t.frames, f)
}

// UnassignPage records detachment of a clean frame.
func (t *Transaction) UnassignPage(f *pool.Frame) {
	t.removeFrame(f)
}

// UnassignPersistedPage records detachment of a dirty frame whose write-back
// has been attempted.
func (t *Transaction) UnassignPersistedPage(f *pool.Frame) {
	t.removeFrame(f)
}

func (t *Transaction) removeFrame(f *pool.Frame) {
	for i, held := range t.frames {
		if held == f {
			t.frames = append(t.frames[:i], t.frames[i+1:]...)
			return
		}
	}
	panic("store: unassigning a frame this transaction does not hold")
}

// WillModifyPage marks f dirty and records it for logging at commit. The
// caller must hold a pin on f for the life of the transaction's interest in
// it.
func (t *Transaction) WillModifyPage(f *pool.Frame) error {
	if t.closed {
		return ErrTransactionClosed
	}
	f.MarkDirty()
	for _, m := range t.modified {
		if m == f {
			return nil
		}
	}
	t.modified = append(t.modified, f)
	return nil
}

// Commit logs a page image for every page this transaction modified, appends
// a commit marker, and makes the log durable. The dirty frames themselves
// stay in the pool; they reach the data file on eviction or store close.
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrTransactionClosed
	}

	// Keep the modified frames resident while their images are logged.
	t.store.pagePool.PinTransactionFrames(t.modified)
	defer func() {
		for _, f := range t.modified {
			t.store.pagePool.UnpinStorePage(f)
		}
	}()

	var lastLSN uint64
	for _, f := range t.modified {
		lsn, err := t.store.log.AppendPageImage(uint32(f.PageID()), f.Data())
		if err != nil {
			return err
		}
		lastLSN = lsn
	}
	lsn, err := t.store.log.AppendCommit()
	if err != nil {
		return err
	}
	if lsn > lastLSN {
		lastLSN = lsn
	}
	if err := t.store.log.Flush(lastLSN); err != nil {
		return err
	}

	t.finish()
	return nil
}

// Rollback closes the transaction without logging anything. Page buffers are
// NOT restored; undo is the transaction manager's job, above this layer.
func (t *Transaction) Rollback() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.finish()
	return nil
}

func (t *Transaction) finish() {
	t.closed = true
	t.modified = nil
	if !t.init {
		t.store.transactionClosed(t)
	}
}
