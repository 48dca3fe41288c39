// Package store implements an open database file: a block-access data file
// guarded by an advisory lock, a write-ahead log replayed at open, and the
// transaction bookkeeping the page pool drives page assignments through.
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berrydb/berrydb/internal/pool"
	"github.com/berrydb/berrydb/internal/vfs"
	"github.com/berrydb/berrydb/internal/wal"
)

var (
	ErrClosed            = errors.New("store: store is closed")
	ErrPageShiftMismatch = errors.New("store: store page size does not match the pool")
)

// state tracks the store lifecycle. Reads and writes are rejected only once
// the store reaches stateClosed; stateClosing still performs I/O so the close
// path can flush resident pages.
type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Options configures Open.
type Options struct {
	// Create makes Open initialize a fresh store when the file is missing.
	Create bool

	// Logger receives store events. Defaults to a nop logger.
	Logger *zap.Logger
}

// Store is an open database file plus its log. It implements the pool's
// Store contract and is the pool's I/O delegate for its pages.
//
// Like the pool it serves, a store is single-threaded.
type Store struct {
	id   uuid.UUID
	path string

	pagePool *pool.PagePool
	dataFile vfs.BlockAccessFile
	log      *wal.Log

	header  header
	initTxn *Transaction
	txns    map[*Transaction]struct{}

	state state
	lg    *zap.Logger
}

// LogFilePath is the path of the log file paired with a store data file.
func LogFilePath(storePath string) string {
	return storePath + ".log"
}

// Open opens (or with opts.Create, creates) the store at path, bound to the
// given pool. The data file is locked exclusively; a second opener gets
// vfs.ErrAlreadyLocked. Existing log records are replayed into the data file
// before the store becomes usable.
func Open(p *pool.PagePool, v vfs.Vfs, path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dataFile, dataSize, err := v.OpenForBlockAccess(path, p.PageShift(), opts.Create, false)
	if err != nil {
		return nil, err
	}
	if err := dataFile.Lock(); err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	s := &Store{
		id:       uuid.New(),
		path:     path,
		pagePool: p,
		dataFile: dataFile,
		txns:     make(map[*Transaction]struct{}),
	}
	s.lg = opts.Logger.With(zap.String("store", path), zap.String("store_id", s.id.String()))

	pageSize := p.PageSize()
	if dataSize == 0 {
		// Fresh store: page 0 is the header.
		s.header = header{pageShift: p.PageShift(), pageCount: 1}
		if err := s.writeHeader(); err != nil {
			_ = dataFile.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, pageSize)
		if err := dataFile.Read(0, buf); err != nil {
			_ = dataFile.Close()
			return nil, err
		}
		hdr, err := decodeHeader(buf)
		if err != nil {
			_ = dataFile.Close()
			return nil, err
		}
		if hdr.pageShift != p.PageShift() {
			_ = dataFile.Close()
			return nil, fmt.Errorf("%w: store shift %d, pool shift %d",
				ErrPageShiftMismatch, hdr.pageShift, p.PageShift())
		}
		s.header = hdr
		if filePages := uint64(dataSize) >> hdr.pageShift; filePages > s.header.pageCount {
			s.header.pageCount = filePages
		}
	}

	logFile, logSize, err := v.OpenForRandomAccess(LogFilePath(path), true, false)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}
	s.log, err = wal.Open(logFile, logSize, pageSize)
	if err != nil {
		_ = logFile.Close()
		_ = dataFile.Close()
		return nil, err
	}

	if err := s.log.Recover(redoWriter{s}); err != nil {
		_ = s.log.Close()
		_ = dataFile.Close()
		return nil, err
	}
	if err := dataFile.Sync(); err != nil {
		_ = s.log.Close()
		_ = dataFile.Close()
		return nil, err
	}

	s.initTxn = newTransaction(s, true)
	s.lg.Debug("store opened",
		zap.Uint64("page_count", s.header.pageCount),
		zap.Uint64("last_lsn", s.log.LastLSN()))
	return s, nil
}

// Path is the store's data file path.
func (s *Store) Path() string { return s.path }

// ID identifies this store instance in logs.
func (s *Store) ID() uuid.UUID { return s.id }

// PageCount is the number of pages in the data file, header page included.
func (s *Store) PageCount() uint64 { return s.header.pageCount }

// IsClosed reports whether Close has completed.
func (s *Store) IsClosed() bool { return s.state == stateClosed }

// AllocatePage reserves a fresh page id at the end of the data file.
func (s *Store) AllocatePage() (pool.PageID, error) {
	if s.state == stateClosed {
		return 0, ErrClosed
	}
	id := pool.PageID(s.header.pageCount)
	s.header.pageCount++
	return id, nil
}

// ReadPage reads the page named by f's assignment into f's buffer.
func (s *Store) ReadPage(f *pool.Frame) error {
	if s.state == stateClosed {
		return ErrClosed
	}
	off := int64(f.PageID()) << s.header.pageShift
	return s.dataFile.Read(off, f.Data())
}

// WritePage writes f's buffer to the page named by f's assignment.
func (s *Store) WritePage(f *pool.Frame) error {
	if s.state == stateClosed {
		return ErrClosed
	}
	off := int64(f.PageID()) << s.header.pageShift
	return s.dataFile.Write(f.Data(), off)
}

// InitTransaction is the store's bootstrap transaction; the pool binds
// freshly assigned frames to it.
func (s *Store) InitTransaction() pool.Transaction { return s.initTxn }

// CreateTransaction starts a transaction against this store.
func (s *Store) CreateTransaction() (*Transaction, error) {
	if s.state != stateOpen {
		return nil, ErrClosed
	}
	t := newTransaction(s, false)
	s.txns[t] = struct{}{}
	return t, nil
}

// Close releases the store: unpinned resident pages are written back and
// dropped from the pool, the header is persisted, and both files close.
// Idempotent; also the permanent-error transition the pool triggers when a
// dirty write-back fails, in which case the flushes here may fail too and are
// logged, not reported.
func (s *Store) Close() error {
	if s.state != stateOpen {
		return nil
	}
	s.state = stateClosing

	s.pagePool.ReleaseStore(s)

	var result error
	if err := s.writeHeader(); err != nil {
		s.lg.Error("writing store header at close", zap.Error(err))
		result = err
	}
	if err := s.dataFile.Sync(); err != nil && result == nil {
		result = err
	}

	if err := s.log.Close(); err != nil && result == nil {
		result = err
	}
	if err := s.dataFile.Close(); err != nil && result == nil {
		result = err
	}

	s.state = stateClosed
	s.lg.Debug("store closed")
	return result
}

// transactionClosed removes a finished transaction from the live set.
func (s *Store) transactionClosed(t *Transaction) {
	if s.state == stateClosed {
		return
	}
	delete(s.txns, t)
}

func (s *Store) writeHeader() error {
	buf := make([]byte, s.pagePool.PageSize())
	s.header.encode(buf)
	return s.dataFile.Write(buf, 0)
}

// redoWriter applies recovered page images straight to the data file; the
// pool is not involved during recovery.
type redoWriter struct {
	s *Store
}

func (w redoWriter) WritePage(pageID uint32, page []byte) error {
	off := int64(pageID) << w.s.header.pageShift
	if err := w.s.dataFile.Write(page, off); err != nil {
		return err
	}
	if c := uint64(pageID) + 1; c > w.s.header.pageCount {
		w.s.header.pageCount = c
	}
	return nil
}
