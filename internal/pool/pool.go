// Package pool implements the page pool: a bounded, shared, in-memory cache
// of fixed-size page frames that mediates all I/O between open stores and
// their transactions. The pool owns page lifetimes, enforces the pinning
// discipline, evicts least-recently-unpinned frames, and writes dirty pages
// back through the Store contract.
//
// A pool is single-threaded: all operations on one pool must run on one
// goroutine, or behind an external mutex that covers entire operations. Two
// pools are fully independent.
package pool

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/berrydb/berrydb/internal/metrics"
)

var (
	// ErrPoolFull means every frame is pinned and the pool is at capacity, so
	// StorePage has no frame to serve the request with. Recoverable: unpin
	// something and retry.
	ErrPoolFull = errors.New("pool: page pool is full")
)

const (
	DefaultPageShift = 12
	DefaultPoolSize  = 128

	// MinPageShift and MaxPageShift bound the supported page sizes
	// (512 bytes to 64 KiB).
	MinPageShift = 9
	MaxPageShift = 16
)

// Options configures a page pool.
type Options struct {
	// PageShift is the base-2 log of the page size. Fixed for the pool's
	// lifetime; stores opened against the pool must match it.
	PageShift uint `mapstructure:"page_shift"`

	// PoolSize is the maximum number of page frames the pool will ever hold.
	PoolSize int `mapstructure:"pool_size"`

	// Logger receives debug events on eviction and write-back. Defaults to a
	// nop logger.
	Logger *zap.Logger

	// Metrics receives pool counters. May be nil.
	Metrics *metrics.PoolMetrics
}

// residentKey identifies one page of one store. Store identity is the
// interface value itself, which is stable for the store's lifetime.
type residentKey struct {
	store  Store
	pageID PageID
}

// PagePool coordinates frames: it allocates them lazily up to a capacity,
// services page fetches, evicts on LRU order, and routes dirty write-back
// through the owning store.
type PagePool struct {
	pageShift uint
	pageSize  int
	capacity  int

	// frameCount is the number of frames ever created; it never exceeds
	// capacity and never shrinks until Close.
	frameCount int

	// free holds unassigned, unpinned frames, used as a LIFO stack. lru holds
	// assigned, unpinned frames, least-recently-unpinned first. Pinned frames
	// are on neither list.
	free frameList
	lru  frameList

	// resident maps (store, page id) to its unique frame.
	resident map[residentKey]*Frame

	log     *zap.Logger
	metrics *metrics.PoolMetrics
}

// New builds an empty pool. No frames are allocated until the first fetch.
func New(opts Options) *PagePool {
	if opts.PageShift == 0 {
		opts.PageShift = DefaultPageShift
	}
	if opts.PageShift < MinPageShift || opts.PageShift > MaxPageShift {
		panic(fmt.Sprintf("pool: page shift %d outside [%d, %d]",
			opts.PageShift, MinPageShift, MaxPageShift))
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &PagePool{
		pageShift: opts.PageShift,
		pageSize:  1 << opts.PageShift,
		capacity:  opts.PoolSize,
		free:      frameList{tag: onFreeList},
		lru:       frameList{tag: onLRUList},
		resident:  make(map[residentKey]*Frame),
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// PageShift is the base-2 log of the pool's page size.
func (p *PagePool) PageShift() uint { return p.pageShift }

// PageSize is the size of every frame buffer, in bytes.
func (p *PagePool) PageSize() int { return p.pageSize }

// Capacity is the hard cap on the number of frames.
func (p *PagePool) Capacity() int { return p.capacity }

// AllocatedFrames is the number of frames created so far.
func (p *PagePool) AllocatedFrames() int { return p.frameCount }

// UnusedFrames is the number of frames sitting on the free list.
func (p *PagePool) UnusedFrames() int { return p.free.len() }

// PinnedFrames is the number of frames currently held by callers.
func (p *PagePool) PinnedFrames() int {
	return p.frameCount - p.free.len() - p.lru.len()
}

// StorePage returns a pinned frame caching the given store page. With
// FetchData the buffer holds the page's on-disk bytes; with IgnoreData the
// buffer contents are undefined and the caller must overwrite them before any
// read.
//
// Returns ErrPoolFull when no frame can be produced, or the store's read
// error on a failed fetch. Note that a dirty write-back failure during the
// eviction that makes room for this request is NOT reported here: the donor
// store is closed and this call still succeeds, because the caller asked for
// an unrelated page and the dirty data is lost either way.
func (p *PagePool) StorePage(store Store, id PageID, mode FetchMode) (*Frame, error) {
	if store == nil {
		panic("pool: StorePage with nil store")
	}

	if f, ok := p.resident[residentKey{store: store, pageID: id}]; ok {
		// The frame is either pinned by another caller or waiting on the LRU
		// list; pinStorePage handles both.
		p.pinStorePage(f)
		p.metrics.Hit()
		return f, nil
	}

	f := p.allocFrame()
	if f == nil {
		p.metrics.PoolFull()
		return nil, ErrPoolFull
	}

	if err := p.assignFrameToStore(f, store, id, mode); err != nil {
		p.UnpinUnassignedFrame(f)
		return nil, err
	}
	p.metrics.Miss()
	return f, nil
}

// UnpinStorePage drops one pin from an assigned frame. At zero pins the frame
// joins the LRU tail and becomes an eviction candidate.
func (p *PagePool) UnpinStorePage(f *Frame) {
	if f.txn == nil {
		panic("pool: UnpinStorePage on unassigned frame")
	}
	f.removePin()
	if f.IsUnpinned() {
		p.lru.pushBack(f)
	}
}

// UnpinUnassignedFrame drops one pin from an unassigned frame. At zero pins
// the frame returns to the free list.
func (p *PagePool) UnpinUnassignedFrame(f *Frame) {
	if f.txn != nil {
		panic("pool: UnpinUnassignedFrame on assigned frame")
	}
	f.removePin()
	if f.IsUnpinned() {
		p.free.pushFront(f)
	}
}

// PinTransactionFrames re-pins every frame on a transaction's assigned list.
func (p *PagePool) PinTransactionFrames(frames []*Frame) {
	for _, f := range frames {
		if f.txn == nil {
			panic("pool: PinTransactionFrames with unassigned frame")
		}
		p.pinStorePage(f)
	}
}

// pinStorePage adds a pin to an assigned frame, taking it off the LRU list
// first if it was unpinned.
func (p *PagePool) pinStorePage(f *Frame) {
	if f.IsUnpinned() {
		p.lru.remove(f)
	}
	f.addPin()
}

// allocFrame produces a pinned, unassigned-or-evicted frame, or nil when the
// pool is saturated. Preference order: free list, lazy growth, LRU eviction.
func (p *PagePool) allocFrame() *Frame {
	if f := p.free.popFront(); f != nil {
		if f.txn != nil || f.dirty {
			panic("pool: free list held an assigned or dirty frame")
		}
		f.addPin()
		return f
	}

	if p.frameCount < p.capacity {
		p.frameCount++
		// Frames are born pinned.
		return newFrame(p.pageSize)
	}

	if f := p.lru.popFront(); f != nil {
		f.addPin()
		p.metrics.Eviction()
		p.unassignFrameFromStore(f)
		return f
	}

	return nil
}

// assignFrameToStore binds a pinned, unassigned frame to (store, id),
// optionally reading the page data, and publishes it in the resident map.
func (p *PagePool) assignFrameToStore(f *Frame, store Store, id PageID, mode FetchMode) error {
	txn := store.InitTransaction()
	f.WillCacheStoreData(txn, id)
	txn.AssignPage(f, id)

	if mode == FetchData {
		if err := store.ReadPage(f); err != nil {
			txn.UnassignPage(f)
			f.DoesNotCacheStoreData()
			return fmt.Errorf("pool: fetch page %d: %w", id, err)
		}
	} else {
		// Leave recognizable garbage rather than whatever the frame cached
		// before, so stale reads are easy to spot.
		buf := f.data
		for i := range buf {
			buf[i] = ignoredDataFill
		}
	}

	p.resident[residentKey{store: store, pageID: id}] = f
	return nil
}

// unassignFrameFromStore evicts the frame's current page: it removes the
// resident map entry, writes the page back if dirty, and detaches the
// transaction bookkeeping. A failed write-back closes the owning store and is
// otherwise swallowed; the eviction itself always completes.
func (p *PagePool) unassignFrameFromStore(f *Frame) {
	txn := f.txn
	if txn == nil {
		panic("pool: unassigning an unassigned frame")
	}
	store := txn.Store()

	delete(p.resident, residentKey{store: store, pageID: f.pageID})
	p.log.Debug("evicting page",
		zap.Uint32("page_id", uint32(f.pageID)), zap.Bool("dirty", f.dirty))

	if f.dirty {
		err := store.WritePage(f)
		txn.UnassignPersistedPage(f)
		if err != nil {
			p.metrics.WriteBackFailure()
			p.log.Error("page write-back failed, closing store",
				zap.Uint32("page_id", uint32(f.pageID)), zap.Error(err))
			_ = store.Close()
		} else {
			p.log.Debug("page written back", zap.Uint32("page_id", uint32(f.pageID)))
		}
	} else {
		txn.UnassignPage(f)
	}

	f.DoesNotCacheStoreData()
}

// FlushStore writes back every dirty resident page of the given store and
// marks the frames clean. Frames stay resident and keep their pins.
func (p *PagePool) FlushStore(store Store) error {
	for key, f := range p.resident {
		if key.store != store || !f.dirty {
			continue
		}
		if err := store.WritePage(f); err != nil {
			return fmt.Errorf("pool: flush page %d: %w", key.pageID, err)
		}
		f.dirty = false
	}
	return nil
}

// ReleaseStore evicts every unpinned resident frame of the given store,
// writing dirty pages back first, and returns the frames to the free list.
// Pinned frames are left alone; they detach when their holders unpin and the
// frames age out of the LRU list. Write-back failures follow the eviction
// rule: the store is closed and the failure is not reported.
func (p *PagePool) ReleaseStore(store Store) {
	for key, f := range p.resident {
		if key.store != store || !f.IsUnpinned() {
			continue
		}
		p.lru.remove(f)
		f.addPin()
		p.unassignFrameFromStore(f)
		p.UnpinUnassignedFrame(f)
	}
}

// Close tears the pool down. Every pin must have been released; dirty frames
// still on the LRU list are DISCARDED without write-back. Eviction write-back
// only happens while a store is live, so an orderly shutdown closes every
// store (flushing its pages) before closing the pool; anything else is a
// crash-close and further I/O is undesirable.
func (p *PagePool) Close() {
	if pinned := p.PinnedFrames(); pinned != 0 {
		panic(fmt.Sprintf("pool: closing pool with %d pinned frames", pinned))
	}

	if p.lru.len() > 0 {
		p.log.Warn("closing pool with resident pages; dirty buffers discarded",
			zap.Int("resident", p.lru.len()))
	}

	for f := p.free.popFront(); f != nil; f = p.free.popFront() {
		f.data = nil
	}
	for f := p.lru.popFront(); f != nil; f = p.lru.popFront() {
		f.data = nil
	}
	p.resident = make(map[residentKey]*Frame)
	p.frameCount = 0
}
