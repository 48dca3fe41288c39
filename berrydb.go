// Package berrydb is an embedded transactional key-value store organized
// around fixed-size pages. This package is the public handle surface: a Pool
// owns the shared page cache and opens Stores against it.
package berrydb

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/berrydb/berrydb/internal/config"
	"github.com/berrydb/berrydb/internal/metrics"
	"github.com/berrydb/berrydb/internal/pool"
	"github.com/berrydb/berrydb/internal/store"
	"github.com/berrydb/berrydb/internal/vfs"
)

var ErrPoolClosed = errors.New("berrydb: pool is closed")

// Re-exported so embedders rarely need the internal packages directly.
type (
	PageID       = pool.PageID
	Frame        = pool.Frame
	StoreOptions = store.Options
)

const (
	FetchData  = pool.FetchData
	IgnoreData = pool.IgnoreData
)

// Options configures a Pool. The zero value gets sensible defaults.
type Options struct {
	// PageShift is the base-2 log of the page size shared by the pool and
	// every store opened on it.
	PageShift uint

	// PoolSize caps the number of cached page frames.
	PoolSize int

	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// MetricsRegistry, when non-nil, receives the pool counters.
	MetricsRegistry prometheus.Registerer

	// Vfs defaults to the operating system filesystem.
	Vfs vfs.Vfs
}

// Pool is a shared resource pool: one page cache plus the set of stores
// opened through it. For best results a process has very few pools (ideally
// one) that all its stores share.
//
// A Pool and everything opened through it is single-threaded; embedders that
// need concurrent access wrap whole operations in their own mutex.
type Pool struct {
	pagePool *pool.PagePool
	fs       vfs.Vfs
	lg       *zap.Logger

	stores map[*store.Store]struct{}
	closed bool
}

// New builds a pool. No page frames are allocated until first use.
func New(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Vfs == nil {
		opts.Vfs = vfs.OS()
	}

	var m *metrics.PoolMetrics
	if opts.MetricsRegistry != nil {
		m = metrics.NewPoolMetrics(opts.MetricsRegistry)
	}

	return &Pool{
		pagePool: pool.New(pool.Options{
			PageShift: opts.PageShift,
			PoolSize:  opts.PoolSize,
			Logger:    opts.Logger,
			Metrics:   m,
		}),
		fs:     opts.Vfs,
		lg:     opts.Logger,
		stores: make(map[*store.Store]struct{}),
	}
}

// FromConfig builds a pool from a loaded configuration file.
func FromConfig(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) *Pool {
	opts := Options{
		PageShift: cfg.Pool.PageShift,
		PoolSize:  cfg.Pool.PoolSize,
		Logger:    logger,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsRegistry = reg
	}
	return New(opts)
}

// PageSize is the page size shared by this pool and its stores.
func (p *Pool) PageSize() int { return p.pagePool.PageSize() }

// PoolSize is the maximum number of cached page frames.
func (p *Pool) PoolSize() int { return p.pagePool.Capacity() }

// PagePool exposes the page cache for page-level access.
func (p *Pool) PagePool() *pool.PagePool { return p.pagePool }

// OpenStore opens (or creates) the store at path against this pool.
func (p *Pool) OpenStore(path string, opts StoreOptions) (*store.Store, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if opts.Logger == nil {
		opts.Logger = p.lg
	}
	s, err := store.Open(p.pagePool, p.fs, path, opts)
	if err != nil {
		return nil, err
	}
	p.stores[s] = struct{}{}
	return s, nil
}

// Close closes every store opened through this pool, flushing their resident
// pages, and then tears down the page cache. Callers must have released all
// their page pins first.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var result error
	for s := range p.stores {
		if err := s.Close(); err != nil && result == nil {
			result = err
		}
	}
	p.stores = nil

	p.pagePool.Close()
	return result
}
