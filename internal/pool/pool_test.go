package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageShift = 12

func newTestPool(t *testing.T, capacity int) *PagePool {
	t.Helper()
	return New(Options{PageShift: testPageShift, PoolSize: capacity})
}

// checkInvariants validates the frame bookkeeping rules that must hold
// between any two pool operations.
func checkInvariants(t *testing.T, p *PagePool) {
	t.Helper()

	require.LessOrEqual(t, p.AllocatedFrames(), p.Capacity())

	for f := p.free.head; f != nil; f = f.next {
		require.Equal(t, onFreeList, f.list)
		require.True(t, f.IsUnpinned())
		require.Nil(t, f.Transaction())
		require.False(t, f.IsDirty())
	}
	for f := p.lru.head; f != nil; f = f.next {
		require.Equal(t, onLRUList, f.list)
		require.True(t, f.IsUnpinned())
		require.NotNil(t, f.Transaction())
	}
	for key, f := range p.resident {
		require.Equal(t, key.pageID, f.PageID())
		require.Equal(t, key.store, f.Store())
	}
}

func TestNewPoolStartsEmpty(t *testing.T) {
	p := New(Options{PageShift: 16, PoolSize: 42})
	require.Equal(t, uint(16), p.PageShift())
	require.Equal(t, 65536, p.PageSize())
	require.Equal(t, 42, p.Capacity())
	require.Equal(t, 0, p.AllocatedFrames())
	require.Equal(t, 0, p.UnusedFrames())
	require.Equal(t, 0, p.PinnedFrames())
}

func TestNewPoolDefaults(t *testing.T) {
	p := New(Options{})
	require.Equal(t, uint(DefaultPageShift), p.PageShift())
	require.Equal(t, DefaultPoolSize, p.Capacity())
}

func TestNewPoolRejectsBadPageShift(t *testing.T) {
	require.Panics(t, func() { New(Options{PageShift: 8}) })
	require.Panics(t, func() { New(Options{PageShift: 17}) })
}

// Allocating a raw frame, releasing it, and tearing the pool down.
func TestAllocFrameCreateRelease(t *testing.T) {
	p := New(Options{PageShift: testPageShift, PoolSize: 42})

	f := p.allocFrame()
	require.NotNil(t, f)
	require.Equal(t, 1, f.PinCount())
	require.Len(t, f.Data(), 1<<testPageShift)
	require.Nil(t, f.Transaction())
	require.Equal(t, 1, p.AllocatedFrames())
	require.Equal(t, 1, p.PinnedFrames())

	p.UnpinUnassignedFrame(f)
	require.Equal(t, onFreeList, f.list)
	require.Equal(t, 1, p.UnusedFrames())
	require.Equal(t, 0, p.PinnedFrames())

	checkInvariants(t, p)
	p.Close()
}

func TestAllocFrameRespectsCapacity(t *testing.T) {
	p := newTestPool(t, 1)

	f := p.allocFrame()
	require.NotNil(t, f)
	require.Nil(t, p.allocFrame())
	require.Equal(t, 1, p.AllocatedFrames())

	p.UnpinUnassignedFrame(f)
}

func TestAllocFrameReusesFreeListLIFO(t *testing.T) {
	p := newTestPool(t, 2)

	f1 := p.allocFrame()
	f2 := p.allocFrame()
	p.UnpinUnassignedFrame(f1)
	p.UnpinUnassignedFrame(f2)

	// f2 was freed last, so it comes back first.
	require.Same(t, f2, p.allocFrame())
	require.Same(t, f1, p.allocFrame())

	p.UnpinUnassignedFrame(f1)
	p.UnpinUnassignedFrame(f2)
}

func TestStorePageFetchesAndPins(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())
	s.seedPage(7)

	f, err := p.StorePage(s, 7, FetchData)
	require.NoError(t, err)
	require.Equal(t, 1, f.PinCount())
	require.Equal(t, PageID(7), f.PageID())
	require.Equal(t, s.pages[7], f.Data())
	require.Same(t, s.initTxn, f.Transaction().(*fakeTxn))
	checkInvariants(t, p)

	p.UnpinStorePage(f)
	checkInvariants(t, p)
}

// A second fetch of the same page is a hit on the same frame.
func TestStorePageHit(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())
	s.seedPage(7)

	f, err := p.StorePage(s, 7, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f)
	require.Equal(t, onLRUList, f.list)

	f2, err := p.StorePage(s, 7, FetchData)
	require.NoError(t, err)
	require.Same(t, f, f2)
	require.Equal(t, noList, f.list)
	require.Equal(t, 1, f.PinCount())

	// The store was read exactly once.
	require.Equal(t, []string{"read 7"}, s.ops)

	p.UnpinStorePage(f2)
}

func TestStorePageHitWhilePinned(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())

	f, err := p.StorePage(s, 3, FetchData)
	require.NoError(t, err)

	f2, err := p.StorePage(s, 3, FetchData)
	require.NoError(t, err)
	require.Same(t, f, f2)
	require.Equal(t, 2, f.PinCount())

	p.UnpinStorePage(f)
	p.UnpinStorePage(f2)
	checkInvariants(t, p)
}

// The pool grows to capacity, then evicts the LRU head.
func TestCapacityGrowthThenEviction(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())
	for id := PageID(1); id <= 3; id++ {
		s.seedPage(id)
	}

	f1, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f1)

	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f2)

	require.Equal(t, 2, p.AllocatedFrames())

	f3, err := p.StorePage(s, 3, FetchData)
	require.NoError(t, err)

	// Page 1 was the least recently unpinned, so its frame was recycled.
	require.Same(t, f1, f3)
	require.Equal(t, 2, p.AllocatedFrames())
	require.Len(t, p.resident, 2)
	require.Contains(t, p.resident, residentKey{store: s, pageID: 2})
	require.Contains(t, p.resident, residentKey{store: s, pageID: 3})

	p.UnpinStorePage(f3)
	checkInvariants(t, p)
}

// All frames pinned, no grow room, LRU empty.
func TestStorePagePoolFull(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())

	f1, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)

	_, err = p.StorePage(s, 3, FetchData)
	require.ErrorIs(t, err, ErrPoolFull)

	// Nothing moved.
	require.Equal(t, 1, f1.PinCount())
	require.Equal(t, 1, f2.PinCount())
	require.Len(t, p.resident, 2)
	checkInvariants(t, p)

	p.UnpinStorePage(f1)
	p.UnpinStorePage(f2)
}

// A dirty page is written back before its frame serves a new page.
func TestDirtyWriteBackOnEviction(t *testing.T) {
	p := newTestPool(t, 1)
	s := newFakeStore(p.PageSize())
	s.seedPage(1)
	s.seedPage(2)

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f.Data()[0] = 0xAB
	f.MarkDirty()
	p.UnpinStorePage(f)

	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)

	require.Equal(t, []string{"read 1", "write 1", "read 2"}, s.ops)
	require.Equal(t, byte(0xAB), s.pages[1][0])
	require.Len(t, p.resident, 1)
	require.Contains(t, p.resident, residentKey{store: s, pageID: 2})
	require.Equal(t, 1, s.initTxn.unassignedPersisted)

	p.UnpinStorePage(f2)
	checkInvariants(t, p)
}

// A write-back failure closes the donor store but the unrelated
// fetch still succeeds.
func TestWriteBackFailureClosesStore(t *testing.T) {
	p := newTestPool(t, 1)
	s := newFakeStore(p.PageSize())
	s.seedPage(1)
	s.seedPage(2)

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f.MarkDirty()
	p.UnpinStorePage(f)

	s.writeErr = errMediaFailure
	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)
	require.NotNil(t, f2)
	require.Equal(t, 1, f2.PinCount())
	require.Equal(t, PageID(2), f2.PageID())
	require.True(t, s.closed)
	require.Equal(t, 1, s.initTxn.unassignedPersisted)

	p.UnpinStorePage(f2)
	checkInvariants(t, p)
}

func TestStorePageReadErrorReturnsFrameToFreeList(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())
	s.readErr = errMediaFailure

	_, err := p.StorePage(s, 5, FetchData)
	require.ErrorIs(t, err, errMediaFailure)

	require.Empty(t, p.resident)
	require.Equal(t, 1, p.UnusedFrames())
	require.Equal(t, 0, p.PinnedFrames())
	require.Empty(t, s.initTxn.frames)
	checkInvariants(t, p)
}

func TestStorePageIgnoreDataSkipsRead(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())
	s.seedPage(9)

	f, err := p.StorePage(s, 9, IgnoreData)
	require.NoError(t, err)
	require.Empty(t, s.ops)

	// The buffer holds the recognizable fill pattern, not the page data.
	require.Equal(t, byte(ignoredDataFill), f.Data()[0])

	p.UnpinStorePage(f)
}

// A clean evict-and-refetch cycle reproduces byte-identical contents.
func TestEvictRefetchRoundTrip(t *testing.T) {
	p := newTestPool(t, 1)
	s := newFakeStore(p.PageSize())
	s.seedPage(1)
	s.seedPage(2)

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	want := make([]byte, len(f.Data()))
	copy(want, f.Data())
	p.UnpinStorePage(f)

	// Evict page 1, then bring it back.
	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f2)

	f3, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	require.Equal(t, want, f3.Data())
	p.UnpinStorePage(f3)
}

// Boundary: capacity 1 keeps working across repeated distinct fetches.
func TestCapacityOneEvictsEachTime(t *testing.T) {
	p := newTestPool(t, 1)
	s := newFakeStore(p.PageSize())

	for id := PageID(1); id <= 5; id++ {
		s.seedPage(id)
		f, err := p.StorePage(s, id, FetchData)
		require.NoError(t, err)
		require.Equal(t, s.pages[id], f.Data())
		require.Len(t, p.resident, 1)
		p.UnpinStorePage(f)
	}
	require.Equal(t, 1, p.AllocatedFrames())
	checkInvariants(t, p)
}

func TestPinTransactionFrames(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())

	f1, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f1)
	p.UnpinStorePage(f2)
	require.Equal(t, 2, p.lru.len())

	p.PinTransactionFrames([]*Frame{f1, f2})
	require.Equal(t, 0, p.lru.len())
	require.Equal(t, 1, f1.PinCount())
	require.Equal(t, 1, f2.PinCount())
	checkInvariants(t, p)

	p.UnpinStorePage(f1)
	p.UnpinStorePage(f2)
}

func TestFlushStoreWritesDirtyFrames(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())

	f1, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f1.Data()[0] = 1
	f1.MarkDirty()

	f2, err := p.StorePage(s, 2, FetchData)
	require.NoError(t, err)

	require.NoError(t, p.FlushStore(s))
	require.False(t, f1.IsDirty())
	require.Equal(t, byte(1), s.pages[1][0])
	// The clean frame was not written.
	require.NotContains(t, s.ops, "write 2")
	// Both frames stay resident and pinned.
	require.Len(t, p.resident, 2)

	p.UnpinStorePage(f1)
	p.UnpinStorePage(f2)
}

func TestReleaseStoreDropsUnpinnedFrames(t *testing.T) {
	p := newTestPool(t, 4)
	s1 := newFakeStore(p.PageSize())
	s2 := newFakeStore(p.PageSize())

	f1, err := p.StorePage(s1, 1, FetchData)
	require.NoError(t, err)
	f1.MarkDirty()
	p.UnpinStorePage(f1)

	f2, err := p.StorePage(s2, 1, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f2)

	p.ReleaseStore(s1)

	require.NotContains(t, p.resident, residentKey{store: s1, pageID: 1})
	require.Contains(t, p.resident, residentKey{store: s2, pageID: 1})
	require.Contains(t, s1.ops, "write 1")
	require.Empty(t, s2.ops[1:]) // only the initial read
	require.Equal(t, 1, p.UnusedFrames())
	checkInvariants(t, p)
}

func TestReleaseStoreSkipsPinnedFrames(t *testing.T) {
	p := newTestPool(t, 4)
	s := newFakeStore(p.PageSize())

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)

	p.ReleaseStore(s)
	require.Contains(t, p.resident, residentKey{store: s, pageID: 1})
	require.Equal(t, 1, f.PinCount())

	p.UnpinStorePage(f)
}

func TestCloseDiscardsDirtyLRUFrames(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	f.MarkDirty()
	p.UnpinStorePage(f)

	p.Close()

	// Crash-close: no write-back happened.
	require.NotContains(t, s.ops, "write 1")
	require.Equal(t, 0, p.AllocatedFrames())
}

func TestCloseWithPinnedFramePanics(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())

	_, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)

	require.Panics(t, func() { p.Close() })
}

func TestUnpinStorePagePanicsOnUnassigned(t *testing.T) {
	p := newTestPool(t, 2)
	f := p.allocFrame()
	require.Panics(t, func() { p.UnpinStorePage(f) })
	p.UnpinUnassignedFrame(f)
}

func TestDoubleUnpinPanics(t *testing.T) {
	p := newTestPool(t, 2)
	s := newFakeStore(p.PageSize())

	f, err := p.StorePage(s, 1, FetchData)
	require.NoError(t, err)
	p.UnpinStorePage(f)
	require.Panics(t, func() { p.UnpinStorePage(f) })
}
