package pool

import (
	"errors"
	"fmt"
)

var errMediaFailure = errors.New("fake store: media failure")

// fakeStore is a scripted in-memory Store. It records its I/O in call order
// so tests can assert write-before-read sequencing, and can be told to fail
// reads or writes.
type fakeStore struct {
	pageSize int
	pages    map[PageID][]byte

	initTxn *fakeTxn

	readErr  error
	writeErr error
	closed   bool

	// ops is the I/O trace: "read 7", "write 7", "close".
	ops []string
}

func newFakeStore(pageSize int) *fakeStore {
	s := &fakeStore{
		pageSize: pageSize,
		pages:    make(map[PageID][]byte),
	}
	s.initTxn = &fakeTxn{store: s}
	return s
}

// seedPage fills a page with a recognizable per-page pattern.
func (s *fakeStore) seedPage(id PageID) {
	data := make([]byte, s.pageSize)
	for i := range data {
		data[i] = byte(uint32(id) + uint32(i))
	}
	s.pages[id] = data
}

func (s *fakeStore) ReadPage(f *Frame) error {
	if s.readErr != nil {
		return s.readErr
	}
	s.ops = append(s.ops, fmt.Sprintf("read %d", f.PageID()))
	if data, ok := s.pages[f.PageID()]; ok {
		copy(f.Data(), data)
	} else {
		for i := range f.Data() {
			f.Data()[i] = 0
		}
	}
	return nil
}

func (s *fakeStore) WritePage(f *Frame) error {
	s.ops = append(s.ops, fmt.Sprintf("write %d", f.PageID()))
	if s.writeErr != nil {
		return s.writeErr
	}
	data := make([]byte, len(f.Data()))
	copy(data, f.Data())
	s.pages[f.PageID()] = data
	return nil
}

func (s *fakeStore) Close() error {
	s.ops = append(s.ops, "close")
	s.closed = true
	return nil
}

func (s *fakeStore) InitTransaction() Transaction { return s.initTxn }

// fakeTxn mirrors the pool's assignment callbacks.
type fakeTxn struct {
	store  *fakeStore
	frames []*Frame

	unassignedClean     int
	unassignedPersisted int
}

func (t *fakeTxn) Store() Store { return t.store }

func (t *fakeTxn) AssignPage(f *Frame, _ PageID) {
	t.frames = append(t.frames, f)
}

func (t *fakeTxn) UnassignPage(f *Frame) {
	t.unassignedClean++
	t.remove(f)
}

func (t *fakeTxn) UnassignPersistedPage(f *Frame) {
	t.unassignedPersisted++
	t.remove(f)
}

func (t *fakeTxn) remove(f *Frame) {
	for i, held := range t.frames {
		if held == f {
			t.frames = append(t.frames[:i], t.frames[i+1:]...)
			return
		}
	}
}
