package store

import (
	"bytes"
	"errors"

	"github.com/berrydb/berrydb/pkg/bx"
)

var ErrBadHeader = errors.New("store: invalid store header")

// The store header lives in page 0 of the data file:
//
//	 0: 8-byte global magic - "BerryDB "
//	 8: 8-byte store magic  - "DBStore "
//	16: 8-byte format version - 0 until the format is stabilized
//	24: 8-byte number of pages in the data file
//	32: 1-byte page shift (log2 of the page size)
//	33+: zero padding, reserved for future expansion
var (
	globalMagic = []byte("BerryDB ")
	storeMagic  = []byte("DBStore ")
)

const headerEncodedLen = 33

// header is the in-memory form of the store file header.
type header struct {
	pageShift uint
	pageCount uint64
}

// encode writes the on-disk layout into to, which must be at least a page.
func (h header) encode(to []byte) {
	for i := 0; i < headerEncodedLen; i++ {
		to[i] = 0
	}
	copy(to[0:8], globalMagic)
	copy(to[8:16], storeMagic)
	bx.PutU64At(to, 16, 0)
	bx.PutU64At(to, 24, h.pageCount)
	to[32] = byte(h.pageShift)
}

// decodeHeader parses the on-disk layout.
func decodeHeader(from []byte) (header, error) {
	if len(from) < headerEncodedLen {
		return header{}, ErrBadHeader
	}
	if !bytes.Equal(from[0:8], globalMagic) || !bytes.Equal(from[8:16], storeMagic) {
		return header{}, ErrBadHeader
	}
	if bx.U64At(from, 16) != 0 {
		// Format versions above 0 do not exist yet.
		return header{}, ErrBadHeader
	}
	return header{
		pageShift: uint(from[32]),
		pageCount: bx.U64At(from, 24),
	}, nil
}
