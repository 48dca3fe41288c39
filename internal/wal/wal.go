// Package wal implements a store's append-only log: CRC-framed page-image
// records with monotonically increasing LSNs, replayed (redo) when the store
// reopens. The package is deliberately independent of the pool and store
// packages; callers hand it a file and raw page bytes.
package wal

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/berrydb/berrydb/internal/vfs"
	"github.com/berrydb/berrydb/pkg/bx"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrClosed    = errors.New("wal: log is closed")
)

const (
	magicU32   uint32 = 0x59524542 // "BERY"
	versionU16 uint16 = 1

	recPageImage uint8 = 1
	recCommit    uint8 = 2

	// magic(4) ver(2) typ(1) rsv(1) totalLen(4) crc(4)
	fixedHeaderLen = 16
	// lsn(8) pageID(4)
	bodyHeaderLen = 12
)

// PageWriter applies a redo record during recovery.
type PageWriter interface {
	WritePage(pageID uint32, page []byte) error
}

// Log is a store's write-ahead log. Not safe for concurrent use; the owning
// store serializes access the same way it serializes pool calls.
type Log struct {
	file     vfs.RandomAccessFile
	pageSize int

	// size is the end of the last well-formed record; anything past it is a
	// torn tail and gets overwritten by the next append.
	size    int64
	lsn     uint64
	flushed uint64
}

// Open wraps an already-open log file. fileSize is the file's size on disk;
// the constructor scans existing records to find the last LSN and the valid
// tail.
func Open(file vfs.RandomAccessFile, fileSize int64, pageSize int) (*Log, error) {
	l := &Log{file: file, pageSize: pageSize}

	off := int64(0)
	for off+fixedHeaderLen <= fileSize {
		rec, next, err := l.readRecord(off, fileSize)
		if err != nil {
			// A torn or corrupt tail ends the log; everything before it is
			// intact.
			break
		}
		if rec.lsn > l.lsn {
			l.lsn = rec.lsn
		}
		off = next
	}
	l.size = off
	l.flushed = l.lsn
	return l, nil
}

// LastLSN is the highest LSN appended (or recovered) so far.
func (l *Log) LastLSN() uint64 { return l.lsn }

// AppendPageImage appends a full page image for pageID and returns its LSN.
func (l *Log) AppendPageImage(pageID uint32, page []byte) (uint64, error) {
	if len(page) != l.pageSize {
		return 0, fmt.Errorf("%w: page image is %d bytes, want %d",
			ErrBadRecord, len(page), l.pageSize)
	}
	return l.append(recPageImage, pageID, page)
}

// AppendCommit appends a commit marker and returns its LSN.
func (l *Log) AppendCommit() (uint64, error) {
	return l.append(recCommit, 0, nil)
}

func (l *Log) append(typ uint8, pageID uint32, payload []byte) (uint64, error) {
	if l.file == nil {
		return 0, ErrClosed
	}

	l.lsn++
	totalLen := fixedHeaderLen + bodyHeaderLen + len(payload)
	buf := make([]byte, totalLen)

	bx.PutU32At(buf, 0, magicU32)
	bx.PutU16(buf[4:], versionU16)
	buf[6] = typ
	buf[7] = 0
	bx.PutU32At(buf, 8, uint32(totalLen))
	// crc at 12, filled below
	bx.PutU64At(buf, fixedHeaderLen, l.lsn)
	bx.PutU32At(buf, fixedHeaderLen+8, pageID)
	copy(buf[fixedHeaderLen+bodyHeaderLen:], payload)

	bx.PutU32At(buf, 12, crc32.ChecksumIEEE(buf[fixedHeaderLen:]))

	if err := l.file.Write(buf, l.size); err != nil {
		l.lsn--
		return 0, err
	}
	l.size += int64(totalLen)
	return l.lsn, nil
}

// Flush makes records up to the given LSN durable.
func (l *Log) Flush(upto uint64) error {
	if l.file == nil {
		return ErrClosed
	}
	if upto == 0 || upto <= l.flushed {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.flushed = l.lsn
	return nil
}

// Recover replays every page-image record, in order, through writer.
func (l *Log) Recover(writer PageWriter) error {
	off := int64(0)
	for off+fixedHeaderLen <= l.size {
		rec, next, err := l.readRecord(off, l.size)
		if err != nil {
			return err
		}
		if rec.typ == recPageImage {
			if err := writer.WritePage(rec.pageID, rec.page); err != nil {
				return fmt.Errorf("wal: redo page %d: %w", rec.pageID, err)
			}
		}
		off = next
	}
	return nil
}

// Close releases the underlying file. Idempotent.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type record struct {
	typ    uint8
	lsn    uint64
	pageID uint32
	page   []byte
}

func (l *Log) readRecord(off, limit int64) (*record, int64, error) {
	var hdr [fixedHeaderLen]byte
	if err := l.file.Read(off, hdr[:]); err != nil {
		return nil, 0, err
	}
	if bx.U32(hdr[:]) != magicU32 {
		return nil, 0, ErrBadMagic
	}
	if bx.U16(hdr[4:]) != versionU16 {
		return nil, 0, ErrBadRecord
	}
	typ := hdr[6]
	totalLen := int64(bx.U32At(hdr[:], 8))
	wantCRC := bx.U32At(hdr[:], 12)

	if totalLen < fixedHeaderLen+bodyHeaderLen || off+totalLen > limit {
		return nil, 0, ErrBadRecord
	}

	body := make([]byte, totalLen-fixedHeaderLen)
	if err := l.file.Read(off+fixedHeaderLen, body); err != nil {
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, 0, ErrBadCRC
	}

	rec := &record{
		typ:    typ,
		lsn:    bx.U64(body),
		pageID: bx.U32(body[8:]),
	}
	if typ == recPageImage {
		if len(body) != bodyHeaderLen+l.pageSize {
			return nil, 0, ErrBadRecord
		}
		rec.page = body[bodyHeaderLen:]
	}
	return rec, off + totalLen, nil
}
