package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const fileMode0644 = 0o644

// OS returns the Vfs backed by the operating system's filesystem.
func OS() Vfs { return osVfs{} }

type osVfs struct{}

func (osVfs) openFile(path string, create, errorIfExists bool) (*os.File, int64, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	if errorIfExists {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, fileMode0644)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		case os.IsExist(err):
			return nil, 0, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}

func (v osVfs) OpenForBlockAccess(path string, blockShift uint, create, errorIfExists bool) (BlockAccessFile, int64, error) {
	f, size, err := v.openFile(path, create, errorIfExists)
	if err != nil {
		return nil, 0, err
	}
	return &osBlockFile{osRandomFile: osRandomFile{f: f}, blockSize: int64(1) << blockShift}, size, nil
}

func (v osVfs) OpenForRandomAccess(path string, create, errorIfExists bool) (RandomAccessFile, int64, error) {
	f, size, err := v.openFile(path, create, errorIfExists)
	if err != nil {
		return nil, 0, err
	}
	return &osRandomFile{f: f}, size, nil
}

func (osVfs) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	return nil
}

type osRandomFile struct {
	f *os.File
}

func (r *osRandomFile) Read(off int64, buf []byte) error {
	if r.f == nil {
		return ErrClosed
	}
	n, err := r.f.ReadAt(buf, off)
	if err != nil {
		// Reads past EOF return zero bytes; callers addressing pages beyond
		// the current file size expect zero-filled data, not an error.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			return nil
		}
		return fmt.Errorf("read %s at %d: %w", r.f.Name(), off, err)
	}
	return nil
}

func (r *osRandomFile) Write(buf []byte, off int64) error {
	if r.f == nil {
		return ErrClosed
	}
	n, err := r.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("write %s at %d: %w", r.f.Name(), off, err)
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

func (r *osRandomFile) Sync() error {
	if r.f == nil {
		return ErrClosed
	}
	return r.f.Sync()
}

func (r *osRandomFile) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

type osBlockFile struct {
	osRandomFile
	blockSize int64
}

func (b *osBlockFile) checkAligned(off int64, length int) error {
	if off%b.blockSize != 0 || int64(length)%b.blockSize != 0 {
		return fmt.Errorf("%w: off=%d len=%d block=%d", ErrUnaligned, off, length, b.blockSize)
	}
	return nil
}

func (b *osBlockFile) Read(off int64, buf []byte) error {
	if err := b.checkAligned(off, len(buf)); err != nil {
		return err
	}
	return b.osRandomFile.Read(off, buf)
}

func (b *osBlockFile) Write(buf []byte, off int64) error {
	if err := b.checkAligned(off, len(buf)); err != nil {
		return err
	}
	return b.osRandomFile.Write(buf, off)
}

func (b *osBlockFile) Lock() error {
	if b.f == nil {
		return ErrClosed
	}
	err := unix.Flock(int(b.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrAlreadyLocked, b.f.Name())
		}
		return fmt.Errorf("lock %s: %w", b.f.Name(), err)
	}
	return nil
}
