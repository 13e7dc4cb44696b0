package ufsck

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// BlockStore abstracts the device holding the filesystem image. Addresses
// are in DEV_BSIZE (512 byte) units, as produced by fsbtodb. The checker
// issues every read and write through this interface and never touches the
// device directly.
type BlockStore interface {
	ReadBlock(blkno int64, size int) ([]byte, error)
	WriteBlock(blkno int64, data []byte) error
}

// buffer is one block-store extent held in memory for the length of a run.
// Only dirty buffers are written back.
type buffer struct {
	blkno int64
	data  []byte
	dirty bool
}

// flush writes the buffer if it was modified.
func (b *buffer) flush(store BlockStore) (bool, error) {
	if b == nil || !b.dirty {
		return false, nil
	}

	if err := store.WriteBlock(b.blkno, b.data); err != nil {
		return false, err
	}

	b.dirty = false
	return true, nil
}

// FileStore implements BlockStore over an image file. Opening a store takes
// an exclusive advisory lock, so two checkers cannot work on the same image.
type FileStore struct {
	f    *os.File
	path string
}

// OpenFileStore opens the image at path. A read-only store refuses writes.
func OpenFileStore(path string, readOnly bool) (*FileStore, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(filepath.Clean(path), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image file %q: %w", path, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking image file %q: %w", path, err)
	}

	return &FileStore{f: f, path: path}, nil
}

// CreateFileStore creates or truncates an image file of size bytes.
func CreateFileStore(path string, size int64) (*FileStore, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for image %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening image file %q: %w", path, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking image file %q: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncating image file %q to %d bytes: %w", path, size, err)
	}

	return &FileStore{f: f, path: path}, nil
}

func (fs *FileStore) ReadBlock(blkno int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := fs.f.ReadAt(buf, blkno*devBsize); err != nil {
		return nil, fmt.Errorf("disk read error at block %d: %w", blkno, err)
	}

	return buf, nil
}

func (fs *FileStore) WriteBlock(blkno int64, data []byte) error {
	if _, err := fs.f.WriteAt(data, blkno*devBsize); err != nil {
		return fmt.Errorf("disk write error at block %d: %w", blkno, err)
	}

	return nil
}

// Sync flushes the image file to stable storage.
func (fs *FileStore) Sync() error {
	if err := fs.f.Sync(); err != nil {
		return fmt.Errorf("disk sync error: %w", err)
	}

	return nil
}

// Close releases the lock and the file.
func (fs *FileStore) Close() error {
	if fs == nil || fs.f == nil {
		return nil
	}

	_ = unlockFile(fs.f)
	if err := fs.f.Close(); err != nil {
		return fmt.Errorf("disk close error: %w", err)
	}

	fs.f = nil
	return nil
}

// MemStore implements BlockStore over a byte slice and records the address
// of every write, which makes it useful for checking what a run touched.
type MemStore struct {
	mu     sync.Mutex
	data   []byte
	writes []int64
}

// NewMemStore returns a zero-filled store of size bytes.
func NewMemStore(size int64) *MemStore {
	return &MemStore{data: make([]byte, size)}
}

func (m *MemStore) ReadBlock(blkno int64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := blkno * devBsize
	if off < 0 || off+int64(size) > int64(len(m.data)) {
		return nil, fmt.Errorf("disk read error: block %d size %d beyond %d bytes", blkno, size, len(m.data))
	}

	buf := make([]byte, size)
	copy(buf, m.data[off:])
	return buf, nil
}

func (m *MemStore) WriteBlock(blkno int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := blkno * devBsize
	if off < 0 || off+int64(len(data)) > int64(len(m.data)) {
		return fmt.Errorf("disk write error: block %d size %d beyond %d bytes", blkno, len(data), len(m.data))
	}

	copy(m.data[off:], data)
	m.writes = append(m.writes, blkno)
	return nil
}

// Writes returns the block addresses written so far, in order.
func (m *MemStore) Writes() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int64(nil), m.writes...)
}

// ResetWrites forgets the recorded writes.
func (m *MemStore) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes = nil
}

// Bytes returns a copy of the image.
func (m *MemStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]byte(nil), m.data...)
}
