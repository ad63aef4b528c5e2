package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/desertwitch/govol/internal/schema"
	"golang.org/x/sys/unix"
)

type osProvider interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Stat(name string) (os.FileInfo, error)
}

type unixProvider interface {
	Flock(fd int, how int) error
	Pread(fd int, p []byte, offset int64) (int, error)
	Pwrite(fd int, p []byte, offset int64) (int, error)
	Fsync(fd int) error
	Ftruncate(fd int, length int64) error
}

// File is a block device backed by an image file. Mount exclusivity is
// enforced with an advisory lock on the open file description.
type File struct {
	sync.Mutex
	path        string
	file        *os.File
	fd          int
	blockSize   uint32
	blocks      uint32
	claimed     bool
	unixHandler unixProvider
}

// CreateFile creates a new zero-filled image file holding the given amount of
// blocks and returns it as a [File] device. An existing file is not
// overwritten.
func CreateFile(path string, blockSize uint32, blocks uint32, osHandler osProvider, unixHandler unixProvider) (*File, error) {
	if err := checkGeometry("file-create", blockSize, blocks); err != nil {
		return nil, err
	}

	f, err := osHandler.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600) //nolint:mnd
	if err != nil {
		return nil, fmt.Errorf("(device-file-create) %w: %w", schema.ErrIO, err)
	}

	if err := unixHandler.Ftruncate(int(f.Fd()), int64(blockSize)*int64(blocks)); err != nil {
		f.Close()

		return nil, fmt.Errorf("(device-file-create) %w: failed to size image: %w", schema.ErrIO, err)
	}

	return newFile(path, f, blockSize, blocks, unixHandler), nil
}

// OpenFile opens an existing image file as a [File] device. The amount of
// blocks is derived from the file size; a trailing partial block is ignored.
func OpenFile(path string, blockSize uint32, osHandler osProvider, unixHandler unixProvider) (*File, error) {
	fi, err := osHandler.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("(device-file-open) %w: %w", schema.ErrIO, err)
	}

	if blockSize == 0 {
		return nil, fmt.Errorf("(device-file-open) %w: block size 0", schema.ErrInvalidArgument)
	}

	blocks := uint64(fi.Size()) / uint64(blockSize)
	if err := checkGeometry("file-open", blockSize, uint32(blocks)); err != nil {
		return nil, err
	}

	f, err := osHandler.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("(device-file-open) %w: %w", schema.ErrIO, err)
	}

	return newFile(path, f, blockSize, uint32(blocks), unixHandler), nil
}

func newFile(path string, f *os.File, blockSize uint32, blocks uint32, unixHandler unixProvider) *File {
	return &File{
		path:        path,
		file:        f,
		fd:          int(f.Fd()),
		blockSize:   blockSize,
		blocks:      blocks,
		unixHandler: unixHandler,
	}
}

// Path returns the path of the image file.
func (d *File) Path() string {
	return d.path
}

// BlockSize returns the size of a block in bytes.
func (d *File) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount returns the amount of blocks of the device.
func (d *File) BlockCount() uint32 {
	return d.blocks
}

// ReadBlock reads a block from the image file.
func (d *File) ReadBlock(id schema.BlockID) ([]byte, error) {
	if err := checkRange("file-read", id, d.blocks); err != nil {
		return nil, err
	}

	block := make([]byte, d.blockSize)

	n, err := d.unixHandler.Pread(d.fd, block, int64(id)*int64(d.blockSize))
	if err != nil {
		return nil, fmt.Errorf("(device-file-read) %w: block %d: %w", schema.ErrIO, id, err)
	}

	if n != len(block) {
		return nil, fmt.Errorf("(device-file-read) %w: block %d: short read of %d bytes", schema.ErrIO, id, n)
	}

	return block, nil
}

// WriteBlock writes a block to the image file.
func (d *File) WriteBlock(id schema.BlockID, data []byte) error {
	if err := checkRange("file-write", id, d.blocks); err != nil {
		return err
	}

	if err := checkLength("file-write", data, d.blockSize); err != nil {
		return err
	}

	n, err := d.unixHandler.Pwrite(d.fd, data, int64(id)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("(device-file-write) %w: block %d: %w", schema.ErrIO, id, err)
	}

	if n != len(data) {
		return fmt.Errorf("(device-file-write) %w: block %d: short write of %d bytes", schema.ErrIO, id, n)
	}

	return nil
}

// ReadAt implements [io.ReaderAt] over the image file.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.unixHandler.Pread(d.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("(device-file-readat) %w: %w", schema.ErrIO, err)
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Claim takes an exclusive, non-blocking advisory lock on the image file.
func (d *File) Claim() error {
	d.Lock()
	defer d.Unlock()

	if d.claimed {
		return fmt.Errorf("(device-file-claim) %w", schema.ErrBusy)
	}

	if err := d.unixHandler.Flock(d.fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("(device-file-claim) %w: %s", schema.ErrBusy, d.path)
		}

		return fmt.Errorf("(device-file-claim) %w: %w", schema.ErrIO, err)
	}
	d.claimed = true

	return nil
}

// Release drops the lock taken with [File.Claim].
func (d *File) Release() error {
	d.Lock()
	defer d.Unlock()

	if !d.claimed {
		return nil
	}

	if err := d.unixHandler.Flock(d.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("(device-file-release) %w: %w", schema.ErrIO, err)
	}
	d.claimed = false

	return nil
}

// Sync flushes the image file to stable storage.
func (d *File) Sync() error {
	if err := d.unixHandler.Fsync(d.fd); err != nil {
		return fmt.Errorf("(device-file-sync) %w: %w", schema.ErrIO, err)
	}

	return nil
}

// Close releases any claim and closes the image file.
func (d *File) Close() error {
	if err := d.Release(); err != nil {
		return err
	}

	if err := d.file.Close(); err != nil {
		return fmt.Errorf("(device-file-close) %w: %w", schema.ErrIO, err)
	}

	return nil
}
