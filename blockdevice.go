package umbrella

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const DefaultBlockSize = 512

// BlockDevice is an addressable array of fixed-size blocks. It performs no caching.
type BlockDevice interface {
	ReadBlock(blockno uint64) ([]byte, error)
	WriteBlock(blockno uint64, data []byte) error
	BlockSize() uint32
	GetTotalBlockCount() uint64
	Close() error
}

func checkBlockAccess(dev BlockDevice, blockno uint64, data []byte) error {
	if blockno >= dev.GetTotalBlockCount() {
		return errors.Wrapf(ErrOutOfRange, "block %d of %d", blockno, dev.GetTotalBlockCount())
	}
	if data != nil && len(data) != int(dev.BlockSize()) {
		return errors.Wrapf(ErrBadBlockSize, "got %d bytes, block size is %d", len(data), dev.BlockSize())
	}
	return nil
}

// MemBlockDevice keeps every block in one byte slice.
type MemBlockDevice struct {
	data       []byte
	blocksize  uint32
	blockcount uint64
}

func NewMemBlockDevice(blockcount uint64, blocksize uint32) *MemBlockDevice {
	return &MemBlockDevice{
		data:       make([]byte, blockcount*uint64(blocksize)),
		blocksize:  blocksize,
		blockcount: blockcount,
	}
}

func (m *MemBlockDevice) ReadBlock(blockno uint64) ([]byte, error) {
	if err := checkBlockAccess(m, blockno, nil); err != nil {
		return nil, err
	}
	off := blockno * uint64(m.blocksize)
	data := make([]byte, m.blocksize)
	copy(data, m.data[off:off+uint64(m.blocksize)])
	return data, nil
}

func (m *MemBlockDevice) WriteBlock(blockno uint64, data []byte) error {
	if err := checkBlockAccess(m, blockno, data); err != nil {
		return err
	}
	copy(m.data[blockno*uint64(m.blocksize):], data)
	return nil
}

func (m *MemBlockDevice) BlockSize() uint32 {
	return m.blocksize
}

func (m *MemBlockDevice) GetTotalBlockCount() uint64 {
	return m.blockcount
}

func (m *MemBlockDevice) Close() error {
	return nil
}

// Bytes exposes the raw medium.
func (m *MemBlockDevice) Bytes() []byte {
	return m.data
}

type FileBlockDevice struct {
	file       *os.File
	blocksize  uint32
	blockcount uint64
}

// CreateFileBlockDevice creates (or resizes) path to hold blockcount blocks.
func CreateFileBlockDevice(path string, blockcount uint64, blocksize uint32) (*FileBlockDevice, error) {
	if blockcount == 0 || blocksize == 0 {
		return nil, errors.Wrapf(ErrDeviceTooSmall, "create %s: %d blocks of %d bytes", path, blockcount, blocksize)
	}
	// create if not exists
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	// truncate to blockcount * blocksize
	err = file.Truncate(int64(blockcount * uint64(blocksize)))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileBlockDevice{
		file:       file,
		blocksize:  blocksize,
		blockcount: blockcount,
	}, nil
}

// OpenFileBlockDevice opens an existing device file; the block count is derived
// from the file length.
func OpenFileBlockDevice(path string, blocksize uint32) (*FileBlockDevice, error) {
	if blocksize == 0 {
		return nil, errors.Wrapf(ErrInvalidDevicePath, "open %s: zero block size", path)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileBlockDevice{
		file:       file,
		blocksize:  blocksize,
		blockcount: uint64(fi.Size()) / uint64(blocksize),
	}, nil
}

func (f *FileBlockDevice) ReadBlock(blockno uint64) ([]byte, error) {
	if err := checkBlockAccess(f, blockno, nil); err != nil {
		return nil, err
	}
	data := make([]byte, f.blocksize)
	nbytes, err := f.file.ReadAt(data, int64(blockno*uint64(f.blocksize)))
	if err != nil {
		return nil, errors.Wrapf(err, "read block %d", blockno)
	}
	if nbytes != int(f.blocksize) {
		return nil, errors.Errorf("short read of block %d", blockno)
	}
	return data, nil
}

func (f *FileBlockDevice) WriteBlock(blockno uint64, data []byte) error {
	if err := checkBlockAccess(f, blockno, data); err != nil {
		return err
	}
	nbytes, err := f.file.WriteAt(data, int64(blockno*uint64(f.blocksize)))
	if err != nil {
		return errors.Wrapf(err, "write block %d", blockno)
	}
	if nbytes != int(f.blocksize) {
		return errors.Errorf("short write of block %d", blockno)
	}
	return nil
}

func (f *FileBlockDevice) BlockSize() uint32 {
	return f.blocksize
}

func (f *FileBlockDevice) GetTotalBlockCount() uint64 {
	return f.blockcount
}

func (f *FileBlockDevice) Close() error {
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// DevicePath is a device file name of the form `<name>.<blocksize>.dev`; the block
// size is carried in the name so that mount needs no extra argument.
type DevicePath struct {
	Name      string
	BlockSize uint32
}

func ParseDevicePath(path string) (DevicePath, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".dev") {
		return DevicePath{}, errors.Wrapf(ErrInvalidDevicePath, "%q: missing .dev suffix", path)
	}
	stem := strings.TrimSuffix(path, ".dev")
	dot := strings.LastIndexByte(stem, '.')
	if dot <= 0 || dot < len(stem)-len(strings.TrimSuffix(base, ".dev")) {
		return DevicePath{}, errors.Wrapf(ErrInvalidDevicePath, "%q: missing block size", path)
	}
	size, err := strconv.ParseUint(stem[dot+1:], 10, 32)
	if err != nil || size == 0 {
		return DevicePath{}, errors.Wrapf(ErrInvalidDevicePath, "%q: bad block size %q", path, stem[dot+1:])
	}
	return DevicePath{Name: stem[:dot], BlockSize: uint32(size)}, nil
}

func (p DevicePath) File() string {
	return fmt.Sprintf("%s.%d.dev", p.Name, p.BlockSize)
}
