package umbrella

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type SessionState int

const (
	Unmounted SessionState = iota
	Mounting
	Mounted
	Unmounting
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Session is a mounted filesystem. It owns the device handle until Unmount and
// holds the only live copy of the superblock and the block bitmap; both reach the
// device again only on Flush or Unmount. Inode and data blocks are written through.
//
// Operations are serialised by mu, so each one runs to completion before the next
// starts.
type Session struct {
	mu    sync.Mutex
	dev   BlockDevice
	sb    *Superblock
	bmap  *BlockMap
	state SessionState
	clean bool
}

// Mount validates the filesystem on dev and takes ownership of the device. On
// failure the device is left open and still belongs to the caller.
func Mount(dev BlockDevice) (*Session, error) {
	s := &Session{dev: dev, state: Mounting}
	if err := s.load(); err != nil {
		s.state = Failed
		logrus.Errorf("mount failed: %v", err)
		return nil, errors.Wrap(err, "mount")
	}
	s.state = Mounted
	logrus.Infof("mounted volume %s (%d/%d blocks free, clean=%v, mount #%d)",
		s.VolumeID(), s.bmap.FreeCount(), s.sb.BlockCount, s.clean, s.sb.MountCount)
	return s, nil
}

// MountPath opens the device file at path, whose name must follow the
// `<name>.<blocksize>.dev` convention, and mounts it.
func MountPath(path string) (*Session, error) {
	dp, err := ParseDevicePath(path)
	if err != nil {
		return nil, err
	}
	dev, err := OpenFileBlockDevice(path, dp.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "mount")
	}
	s, err := Mount(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) load() error {
	sb, err := loadSuperblock(s.dev)
	if err != nil {
		return err
	}
	bits := make([]byte, 0, sb.BitmapBlocks*uint64(sb.BlockSize))
	for i := uint64(0); i < sb.BitmapBlocks; i++ {
		blk, err := s.dev.ReadBlock(sb.BitmapStart + i)
		if err != nil {
			return errors.Wrapf(err, "read bitmap block %d", i)
		}
		bits = append(bits, blk...)
	}
	bm, err := LoadBlockMap(bits, sb.BlockCount, sb.DataStart())
	if err != nil {
		return err
	}
	if sb.FreeBlocks != bm.FreeCount() {
		logrus.Warnf("superblock free count %d disagrees with bitmap (%d), using bitmap", sb.FreeBlocks, bm.FreeCount())
		sb.FreeBlocks = bm.FreeCount()
	}
	s.clean = sb.State == StateClean
	if !s.clean {
		logrus.Warn("filesystem was not cleanly unmounted")
	}
	sb.State = StateDirty
	sb.MountCount++
	sb.Mtime = GetTimestampNsec()
	if err := writeSuperblock(s.dev, sb); err != nil {
		return err
	}
	s.sb = sb
	s.bmap = bm
	return nil
}

// acquire locks the session for one operation. The caller must unlock s.mu when
// it returns nil.
func (s *Session) acquire() error {
	s.mu.Lock()
	if s.state != Mounted {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) flush() error {
	s.sb.FreeBlocks = s.bmap.FreeCount()
	if err := writeBitmap(s.dev, s.sb, s.bmap); err != nil {
		return err
	}
	return writeSuperblock(s.dev, s.sb)
}

// Flush writes the in-memory superblock and bitmap to the device.
func (s *Session) Flush() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.flush()
}

// Unmount flushes the session, marks the filesystem clean and releases the device.
// The device is released even when the flush fails.
func (s *Session) Unmount() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.state = Unmounting
	s.sb.State = StateClean
	flushErr := s.flush()
	closeErr := s.dev.Close()
	s.dev = nil
	s.state = Unmounted
	if flushErr != nil {
		logrus.Errorf("unmount: flush failed: %v", flushErr)
		return errors.Wrap(flushErr, "unmount")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "unmount: release device")
	}
	logrus.Info("unmounted")
	return nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CleanMount reports whether the previous session unmounted cleanly.
func (s *Session) CleanMount() bool {
	return s.clean
}

// Superblock returns a copy of the in-memory superblock.
func (s *Session) Superblock() (Superblock, error) {
	if err := s.acquire(); err != nil {
		return Superblock{}, err
	}
	defer s.mu.Unlock()
	sb := *s.sb
	sb.FreeBlocks = s.bmap.FreeCount()
	return sb, nil
}

// BlockMap returns a read-only snapshot of the allocation bitmap.
func (s *Session) BlockMap() (BlockMap, error) {
	if err := s.acquire(); err != nil {
		return BlockMap{}, err
	}
	defer s.mu.Unlock()
	return s.bmap.Snapshot(), nil
}

func (s *Session) VolumeID() string {
	if s.sb == nil {
		return ""
	}
	return uuid.UUID(s.sb.UUID).String()
}

func (s *Session) allocBlock() (uint64, error) {
	b, err := s.bmap.Allocate()
	if err != nil {
		return 0, err
	}
	s.sb.FreeBlocks = s.bmap.FreeCount()
	return b, nil
}

func (s *Session) freeBlocks(blocks []uint64) {
	for _, b := range blocks {
		if err := s.bmap.Free(b); err != nil {
			logrus.Errorf("free block %d: %v", b, err)
		}
	}
	s.sb.FreeBlocks = s.bmap.FreeCount()
}
