package fusefs

import (
	"sync"

	"github.com/sirupsen/logrus"

	"umbrella"
)

// FileHandle is one open() of a file or directory as seen by the kernel.
type FileHandle struct {
	Fh    uint64
	Ino   umbrella.Ino
	Flags uint32
}

// OpenfileMap is the table of file handles handed to the kernel.
type OpenfileMap struct {
	mu      sync.Mutex
	files   map[uint64]*FileHandle
	nextgen uint64
}

func NewOpenfileMap() *OpenfileMap {
	return &OpenfileMap{
		files:   map[uint64]*FileHandle{},
		nextgen: 1,
	}
}

func (m *OpenfileMap) Get(fh uint64) *FileHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[fh]
}

func (m *OpenfileMap) Register(ino umbrella.Ino, flags uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	fh := m.nextgen
	m.nextgen++
	m.files[fh] = &FileHandle{
		Fh:    fh,
		Ino:   ino,
		Flags: flags,
	}
	logrus.Debugf("[FS_HANDLE] Register fh=%v ino=%v flags=%#x", fh, ino, flags)
	return fh
}

func (m *OpenfileMap) Remove(fh uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.files[fh]; ok {
		logrus.Debugf("[FS_HANDLE] Remove fh=%v, ino=%v", fh, h.Ino)
		delete(m.files, fh)
	}
}

func (m *OpenfileMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
