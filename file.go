package umbrella

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Create makes an empty file or directory called name inside parent.
func (s *Session) Create(parent Ino, name string, typ InodeType) (Ino, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	logrus.Debugf("[in ] op=Create, parent=%d, name=%s, type=%s", parent, name, typ)
	if typ != TypeFile && typ != TypeDirectory {
		return 0, errors.Wrapf(ErrInvalidType, "create %q: type %d", name, typ)
	}
	dir, err := s.getDir(parent)
	if err != nil {
		return 0, err
	}
	if err := validateName(name); err != nil {
		return 0, err
	}
	entries, err := s.readDir(dir)
	if err != nil {
		return 0, err
	}
	if findEntry(entries, name) >= 0 {
		return 0, errors.Wrapf(ErrNameExists, "%q in inode %d", name, parent)
	}
	ino, err := s.allocIno()
	if err != nil {
		return 0, err
	}
	if err := s.writeDir(dir, append(entries, DirEntry{Name: name, Ino: ino})); err != nil {
		return 0, err
	}
	now := time.Now()
	if err := s.writeInode(&Inode{Ino: ino, Type: typ, Ctime: now, Mtime: now}); err != nil {
		if rerr := s.writeDir(dir, entries); rerr != nil {
			logrus.Errorf("create %q: restoring parent %d: %v", name, parent, rerr)
		}
		return 0, err
	}
	logrus.Debugf("[out] op=Create, ino=%d", ino)
	return ino, nil
}

// Write stores data at off in a regular file and returns the number of bytes written.
func (s *Session) Write(ino Ino, off uint64, data []byte) (uint64, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	logrus.Debugf("[in ] op=Write, ino=%d, off=%d, data=%s, len=%d", ino, off, PreviewBuffer(data, 32), len(data))
	in, err := s.getFile(ino)
	if err != nil {
		return 0, err
	}
	if err := s.writeContent(in, off, data); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// Read returns up to length bytes of a regular file starting at off. The result
// is cut short at the end of the file.
func (s *Session) Read(ino Ino, off uint64, length uint64) ([]byte, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	in, err := s.getFile(ino)
	if err != nil {
		return nil, err
	}
	return s.readContent(in, off, length)
}

// Truncate sets the size of a regular file.
func (s *Session) Truncate(ino Ino, size uint64) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	in, err := s.getFile(ino)
	if err != nil {
		return err
	}
	return s.truncateContent(in, size)
}

// Delete removes name from parent and frees its inode and blocks. Directories must
// be empty.
func (s *Session) Delete(parent Ino, name string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	logrus.Debugf("[in ] op=Delete, parent=%d, name=%s", parent, name)
	dir, err := s.getDir(parent)
	if err != nil {
		return err
	}
	entries, err := s.readDir(dir)
	if err != nil {
		return err
	}
	i := findEntry(entries, name)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "%q in inode %d", name, parent)
	}
	target, err := s.getInode(entries[i].Ino)
	if err != nil {
		return err
	}
	if target.IsDir() && target.Size > 0 {
		children, err := s.readDir(target)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return errors.Wrapf(ErrDirectoryNotEmpty, "%q holds %d entries", name, len(children))
		}
	}
	remaining := append(append([]DirEntry(nil), entries[:i]...), entries[i+1:]...)
	if err := s.writeDir(dir, remaining); err != nil {
		return err
	}
	return s.releaseInode(target)
}

// Stat returns the inode record for a live inode.
func (s *Session) Stat(ino Ino) (Inode, error) {
	if err := s.acquire(); err != nil {
		return Inode{}, err
	}
	defer s.mu.Unlock()
	in, err := s.getInode(ino)
	if err != nil {
		return Inode{}, err
	}
	return *in, nil
}

func (s *Session) getFile(ino Ino) (*Inode, error) {
	in, err := s.getInode(ino)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, errors.Wrapf(ErrNotAFile, "inode %d is a directory", ino)
	}
	return in, nil
}
