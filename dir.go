package umbrella

import (
	"strings"

	"github.com/pkg/errors"
)

// A directory is a file whose content is a packed DirHdr. An empty directory has
// size 0 and holds no blocks.

func encodeDir(entries []DirEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	hdr := DirHdr{
		Count:   uint16(len(entries)),
		Entries: make([]DirRecord, len(entries)),
	}
	for i, e := range entries {
		hdr.Entries[i] = DirRecord{
			Ino:     uint32(e.Ino),
			Namelen: uint8(len(e.Name)),
			Name:    []uint8(e.Name),
		}
	}
	return BytesOf(&hdr)
}

func decodeDir(data []byte) ([]DirEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var hdr DirHdr
	if err := StructOf(data, &hdr); err != nil {
		return nil, errors.Wrap(err, "decode directory")
	}
	entries := make([]DirEntry, len(hdr.Entries))
	for i, rec := range hdr.Entries {
		entries[i] = DirEntry{Name: string(rec.Name), Ino: Ino(rec.Ino)}
	}
	return entries, nil
}

func (s *Session) readDir(dir *Inode) ([]DirEntry, error) {
	if !dir.IsDir() {
		return nil, errors.Wrapf(ErrNotADirectory, "inode %d", dir.Ino)
	}
	data, err := s.readContent(dir, 0, dir.Size)
	if err != nil {
		return nil, err
	}
	return decodeDir(data)
}

// writeDir replaces the directory content. Growth goes through writeContent, so a
// failed write leaves the directory untouched.
func (s *Session) writeDir(dir *Inode, entries []DirEntry) error {
	data, err := encodeDir(entries)
	if err != nil {
		return err
	}
	if err := s.writeContent(dir, 0, data); err != nil {
		return err
	}
	return s.truncateContent(dir, uint64(len(data)))
}

func findEntry(entries []DirEntry, name string) int {
	for i, e := range entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	if len(name) > MaxNameLen {
		return errors.Wrapf(ErrInvalidName, "name is %d bytes, limit %d", len(name), MaxNameLen)
	}
	if strings.ContainsAny(name, "/\x00") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

func (s *Session) getDir(ino Ino) (*Inode, error) {
	dir, err := s.getInode(ino)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, errors.Wrapf(ErrNotADirectory, "inode %d", ino)
	}
	return dir, nil
}

func (s *Session) lookup(dirIno Ino, name string) (Ino, error) {
	dir, err := s.getDir(dirIno)
	if err != nil {
		return 0, err
	}
	entries, err := s.readDir(dir)
	if err != nil {
		return 0, err
	}
	i := findEntry(entries, name)
	if i < 0 {
		return 0, errors.Wrapf(ErrNotFound, "%q in inode %d", name, dirIno)
	}
	return entries[i].Ino, nil
}

// Lookup returns the inode number of name inside the directory dirIno.
func (s *Session) Lookup(dirIno Ino, name string) (Ino, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.lookup(dirIno, name)
}

// List returns the entries of a directory in insertion order.
func (s *Session) List(dirIno Ino) ([]DirEntry, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	dir, err := s.getDir(dirIno)
	if err != nil {
		return nil, err
	}
	return s.readDir(dir)
}

// Walk resolves a slash-separated path from the root directory. Empty components
// and "." are skipped; ".." is not supported because entries carry no parent link.
func (s *Session) Walk(path string) (Ino, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	cur := RootIno
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		next, err := s.lookup(cur, part)
		if err != nil {
			return 0, errors.Wrapf(err, "walk %q", path)
		}
		cur = next
	}
	return cur, nil
}
