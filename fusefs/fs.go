// Package fusefs serves a mounted umbrella Session to the host kernel through FUSE.
//
// Kernel node ids are inode numbers plus one, so that the kernel's root id 1 is the
// umbrella root inode 0.
package fusefs

import (
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"umbrella"
)

type FS struct {
	fuse.RawFileSystem
	s         *umbrella.Session
	openfiles *OpenfileMap
	uid       uint32
	gid       uint32
}

func New(s *umbrella.Session) *FS {
	return &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		s:             s,
		openfiles:     NewOpenfileMap(),
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
	}
}

// Serve mounts fs at mountpoint and starts answering requests in the background.
// The caller stops it with server.Unmount.
func Serve(s *umbrella.Session, mountpoint string, debug bool) (*fuse.Server, error) {
	server, err := fuse.NewServer(New(s), mountpoint, &fuse.MountOptions{
		Name:   "umbrella",
		FsName: s.VolumeID(),
		Debug:  debug,
	})
	if err != nil {
		return nil, err
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return nil, err
	}
	logrus.Infof("serving volume %s at %s", s.VolumeID(), mountpoint)
	return server, nil
}

func (fs *FS) String() string {
	return "umbrella"
}

func nodeIno(nodeID uint64) umbrella.Ino {
	return umbrella.Ino(nodeID - 1)
}

func inoNode(ino umbrella.Ino) uint64 {
	return uint64(ino) + 1
}

// ToStatus maps an umbrella error kind to an errno.
func ToStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	kind, ok := umbrella.KindOf(err)
	if !ok {
		return fuse.EIO
	}
	switch kind {
	case umbrella.ErrNotFound, umbrella.ErrOutOfRange:
		return fuse.ENOENT
	case umbrella.ErrNameExists:
		return fuse.Status(syscall.EEXIST)
	case umbrella.ErrNoSpace, umbrella.ErrNoFreeInode:
		return fuse.Status(syscall.ENOSPC)
	case umbrella.ErrNotADirectory:
		return fuse.ENOTDIR
	case umbrella.ErrNotAFile:
		return fuse.Status(syscall.EISDIR)
	case umbrella.ErrDirectoryNotEmpty:
		return fuse.Status(syscall.ENOTEMPTY)
	case umbrella.ErrFileTooLarge:
		return fuse.Status(syscall.EFBIG)
	case umbrella.ErrInvalidName, umbrella.ErrInvalidType:
		return fuse.EINVAL
	case umbrella.ErrSessionClosed:
		return fuse.Status(syscall.ENODEV)
	}
	return fuse.EIO
}

func (fs *FS) convertAttr(in *umbrella.Inode, blksize uint32) fuse.Attr {
	mode := uint32(fuse.S_IFREG | 0644)
	nlink := uint32(1)
	if in.IsDir() {
		mode = uint32(fuse.S_IFDIR | 0755)
		nlink = 2
	}
	return fuse.Attr{
		Ino:       inoNode(in.Ino),
		Size:      in.Size,
		Blocks:    uint64(len(in.Blocks)) * uint64(blksize) / 512,
		Atime:     uint64(in.Mtime.Unix()),
		Mtime:     uint64(in.Mtime.Unix()),
		Ctime:     uint64(in.Ctime.Unix()),
		Atimensec: uint32(in.Mtime.Nanosecond()),
		Mtimensec: uint32(in.Mtime.Nanosecond()),
		Ctimensec: uint32(in.Ctime.Nanosecond()),
		Mode:      mode,
		Nlink:     nlink,
		Owner:     fuse.Owner{Uid: fs.uid, Gid: fs.gid},
		Blksize:   blksize,
	}
}

func (fs *FS) fillEntry(ino umbrella.Ino, out *fuse.EntryOut) fuse.Status {
	in, err := fs.s.Stat(ino)
	if err != nil {
		return ToStatus(err)
	}
	sb, err := fs.s.Superblock()
	if err != nil {
		return ToStatus(err)
	}
	out.NodeId = inoNode(ino)
	out.Generation = 1
	out.Attr = fs.convertAttr(&in, sb.BlockSize)
	return fuse.OK
}

func (fs *FS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	logrus.Debugf("[in ] op=%s", "StatFs")
	sb, err := fs.s.Superblock()
	if err != nil {
		return ToStatus(err)
	}
	imap, err := fs.s.InodeMap()
	if err != nil {
		return ToStatus(err)
	}
	out.Blocks = sb.BlockCount
	out.Bfree = sb.FreeBlocks
	out.Bavail = sb.FreeBlocks
	out.Files = uint64(sb.InodeCount)
	out.Ffree = uint64(imap.FreeCount())
	out.Bsize = sb.BlockSize
	out.Frsize = sb.BlockSize
	out.NameLen = umbrella.MaxNameLen
	return fuse.OK
}

// Lookup 根据文件名查找文件
func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, name=%s", "Lookup", header.NodeId, name)
	ino, err := fs.s.Lookup(nodeIno(header.NodeId), name)
	if err != nil {
		return ToStatus(err)
	}
	return fs.fillEntry(ino, out)
}

func (fs *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v", "GetAttr", input.NodeId)
	in, err := fs.s.Stat(nodeIno(input.NodeId))
	if err != nil {
		return ToStatus(err)
	}
	sb, err := fs.s.Superblock()
	if err != nil {
		return ToStatus(err)
	}
	out.Attr = fs.convertAttr(&in, sb.BlockSize)
	return fuse.OK
}

// SetAttr only honours size changes; there is no ownership or mode metadata.
func (fs *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, valid=%v", "SetAttr", input.NodeId, input.Valid)
	ino := nodeIno(input.NodeId)
	if input.Valid&fuse.FATTR_SIZE != 0 {
		if err := fs.s.Truncate(ino, input.Size); err != nil {
			logrus.Errorf("Truncate failed: %v", err)
			return ToStatus(err)
		}
	}
	return fs.GetAttr(cancel, &fuse.GetAttrIn{InHeader: input.InHeader}, out)
}

func (fs *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, name=%v", "Mkdir", input.NodeId, name)
	ino, err := fs.s.Create(nodeIno(input.NodeId), name, umbrella.TypeDirectory)
	if err != nil {
		logrus.Errorf("Mkdir failed: %v", err)
		return ToStatus(err)
	}
	return fs.fillEntry(ino, out)
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, name=%s, parent_ino=%v, flags=%#x", "Create", name, input.NodeId, input.Flags)
	ino, err := fs.s.Create(nodeIno(input.NodeId), name, umbrella.TypeFile)
	if err != nil {
		logrus.Errorf("Create failed: %v", err)
		return ToStatus(err)
	}
	if code := fs.fillEntry(ino, &out.EntryOut); !code.Ok() {
		return code
	}
	out.OpenOut.Fh = fs.openfiles.Register(ino, input.Flags)
	return fuse.OK
}

func (fs *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, flags=%#x", "Open", input.NodeId, input.Flags)
	ino := nodeIno(input.NodeId)
	in, err := fs.s.Stat(ino)
	if err != nil {
		return ToStatus(err)
	}
	if in.IsDir() {
		return fuse.Status(syscall.EISDIR)
	}
	if input.Flags&syscall.O_TRUNC != 0 {
		if err := fs.s.Truncate(ino, 0); err != nil {
			return ToStatus(err)
		}
	}
	out.Fh = fs.openfiles.Register(ino, input.Flags)
	return fuse.OK
}

func (fs *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	logrus.Debugf("[in ] op=%s, ino=%v, off=%d, size=%d", "Read", input.NodeId, input.Offset, input.Size)
	data, err := fs.s.Read(nodeIno(input.NodeId), input.Offset, uint64(input.Size))
	if err != nil {
		return nil, ToStatus(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (fs *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	logrus.Debugf("[in ] op=%s, ino=%v, off=%d, len=%d", "Write", input.NodeId, input.Offset, len(data))
	off := input.Offset
	if h := fs.openfiles.Get(input.Fh); h != nil && h.Flags&syscall.O_APPEND != 0 {
		in, err := fs.s.Stat(h.Ino)
		if err != nil {
			return 0, ToStatus(err)
		}
		off = in.Size
	}
	n, err := fs.s.Write(nodeIno(input.NodeId), off, data)
	if err != nil {
		logrus.Errorf("Write failed: %v", err)
		return 0, ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *FS) remove(parent uint64, name string, wantDir bool) fuse.Status {
	ino, err := fs.s.Lookup(nodeIno(parent), name)
	if err != nil {
		return ToStatus(err)
	}
	in, err := fs.s.Stat(ino)
	if err != nil {
		return ToStatus(err)
	}
	if in.IsDir() != wantDir {
		if wantDir {
			return fuse.ENOTDIR
		}
		return fuse.Status(syscall.EISDIR)
	}
	return ToStatus(fs.s.Delete(nodeIno(parent), name))
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logrus.Debugf("[in ] op=%s, name=%s, ino=%v", "Unlink", name, header.NodeId)
	return fs.remove(header.NodeId, name, false)
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	logrus.Debugf("[in ] op=%s, name=%s, ino=%v", "Rmdir", name, header.NodeId)
	return fs.remove(header.NodeId, name, true)
}

func (fs *FS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v", "OpenDir", input.NodeId)
	ino := nodeIno(input.NodeId)
	if _, err := fs.s.List(ino); err != nil {
		return ToStatus(err)
	}
	out.Fh = fs.openfiles.Register(ino, input.Flags)
	return fuse.OK
}

func (fs *FS) dirEntries(nodeID uint64) ([]fuse.DirEntry, fuse.Status) {
	ino := nodeIno(nodeID)
	ents, err := fs.s.List(ino)
	if err != nil {
		return nil, ToStatus(err)
	}
	out := []fuse.DirEntry{
		{Name: ".", Ino: nodeID, Mode: fuse.S_IFDIR},
		{Name: "..", Ino: nodeID, Mode: fuse.S_IFDIR},
	}
	for _, ent := range ents {
		in, err := fs.s.Stat(ent.Ino)
		if err != nil {
			logrus.Errorf("ReadDir: %v", err)
			return nil, ToStatus(err)
		}
		mode := uint32(fuse.S_IFREG)
		if in.IsDir() {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: ent.Name, Ino: inoNode(ent.Ino), Mode: mode})
	}
	return out, fuse.OK
}

func (fs *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, l *fuse.DirEntryList) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, off=%d", "ReadDir", input.NodeId, input.Offset)
	ents, code := fs.dirEntries(input.NodeId)
	if !code.Ok() {
		return code
	}
	for i := input.Offset; i < uint64(len(ents)); i++ {
		if !l.AddDirEntry(ents[i]) {
			break
		}
	}
	return fuse.OK
}

func (fs *FS) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, l *fuse.DirEntryList) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v, off=%d", "ReadDirPlus", input.NodeId, input.Offset)
	ents, code := fs.dirEntries(input.NodeId)
	if !code.Ok() {
		return code
	}
	for i := input.Offset; i < uint64(len(ents)); i++ {
		e := ents[i]
		entryDest := l.AddDirLookupEntry(e)
		if entryDest == nil {
			break
		}
		// No need to fill attributes for . and ..
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if code := fs.fillEntry(nodeIno(e.Ino), entryDest); !code.Ok() {
			return code
		}
	}
	return fuse.OK
}

func (fs *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.openfiles.Remove(input.Fh)
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.openfiles.Remove(input.Fh)
}

func (fs *FS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

// Fsync writes the superblock and bitmap; data blocks are already on the device.
func (fs *FS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	logrus.Debugf("[in ] op=%s, ino=%v", "Fsync", input.NodeId)
	return ToStatus(fs.s.Flush())
}
