package fusefs

import (
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"umbrella"
)

func newTestFS(t *testing.T) (*FS, *umbrella.Session) {
	t.Helper()
	dev := umbrella.NewMemBlockDevice(128, 512)
	if _, err := umbrella.Newfs(dev, umbrella.NewfsOptions{}); err != nil {
		t.Fatal(err)
	}
	s, err := umbrella.Mount(dev)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Unmount() })
	return New(s), s
}

func header(node uint64) fuse.InHeader {
	return fuse.InHeader{NodeId: node}
}

func TestToStatus(t *testing.T) {
	for _, testCase := range []struct {
		err  error
		want fuse.Status
	}{
		{err: nil, want: fuse.OK},
		{err: errors.Wrap(umbrella.ErrNotFound, "lookup"), want: fuse.ENOENT},
		{err: umbrella.ErrNameExists, want: fuse.Status(syscall.EEXIST)},
		{err: umbrella.ErrNoSpace, want: fuse.Status(syscall.ENOSPC)},
		{err: umbrella.ErrDirectoryNotEmpty, want: fuse.Status(syscall.ENOTEMPTY)},
		{err: umbrella.ErrNotADirectory, want: fuse.ENOTDIR},
		{err: umbrella.ErrFileTooLarge, want: fuse.Status(syscall.EFBIG)},
		{err: errors.New("disk on fire"), want: fuse.EIO},
	} {
		if got := ToStatus(testCase.err); got != testCase.want {
			t.Errorf("ToStatus(%v) = %v, want %v", testCase.err, got, testCase.want)
		}
	}
}

func TestOpenfileMap(t *testing.T) {
	m := NewOpenfileMap()
	a := m.Register(3, 0)
	b := m.Register(3, syscall.O_APPEND)
	if a == b {
		t.Fatal("handles collide")
	}
	if h := m.Get(b); h == nil || h.Ino != 3 || h.Flags != syscall.O_APPEND {
		t.Errorf("Get(%d) = %+v", b, h)
	}
	m.Remove(a)
	m.Remove(a)
	if m.Count() != 1 || m.Get(a) != nil {
		t.Errorf("count %d after remove", m.Count())
	}
}

func TestNodeIDs(t *testing.T) {
	if nodeIno(fuse.FUSE_ROOT_ID) != umbrella.RootIno {
		t.Error("kernel root does not map to the root inode")
	}
	if inoNode(umbrella.RootIno) != fuse.FUSE_ROOT_ID {
		t.Error("root inode does not map to the kernel root")
	}
}

func TestCreateWriteRead(t *testing.T) {
	fs, _ := newTestFS(t)
	var created fuse.CreateOut
	st := fs.Create(nil, &fuse.CreateIn{InHeader: header(fuse.FUSE_ROOT_ID)}, "hello.txt", &created)
	if !st.Ok() {
		t.Fatalf("Create: %v", st)
	}
	node := created.NodeId
	if node == fuse.FUSE_ROOT_ID || created.Attr.Mode&syscall.S_IFREG == 0 {
		t.Fatalf("created %+v", created.EntryOut)
	}

	data := []byte("hello from the kernel")
	n, st := fs.Write(nil, &fuse.WriteIn{InHeader: header(node), Fh: created.Fh}, data)
	if !st.Ok() || n != uint32(len(data)) {
		t.Fatalf("Write = %d, %v", n, st)
	}
	res, st := fs.Read(nil, &fuse.ReadIn{InHeader: header(node), Size: 100}, make([]byte, 100))
	if !st.Ok() {
		t.Fatalf("Read: %v", st)
	}
	got, _ := res.Bytes(make([]byte, 100))
	if string(got) != string(data) {
		t.Errorf("read %q", got)
	}

	var entry fuse.EntryOut
	if st := fs.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "hello.txt", &entry); !st.Ok() || entry.NodeId != node {
		t.Errorf("Lookup = %v, node %d", st, entry.NodeId)
	}
	if entry.Attr.Size != uint64(len(data)) {
		t.Errorf("size %d", entry.Attr.Size)
	}
	fs.Release(nil, &fuse.ReleaseIn{Fh: created.Fh})
	if fs.openfiles.Count() != 0 {
		t.Error("handle leaked")
	}
}

func TestAppendHandle(t *testing.T) {
	fs, _ := newTestFS(t)
	var created fuse.CreateOut
	fs.Create(nil, &fuse.CreateIn{InHeader: header(fuse.FUSE_ROOT_ID)}, "log", &created)
	fs.Write(nil, &fuse.WriteIn{InHeader: header(created.NodeId), Fh: created.Fh}, []byte("one "))

	var opened fuse.OpenOut
	st := fs.Open(nil, &fuse.OpenIn{InHeader: header(created.NodeId), Flags: syscall.O_WRONLY | syscall.O_APPEND}, &opened)
	if !st.Ok() {
		t.Fatal(st)
	}
	fs.Write(nil, &fuse.WriteIn{InHeader: header(created.NodeId), Fh: opened.Fh}, []byte("two"))
	res, _ := fs.Read(nil, &fuse.ReadIn{InHeader: header(created.NodeId), Size: 64}, nil)
	got, _ := res.Bytes(nil)
	if string(got) != "one two" {
		t.Errorf("got %q", got)
	}
}

func TestMkdirRmdir(t *testing.T) {
	fs, _ := newTestFS(t)
	var dir fuse.EntryOut
	if st := fs.Mkdir(nil, &fuse.MkdirIn{InHeader: header(fuse.FUSE_ROOT_ID)}, "d", &dir); !st.Ok() {
		t.Fatal(st)
	}
	if dir.Attr.Mode&syscall.S_IFDIR == 0 {
		t.Errorf("mode %o", dir.Attr.Mode)
	}
	var file fuse.CreateOut
	fs.Create(nil, &fuse.CreateIn{InHeader: header(dir.NodeId)}, "f", &file)

	if st := fs.Rmdir(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "d"); st != fuse.Status(syscall.ENOTEMPTY) {
		t.Errorf("Rmdir non-empty = %v", st)
	}
	if st := fs.Unlink(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "d"); st != fuse.Status(syscall.EISDIR) {
		t.Errorf("Unlink dir = %v", st)
	}
	if st := fs.Rmdir(nil, &fuse.InHeader{NodeId: dir.NodeId}, "f"); st != fuse.ENOTDIR {
		t.Errorf("Rmdir file = %v", st)
	}
	if st := fs.Unlink(nil, &fuse.InHeader{NodeId: dir.NodeId}, "f"); !st.Ok() {
		t.Errorf("Unlink = %v", st)
	}
	if st := fs.Rmdir(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "d"); !st.Ok() {
		t.Errorf("Rmdir = %v", st)
	}
	var entry fuse.EntryOut
	if st := fs.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "d", &entry); st != fuse.ENOENT {
		t.Errorf("Lookup after rmdir = %v", st)
	}
}

func TestSetAttrTruncate(t *testing.T) {
	fs, s := newTestFS(t)
	var created fuse.CreateOut
	fs.Create(nil, &fuse.CreateIn{InHeader: header(fuse.FUSE_ROOT_ID)}, "t", &created)
	fs.Write(nil, &fuse.WriteIn{InHeader: header(created.NodeId)}, make([]byte, 2000))

	in := &fuse.SetAttrIn{}
	in.NodeId = created.NodeId
	in.Valid = fuse.FATTR_SIZE
	in.Size = 10
	var out fuse.AttrOut
	if st := fs.SetAttr(nil, in, &out); !st.Ok() {
		t.Fatal(st)
	}
	if out.Size != 10 {
		t.Errorf("size %d", out.Size)
	}
	stat, _ := s.Stat(nodeIno(created.NodeId))
	if len(stat.Blocks) != 1 {
		t.Errorf("%d blocks after truncate", len(stat.Blocks))
	}
}

func TestStatFs(t *testing.T) {
	fs, s := newTestFS(t)
	var out fuse.StatfsOut
	if st := fs.StatFs(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, &out); !st.Ok() {
		t.Fatal(st)
	}
	sb, _ := s.Superblock()
	if out.Blocks != sb.BlockCount || out.Bfree != sb.FreeBlocks || out.Bsize != 512 {
		t.Errorf("statfs %+v", out)
	}
	if out.Ffree != uint64(sb.InodeCount)-1 {
		t.Errorf("free inodes %d", out.Ffree)
	}
}
