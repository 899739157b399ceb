package umbrella

import "time"

// ======== block 0 ========

const SuperBlockMagicNum = uint32(0x52424d55) // "UMBR" on disk
const FormatVersion = uint32(1)

const (
	StateClean = uint16(1)
	StateDirty = uint16(2)
)

type Superblock struct {
	MagicNum     uint32 `struct:"uint32"`
	Version      uint32 `struct:"uint32"`
	BlockCount   uint64 `struct:"uint64"` // N
	BlockSize    uint32 `struct:"uint32"` // B
	BitmapStart  uint64 `struct:"uint64"`
	BitmapBlocks uint64 `struct:"uint64"`
	InodeStart   uint64 `struct:"uint64"`
	InodeBlocks  uint64 `struct:"uint64"`
	InodeCount   uint32 `struct:"uint32"` // C
	RootIno      uint32 `struct:"uint32"`
	FreeBlocks   uint64 `struct:"uint64"`
	State        uint16 `struct:"uint16"` // clean after unmount, dirty while mounted
	MountCount   uint32 `struct:"uint32"`
	UUID         [16]byte
	Ctime        uint64 `struct:"uint64"` // newfs time, ns
	Mtime        uint64 `struct:"uint64"` // last mount time, ns
}

// DataStart is the first block not reserved for metadata.
func (sb *Superblock) DataStart() uint64 {
	return sb.InodeStart + sb.InodeBlocks
}

func (sb *Superblock) DataBlocks() uint64 {
	return sb.BlockCount - sb.DataStart()
}

func (sb *Superblock) InodesPerBlock() uint32 {
	return sb.BlockSize / InodeSize
}

// ======== inode table ========

const InodeSize = 128

// DirectBlocks is the length of the block list held by every inode. There is no
// indirect tier, so a file holds at most DirectBlocks*B bytes.
const DirectBlocks = 24

const (
	InodeFlagFree = uint8(0x80)
	InodeFlagFile = uint8(0x40)
	InodeFlagDir  = uint8(0x20)
)

type DInode struct {
	Flags   uint8  `struct:"uint8"`
	NBlocks uint16 `struct:"uint16"`
	Size    uint64 `struct:"uint64"`
	Ctime   uint64 `struct:"uint64"`
	Mtime   uint64 `struct:"uint64"`
	Blocks  [DirectBlocks]uint32
}

type Ino uint32

const RootIno = Ino(0)

type InodeType uint8

const (
	TypeFree InodeType = iota
	TypeFile
	TypeDirectory
)

func (t InodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "dir"
	default:
		return "free"
	}
}

// Inode is the decoded form of a DInode.
type Inode struct {
	Ino    Ino
	Type   InodeType
	Size   uint64
	Blocks []uint64
	Ctime  time.Time
	Mtime  time.Time
}

func (in *Inode) IsDir() bool {
	return in.Type == TypeDirectory
}

func (in *Inode) clone() *Inode {
	c := *in
	c.Blocks = append([]uint64(nil), in.Blocks...)
	return &c
}

func decodeInode(ino Ino, d *DInode) *Inode {
	in := &Inode{
		Ino:   ino,
		Size:  d.Size,
		Ctime: time.Unix(0, int64(d.Ctime)),
		Mtime: time.Unix(0, int64(d.Mtime)),
	}
	switch {
	case d.Flags&InodeFlagFree != 0 || d.Flags == 0:
		in.Type = TypeFree
		in.Size = 0
		return in
	case d.Flags&InodeFlagDir != 0:
		in.Type = TypeDirectory
	default:
		in.Type = TypeFile
	}
	n := int(d.NBlocks)
	if n > DirectBlocks {
		n = DirectBlocks
	}
	in.Blocks = make([]uint64, n)
	for i := 0; i < n; i++ {
		in.Blocks[i] = uint64(d.Blocks[i])
	}
	return in
}

func encodeInode(in *Inode) *DInode {
	d := &DInode{}
	switch in.Type {
	case TypeFile:
		d.Flags = InodeFlagFile
	case TypeDirectory:
		d.Flags = InodeFlagDir
	default:
		d.Flags = InodeFlagFree
		return d
	}
	d.Size = in.Size
	d.NBlocks = uint16(len(in.Blocks))
	d.Ctime = uint64(in.Ctime.UnixNano())
	d.Mtime = uint64(in.Mtime.UnixNano())
	for i, b := range in.Blocks {
		d.Blocks[i] = uint32(b)
	}
	return d
}

// ======== directory content ========

const MaxNameLen = 255

type DirHdr struct {
	Count   uint16 `struct:"uint16,sizeof=Entries"`
	Entries []DirRecord
}

type DirRecord struct {
	Ino     uint32 `struct:"uint32"`
	Namelen uint8  `struct:"uint8,sizeof=Name"`
	Name    []uint8
}

// DirEntry is one (name, inode) pair of a directory listing.
type DirEntry struct {
	Name string
	Ino  Ino
}
