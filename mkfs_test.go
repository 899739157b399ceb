package umbrella

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestComputeLayout(t *testing.T) {
	for _, testCase := range []struct {
		name       string
		nblocks    uint64
		blocksize  uint32
		inodes     uint32
		wantInodes uint32
		wantData   uint64
		wantError  error
	}{
		// 8 inodes -> 2 inode blocks; 1 superblock, 1 bitmap block
		{name: "small", nblocks: 64, blocksize: 512, wantInodes: 8, wantData: 60},
		// 5 inodes round up to two full blocks of 4
		{name: "rounded", nblocks: 64, blocksize: 512, inodes: 5, wantInodes: 8, wantData: 60},
		{name: "minimum", nblocks: 16, blocksize: 512, wantInodes: 4, wantData: 13},
		// 40000 blocks need 5000 bitmap bytes = 10 blocks
		{name: "large", nblocks: 40000, blocksize: 512, wantInodes: 5000, wantData: 40000 - 1 - 10 - 1250},
		{name: "too small", nblocks: 3, blocksize: 512, wantError: ErrDeviceTooSmall},
		{name: "bad block size", nblocks: 64, blocksize: 64, wantError: ErrBadBlockSize},
		// rounding up to whole inode blocks would pass the 32-bit inode limit
		{name: "inode count overflow", nblocks: 64, blocksize: 512, inodes: math.MaxUint32, wantError: ErrOutOfRange},
		// one inode per 8 blocks is capped at the largest whole-block count
		{name: "default capped", nblocks: 1 << 36, blocksize: 512, wantInodes: math.MaxUint32 - 3,
			wantData: 1<<36 - 1 - 1<<24 - (math.MaxUint32-3)/4},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			sb, err := ComputeLayout(testCase.nblocks, testCase.blocksize, testCase.inodes)
			if testCase.wantError != nil {
				if !errors.Is(err, testCase.wantError) {
					t.Fatalf("got %v, want %v", err, testCase.wantError)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sb.InodeCount != testCase.wantInodes {
				t.Errorf("inode count %d, want %d", sb.InodeCount, testCase.wantInodes)
			}
			if sb.DataBlocks() != testCase.wantData || sb.FreeBlocks != testCase.wantData {
				t.Errorf("data blocks %d (free %d), want %d", sb.DataBlocks(), sb.FreeBlocks, testCase.wantData)
			}
			if sb.BitmapStart != 1 || sb.InodeStart != sb.BitmapStart+sb.BitmapBlocks {
				t.Errorf("regions out of order: %+v", sb)
			}
		})
	}
}

func TestNewfsThenMount(t *testing.T) {
	dev := NewMemBlockDevice(64, 512)
	id := uuid.New()
	if _, err := Newfs(dev, NewfsOptions{UUID: &id}); err != nil {
		t.Fatal(err)
	}
	s, err := Mount(dev)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unmount()
	if s.VolumeID() != id.String() {
		t.Errorf("volume id %s, want %s", s.VolumeID(), id)
	}
	root, err := s.Stat(RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if root.Type != TypeDirectory || root.Size != 0 {
		t.Errorf("root is %s of size %d", root.Type, root.Size)
	}
	entries, err := s.List(RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("fresh root holds %v", entries)
	}
	sb, err := s.Superblock()
	if err != nil {
		t.Fatal(err)
	}
	if sb.FreeBlocks != sb.DataBlocks() {
		t.Errorf("free %d, want %d", sb.FreeBlocks, sb.DataBlocks())
	}
}

func TestNewfsDeviceTooSmall(t *testing.T) {
	_, err := Newfs(NewMemBlockDevice(3, 512), NewfsOptions{})
	if !errors.Is(err, ErrDeviceTooSmall) {
		t.Errorf("got %v, want %v", err, ErrDeviceTooSmall)
	}
}

func TestNewfsInodeCountOverflow(t *testing.T) {
	dev := NewMemBlockDevice(64, 512)
	_, err := Newfs(dev, NewfsOptions{InodeCount: math.MaxUint32})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want %v", err, ErrOutOfRange)
	}
	if _, err := Mount(dev); !errors.Is(err, ErrNotFormatted) {
		t.Errorf("failed newfs left a mountable device: %v", err)
	}
}

func TestMountNotFormatted(t *testing.T) {
	_, err := Mount(NewMemBlockDevice(64, 512))
	if !errors.Is(err, ErrNotFormatted) {
		t.Errorf("got %v, want %v", err, ErrNotFormatted)
	}
}

func TestMountVersionMismatch(t *testing.T) {
	dev := NewMemBlockDevice(64, 512)
	sb, err := Newfs(dev, NewfsOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sb.Version = FormatVersion + 1
	if err := writeSuperblock(dev, sb); err != nil {
		t.Fatal(err)
	}
	if _, err := Mount(dev); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("got %v, want %v", err, ErrVersionMismatch)
	}
}

func TestMountBadGeometry(t *testing.T) {
	dev := NewMemBlockDevice(64, 512)
	sb, err := Newfs(dev, NewfsOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sb.InodeStart++
	if err := writeSuperblock(dev, sb); err != nil {
		t.Fatal(err)
	}
	if _, err := Mount(dev); !errors.Is(err, ErrBadGeometry) {
		t.Errorf("got %v, want %v", err, ErrBadGeometry)
	}
}
