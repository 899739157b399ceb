package umbrella

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MinInodes is the smallest inode table newfs lays out when no capacity is given.
const MinInodes = 4

type NewfsOptions struct {
	// InodeCount is the inode table capacity; 0 picks one inode per 8 blocks. The
	// value is rounded up to fill whole inode-table blocks.
	InodeCount uint32
	// UUID overrides the random volume id.
	UUID *uuid.UUID
}

// ComputeLayout places the bitmap and inode table for a device of nblocks blocks.
// The result is what newfs writes and what mount re-derives to validate block 0.
func ComputeLayout(nblocks uint64, blocksize uint32, inodes uint32) (*Superblock, error) {
	if blocksize < InodeSize {
		return nil, errors.Wrapf(ErrBadBlockSize, "block size %d is below the inode size %d", blocksize, InodeSize)
	}
	ipb := uint64(blocksize / InodeSize)
	// inode numbers are 32 bits wide
	maxInodes := math.MaxUint32 / ipb * ipb
	want := uint64(inodes)
	if want == 0 {
		want = Min(Max(uint64(MinInodes), nblocks/8), maxInodes)
	}
	inodeBlocks := DivRoundUp(want, ipb)
	if inodeBlocks*ipb > maxInodes {
		return nil, errors.Wrapf(ErrOutOfRange, "%d inodes round up to %d, limit %d", want, inodeBlocks*ipb, maxInodes)
	}
	bitmapBlocks := DivRoundUp(bitmapBytes(nblocks), uint64(blocksize))
	sb := &Superblock{
		MagicNum:     SuperBlockMagicNum,
		Version:      FormatVersion,
		BlockCount:   nblocks,
		BlockSize:    blocksize,
		BitmapStart:  1,
		BitmapBlocks: bitmapBlocks,
		InodeStart:   1 + bitmapBlocks,
		InodeBlocks:  inodeBlocks,
		InodeCount:   uint32(inodeBlocks * ipb),
		RootIno:      uint32(RootIno),
	}
	// superblock, bitmap, inode table and one data block for the root directory
	if sb.DataStart()+1 > nblocks {
		return nil, errors.Wrapf(ErrDeviceTooSmall, "%d blocks, layout needs %d", nblocks, sb.DataStart()+1)
	}
	sb.FreeBlocks = sb.DataBlocks()
	return sb, nil
}

// Newfs writes an empty filesystem to dev, destroying whatever it held. It must not
// run while a Session has the device mounted.
func Newfs(dev BlockDevice, opts NewfsOptions) (*Superblock, error) {
	totalBlocks := dev.GetTotalBlockCount()
	blocksize := dev.BlockSize()
	logrus.Infof("newfs: %d blocks of %d bytes", totalBlocks, blocksize)
	sb, err := ComputeLayout(totalBlocks, blocksize, opts.InodeCount)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	if opts.UUID != nil {
		id = *opts.UUID
	}
	sb.UUID = id
	sb.State = StateClean
	sb.Ctime = GetTimestampNsec()

	// 1. superblock
	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}
	// 2. bitmap with the metadata region pre-marked
	bm := NewBlockMap(totalBlocks, sb.DataStart())
	if err := writeBitmap(dev, sb, bm); err != nil {
		return nil, err
	}
	// 3. inode table: everything free except the root directory
	now := time.Now()
	ipb := sb.InodesPerBlock()
	free, err := BytesOf(encodeInode(&Inode{Type: TypeFree}))
	if err != nil {
		return nil, err
	}
	root, err := BytesOf(encodeInode(&Inode{Ino: RootIno, Type: TypeDirectory, Ctime: now, Mtime: now}))
	if err != nil {
		return nil, err
	}
	for blk := uint64(0); blk < sb.InodeBlocks; blk++ {
		buf := make([]byte, blocksize)
		for slot := uint32(0); slot < ipb; slot++ {
			ino := uint32(blk)*ipb + slot
			rec := free
			if ino == sb.RootIno {
				rec = root
			}
			copy(buf[slot*InodeSize:], rec)
		}
		if err := dev.WriteBlock(sb.InodeStart+blk, buf); err != nil {
			return nil, errors.Wrapf(err, "newfs: inode table block %d", blk)
		}
	}
	logrus.Infof("newfs: volume %s, bitmap %d+%d, inodes %d+%d (%d), data from %d (%d free)",
		id, sb.BitmapStart, sb.BitmapBlocks, sb.InodeStart, sb.InodeBlocks, sb.InodeCount,
		sb.DataStart(), sb.FreeBlocks)
	return sb, nil
}

func writeSuperblock(dev BlockDevice, sb *Superblock) error {
	sbbytes, err := BytesOf(sb)
	if err != nil {
		return err
	}
	blk, err := Pad(sbbytes, int(dev.BlockSize()))
	if err != nil {
		return err
	}
	return errors.Wrap(dev.WriteBlock(0, blk), "write superblock")
}

func writeBitmap(dev BlockDevice, sb *Superblock, bm *BlockMap) error {
	bits := bm.Bytes()
	bs := uint64(sb.BlockSize)
	for i := uint64(0); i < sb.BitmapBlocks; i++ {
		buf := make([]byte, bs)
		if i*bs < uint64(len(bits)) {
			copy(buf, bits[i*bs:])
		}
		if err := dev.WriteBlock(sb.BitmapStart+i, buf); err != nil {
			return errors.Wrapf(err, "write bitmap block %d", i)
		}
	}
	return nil
}

// loadSuperblock reads and validates block 0.
func loadSuperblock(dev BlockDevice) (*Superblock, error) {
	if dev == nil {
		return nil, errors.New("nil device")
	}
	sbbytes, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	if !CheckMagic(sbbytes[:4], SuperBlockMagicNum) {
		return nil, ErrNotFormatted
	}
	var sb Superblock
	if err := StructOf(sbbytes, &sb); err != nil {
		return nil, errors.Wrap(ErrNotFormatted, err.Error())
	}
	if sb.Version != FormatVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "found version %d, want %d", sb.Version, FormatVersion)
	}
	if sb.BlockSize != dev.BlockSize() || sb.BlockCount > dev.GetTotalBlockCount() {
		return nil, errors.Wrapf(ErrBadGeometry, "superblock says %d blocks of %d, device has %d of %d",
			sb.BlockCount, sb.BlockSize, dev.GetTotalBlockCount(), dev.BlockSize())
	}
	want, err := ComputeLayout(sb.BlockCount, sb.BlockSize, sb.InodeCount)
	if err != nil {
		return nil, errors.Wrap(ErrBadGeometry, err.Error())
	}
	if want.BitmapStart != sb.BitmapStart || want.BitmapBlocks != sb.BitmapBlocks ||
		want.InodeStart != sb.InodeStart || want.InodeBlocks != sb.InodeBlocks ||
		want.InodeCount != sb.InodeCount || sb.RootIno != uint32(RootIno) {
		return nil, errors.Wrap(ErrBadGeometry, "superblock layout is inconsistent")
	}
	return &sb, nil
}
