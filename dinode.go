package umbrella

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// locateInode returns the inode-table block holding ino and the record offset in it.
func (s *Session) locateInode(ino Ino) (uint64, uint32, error) {
	if uint32(ino) >= s.sb.InodeCount {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "inode %d of %d", ino, s.sb.InodeCount)
	}
	ipb := s.sb.InodesPerBlock()
	return s.sb.InodeStart + uint64(uint32(ino)/ipb), (uint32(ino) % ipb) * InodeSize, nil
}

// readInode decodes the record for ino, free or not.
func (s *Session) readInode(ino Ino) (*Inode, error) {
	blkno, off, err := s.locateInode(ino)
	if err != nil {
		return nil, err
	}
	blkBuf, err := s.dev.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	var d DInode
	if err := StructOf(blkBuf[off:off+InodeSize], &d); err != nil {
		return nil, errors.Wrapf(err, "decode inode %d", ino)
	}
	in := decodeInode(ino, &d)
	// a record whose size runs past its block list is corrupt
	if capacity := uint64(len(in.Blocks)) * uint64(s.sb.BlockSize); in.Size > capacity {
		logrus.Warnf("inode %d: size %d exceeds its %d blocks, clamping to %d", ino, in.Size, len(in.Blocks), capacity)
		in.Size = capacity
	}
	return in, nil
}

// getInode returns a live inode; free slots are ErrNotFound.
func (s *Session) getInode(ino Ino) (*Inode, error) {
	in, err := s.readInode(ino)
	if err != nil {
		return nil, err
	}
	if in.Type == TypeFree {
		return nil, errors.Wrapf(ErrNotFound, "inode %d is free", ino)
	}
	return in, nil
}

func (s *Session) writeInode(in *Inode) error {
	blkno, off, err := s.locateInode(in.Ino)
	if err != nil {
		return err
	}
	recBytes, err := BytesOf(encodeInode(in))
	if err != nil {
		return err
	}
	blkBuf, err := s.dev.ReadBlock(blkno)
	if err != nil {
		return err
	}
	rec := blkBuf[off : off+InodeSize]
	for i := range rec {
		rec[i] = 0
	}
	copy(rec, recBytes)
	logrus.Debugf("sync ino %d type=%s size=%d blocks=%v", in.Ino, in.Type, in.Size, in.Blocks)
	return s.dev.WriteBlock(blkno, blkBuf)
}

// allocIno finds the lowest free inode number. The slot is claimed only when the
// caller writes an inode record to it.
func (s *Session) allocIno() (Ino, error) {
	ipb := s.sb.InodesPerBlock()
	for blk := uint64(0); blk < s.sb.InodeBlocks; blk++ {
		blkBuf, err := s.dev.ReadBlock(s.sb.InodeStart + blk)
		if err != nil {
			return 0, err
		}
		for slot := uint32(0); slot < ipb; slot++ {
			flags := blkBuf[slot*InodeSize]
			if flags&InodeFlagFree != 0 || flags == 0 {
				return Ino(uint32(blk)*ipb + slot), nil
			}
		}
	}
	return 0, ErrNoFreeInode
}

func (s *Session) maxFileSize() uint64 {
	return DirectBlocks * uint64(s.sb.BlockSize)
}

// readContent returns up to length bytes starting at off, stopping at the inode size.
func (s *Session) readContent(in *Inode, off uint64, length uint64) ([]byte, error) {
	if off >= in.Size || length == 0 {
		return []byte{}, nil
	}
	end := in.Size
	if length < in.Size-off {
		end = off + length
	}
	bs := uint64(s.sb.BlockSize)
	out := make([]byte, 0, end-off)
	for pos := off; pos < end; {
		vblk := pos / bs
		blkBuf, err := s.dev.ReadBlock(in.Blocks[vblk])
		if err != nil {
			return nil, err
		}
		inBlock := pos % bs
		n := Min(bs-inBlock, end-pos)
		out = append(out, blkBuf[inBlock:inBlock+n]...)
		pos += n
	}
	return out, nil
}

// writeContent stores data at off, growing the block list as needed. Growth is
// all or nothing: if any block cannot be obtained, or a device write fails, every
// block taken by this call is returned and in is left as it was.
func (s *Session) writeContent(in *Inode, off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	limit := s.maxFileSize()
	if off > limit || uint64(len(data)) > limit-off {
		return errors.Wrapf(ErrFileTooLarge, "inode %d: %d bytes at offset %d, limit %d", in.Ino, len(data), off, limit)
	}
	end := off + uint64(len(data))
	bs := uint64(s.sb.BlockSize)
	need := DivRoundUp(end, bs)
	have := uint64(len(in.Blocks))

	var fresh []uint64
	for i := have; i < need; i++ {
		b, err := s.allocBlock()
		if err != nil {
			s.freeBlocks(fresh)
			return errors.Wrapf(err, "inode %d: need %d more blocks", in.Ino, need-have)
		}
		fresh = append(fresh, b)
	}
	blocks := append(append([]uint64(nil), in.Blocks...), fresh...)

	rollback := func(err error) error {
		s.freeBlocks(fresh)
		return err
	}
	// fresh blocks before the write range would otherwise keep stale bytes
	for vblk := have; vblk < off/bs && vblk < need; vblk++ {
		if err := s.dev.WriteBlock(blocks[vblk], make([]byte, bs)); err != nil {
			return rollback(err)
		}
	}
	for pos := off; pos < end; {
		vblk := pos / bs
		inBlock := pos % bs
		n := Min(bs-inBlock, end-pos)
		var blkBuf []byte
		switch {
		case n == bs:
			blkBuf = make([]byte, bs)
		case vblk >= have:
			blkBuf = make([]byte, bs)
		default:
			var err error
			blkBuf, err = s.dev.ReadBlock(blocks[vblk])
			if err != nil {
				return rollback(err)
			}
		}
		copy(blkBuf[inBlock:], data[pos-off:pos-off+n])
		if err := s.dev.WriteBlock(blocks[vblk], blkBuf); err != nil {
			return rollback(err)
		}
		pos += n
	}

	updated := in.clone()
	updated.Blocks = blocks
	if end > updated.Size {
		updated.Size = end
	}
	updated.Mtime = time.Now()
	if err := s.writeInode(updated); err != nil {
		return rollback(err)
	}
	*in = *updated
	return nil
}

// truncateContent sets the inode size. Shrinking frees the blocks past the new end
// and zeroes the tail of the last kept block; growing reads back as zeros.
func (s *Session) truncateContent(in *Inode, size uint64) error {
	if size == in.Size {
		return nil
	}
	if size > in.Size {
		if size > s.maxFileSize() {
			return errors.Wrapf(ErrFileTooLarge, "inode %d: %d bytes, limit %d", in.Ino, size, s.maxFileSize())
		}
		return s.writeContent(in, in.Size, make([]byte, size-in.Size))
	}
	bs := uint64(s.sb.BlockSize)
	keep := DivRoundUp(size, bs)
	if tail := size % bs; tail != 0 {
		blkBuf, err := s.dev.ReadBlock(in.Blocks[keep-1])
		if err != nil {
			return err
		}
		for i := tail; i < bs; i++ {
			blkBuf[i] = 0
		}
		if err := s.dev.WriteBlock(in.Blocks[keep-1], blkBuf); err != nil {
			return err
		}
	}
	updated := in.clone()
	released := updated.Blocks[keep:]
	updated.Blocks = updated.Blocks[:keep]
	updated.Size = size
	updated.Mtime = time.Now()
	if err := s.writeInode(updated); err != nil {
		return err
	}
	s.freeBlocks(released)
	*in = *updated
	return nil
}

// releaseInode marks in free and returns all of its blocks to the bitmap.
func (s *Session) releaseInode(in *Inode) error {
	blocks := in.Blocks
	if err := s.writeInode(&Inode{Ino: in.Ino, Type: TypeFree}); err != nil {
		return err
	}
	s.freeBlocks(blocks)
	in.Type = TypeFree
	in.Size = 0
	in.Blocks = nil
	return nil
}
