package umbrella

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BlockMap is the allocation bitmap: one bit per device block, least significant
// bit first within each byte. Blocks below reserved hold filesystem metadata; they
// are always marked used and are never handed out or accepted back.
type BlockMap struct {
	bits     []byte
	nblocks  uint64
	reserved uint64
	used     uint64
}

func bitmapBytes(nblocks uint64) uint64 {
	return (nblocks + 7) / 8
}

func NewBlockMap(nblocks uint64, reserved uint64) *BlockMap {
	bm := &BlockMap{
		bits:     make([]byte, bitmapBytes(nblocks)),
		nblocks:  nblocks,
		reserved: reserved,
	}
	for i := uint64(0); i < reserved && i < nblocks; i++ {
		bm.setHigh(i)
	}
	return bm
}

// LoadBlockMap rebuilds a BlockMap from its on-disk bytes. Extra trailing bytes
// (block padding) are ignored.
func LoadBlockMap(bits []byte, nblocks uint64, reserved uint64) (*BlockMap, error) {
	size := bitmapBytes(nblocks)
	if uint64(len(bits)) < size {
		return nil, errors.Wrapf(ErrBadGeometry, "bitmap holds %d bytes, need %d", len(bits), size)
	}
	bm := &BlockMap{
		bits:     append([]byte(nil), bits[:size]...),
		nblocks:  nblocks,
		reserved: reserved,
	}
	for i := uint64(0); i < nblocks; i++ {
		if bm.isHigh(i) {
			bm.used++
		}
	}
	for i := uint64(0); i < reserved && i < nblocks; i++ {
		if !bm.isHigh(i) {
			logrus.Warnf("bitmap: reserved block %d was marked free", i)
			bm.setHigh(i)
		}
	}
	return bm, nil
}

func (bm *BlockMap) isHigh(i uint64) bool {
	return bm.bits[i/8]&(1<<(i%8)) != 0
}

func (bm *BlockMap) setHigh(i uint64) {
	if !bm.isHigh(i) {
		bm.bits[i/8] |= 1 << (i % 8)
		bm.used++
	}
}

func (bm *BlockMap) setLow(i uint64) {
	if bm.isHigh(i) {
		bm.bits[i/8] &^= 1 << (i % 8)
		bm.used--
	}
}

// Allocate marks the lowest free data block used and returns its index.
func (bm *BlockMap) Allocate() (uint64, error) {
	for byt := bm.reserved / 8; byt < uint64(len(bm.bits)); byt++ {
		if bm.bits[byt] == 0xff {
			continue
		}
		for bit := uint64(0); bit < 8; bit++ {
			i := byt*8 + bit
			if i < bm.reserved {
				continue
			}
			if i >= bm.nblocks {
				break
			}
			if !bm.isHigh(i) {
				bm.setHigh(i)
				return i, nil
			}
		}
	}
	return 0, ErrNoSpace
}

func (bm *BlockMap) Free(i uint64) error {
	if i >= bm.nblocks {
		return errors.Wrapf(ErrOutOfRange, "free block %d of %d", i, bm.nblocks)
	}
	if i < bm.reserved {
		return errors.Wrapf(ErrOutOfRange, "free block %d: metadata region ends at %d", i, bm.reserved)
	}
	if !bm.isHigh(i) {
		return errors.Wrapf(ErrDoubleFree, "free block %d", i)
	}
	bm.setLow(i)
	return nil
}

// Used reports whether block i is allocated. Out-of-range indices report false.
func (bm *BlockMap) Used(i uint64) bool {
	if i >= bm.nblocks {
		return false
	}
	return bm.isHigh(i)
}

func (bm *BlockMap) Len() uint64 {
	return bm.nblocks
}

func (bm *BlockMap) Reserved() uint64 {
	return bm.reserved
}

func (bm *BlockMap) UsedCount() uint64 {
	return bm.used
}

func (bm *BlockMap) FreeCount() uint64 {
	return bm.nblocks - bm.used
}

// Bytes returns a copy of the raw bitmap, ceil(N/8) bytes.
func (bm *BlockMap) Bytes() []byte {
	return append([]byte(nil), bm.bits...)
}

func (bm *BlockMap) Snapshot() BlockMap {
	return BlockMap{
		bits:     bm.Bytes(),
		nblocks:  bm.nblocks,
		reserved: bm.reserved,
		used:     bm.used,
	}
}

// String renders one character per block, 64 to a row.
func (bm *BlockMap) String() string {
	return displayChunks(int(bm.nblocks), func(i int) byte {
		if bm.isHigh(uint64(i)) {
			return '1'
		}
		return '0'
	})
}
