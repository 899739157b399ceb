package umbrella

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestBlockMapFirstFit(t *testing.T) {
	bm := NewBlockMap(20, 3)
	if bm.UsedCount() != 3 || bm.FreeCount() != 17 {
		t.Fatalf("fresh map: used=%d free=%d", bm.UsedCount(), bm.FreeCount())
	}
	for want := uint64(3); want < 6; want++ {
		got, err := bm.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Allocate() = %d, want %d", got, want)
		}
	}
	if err := bm.Free(4); err != nil {
		t.Fatal(err)
	}
	if got, _ := bm.Allocate(); got != 4 {
		t.Errorf("freed block not reused first: got %d", got)
	}
}

func TestBlockMapExhaustion(t *testing.T) {
	bm := NewBlockMap(13, 2)
	for i := 0; i < 11; i++ {
		if _, err := bm.Allocate(); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	if _, err := bm.Allocate(); !errors.Is(err, ErrNoSpace) {
		t.Errorf("got %v, want %v", err, ErrNoSpace)
	}
	if bm.FreeCount() != 0 {
		t.Errorf("free count %d after exhaustion", bm.FreeCount())
	}
}

func TestBlockMapFreeErrors(t *testing.T) {
	bm := NewBlockMap(16, 4)
	b, _ := bm.Allocate()
	if err := bm.Free(b); err != nil {
		t.Fatal(err)
	}
	if err := bm.Free(b); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("second free: got %v, want %v", err, ErrDoubleFree)
	}
	if err := bm.Free(16); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("past end: got %v, want %v", err, ErrOutOfRange)
	}
	if err := bm.Free(0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("metadata block: got %v, want %v", err, ErrOutOfRange)
	}
	if !bm.Used(0) {
		t.Error("metadata block 0 was released")
	}
}

func TestBlockMapUsedCountInvariant(t *testing.T) {
	const n = 200
	bm := NewBlockMap(n, 10)
	rnd := rand.New(rand.NewSource(1))
	var held []uint64
	for step := 0; step < 2000; step++ {
		if len(held) == 0 || rnd.Intn(3) > 0 {
			b, err := bm.Allocate()
			if err == nil {
				held = append(held, b)
			} else if !errors.Is(err, ErrNoSpace) {
				t.Fatal(err)
			}
		} else {
			i := rnd.Intn(len(held))
			if err := bm.Free(held[i]); err != nil {
				t.Fatal(err)
			}
			held = append(held[:i], held[i+1:]...)
		}
		var ones uint64
		for i := uint64(0); i < n; i++ {
			if bm.Used(i) {
				ones++
			}
		}
		if ones != n-bm.FreeCount() || ones != bm.UsedCount() {
			t.Fatalf("step %d: %d bits set, used=%d free=%d", step, ones, bm.UsedCount(), bm.FreeCount())
		}
	}
}

func TestLoadBlockMap(t *testing.T) {
	bm := NewBlockMap(20, 3)
	bm.Allocate()
	bm.Allocate()
	raw := bm.Bytes()
	// bit order is least significant first: blocks 0-4 are set
	if raw[0] != 0x1f {
		t.Fatalf("raw[0] = %#x, want 0x1f", raw[0])
	}
	loaded, err := LoadBlockMap(append(raw, 0, 0, 0), 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UsedCount() != 5 {
		t.Errorf("loaded used count %d", loaded.UsedCount())
	}
	if _, err := LoadBlockMap(raw[:1], 20, 3); !errors.Is(err, ErrBadGeometry) {
		t.Errorf("short bitmap: got %v, want %v", err, ErrBadGeometry)
	}
	// reserved bits are restored on load
	fixed, err := LoadBlockMap(make([]byte, 3), 20, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !fixed.Used(2) || fixed.UsedCount() != 3 {
		t.Errorf("reserved region not marked: used=%d", fixed.UsedCount())
	}
}

func TestBlockMapSnapshot(t *testing.T) {
	bm := NewBlockMap(16, 1)
	snap := bm.Snapshot()
	bm.Allocate()
	if snap.Used(1) {
		t.Error("snapshot follows later allocations")
	}
}

func TestBlockMapString(t *testing.T) {
	bm := NewBlockMap(70, 2)
	rows := strings.Split(strings.TrimSuffix(bm.String(), "\n"), "\n")
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0] != "11000000|00000000|00000000|00000000|00000000|00000000|00000000|00000000" {
		t.Errorf("row 0 = %q", rows[0])
	}
	if rows[1] != "000000" {
		t.Errorf("row 1 = %q", rows[1])
	}
}
