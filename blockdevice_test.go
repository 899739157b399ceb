package umbrella

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemBlockDevice(t *testing.T) {
	dev := NewMemBlockDevice(8, 512)
	fill := bytes.Repeat([]byte{0xff}, 512)
	if err := dev.WriteBlock(3, fill); err != nil {
		t.Fatal(err)
	}
	got, err := dev.ReadBlock(3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fill) {
		t.Error("block 3 did not read back")
	}
	// the returned buffer is a copy
	got[0] = 0
	again, _ := dev.ReadBlock(3)
	if again[0] != 0xff {
		t.Error("ReadBlock aliases the medium")
	}
	if other, _ := dev.ReadBlock(2); !bytes.Equal(other, make([]byte, 512)) {
		t.Error("neighbouring block was touched")
	}
}

func TestBlockDeviceBounds(t *testing.T) {
	dev := NewMemBlockDevice(8, 512)
	if _, err := dev.ReadBlock(8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: got %v, want %v", err, ErrOutOfRange)
	}
	if err := dev.WriteBlock(8, make([]byte, 512)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end: got %v, want %v", err, ErrOutOfRange)
	}
	if err := dev.WriteBlock(0, make([]byte, 100)); !errors.Is(err, ErrBadBlockSize) {
		t.Errorf("short buffer: got %v, want %v", err, ErrBadBlockSize)
	}
}

func TestFileBlockDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.1024.dev")
	dev, err := CreateFileBlockDevice(path, 16, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if dev.GetTotalBlockCount() != 16 || dev.BlockSize() != 1024 {
		t.Fatalf("geometry %d x %d", dev.GetTotalBlockCount(), dev.BlockSize())
	}
	data := bytes.Repeat([]byte("umbrella"), 128)
	if err := dev.WriteBlock(15, data); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.ReadBlock(16); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("got %v, want %v", err, ErrOutOfRange)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	dev, err = OpenFileBlockDevice(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.GetTotalBlockCount() != 16 {
		t.Errorf("reopened with %d blocks", dev.GetTotalBlockCount())
	}
	got, err := dev.ReadBlock(15)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("block 15 did not survive reopening")
	}
}

func TestCreateFileBlockDeviceEmpty(t *testing.T) {
	_, err := CreateFileBlockDevice(filepath.Join(t.TempDir(), "x.512.dev"), 0, 512)
	if !errors.Is(err, ErrDeviceTooSmall) {
		t.Errorf("got %v, want %v", err, ErrDeviceTooSmall)
	}
}

func TestParseDevicePath(t *testing.T) {
	for _, testCase := range []struct {
		path      string
		wantName  string
		wantSize  uint32
		wantError bool
	}{
		{path: "disk.512.dev", wantName: "disk", wantSize: 512},
		{path: "/tmp/vol.a.4096.dev", wantName: "/tmp/vol.a", wantSize: 4096},
		{path: "disk.dev", wantError: true},
		{path: "disk.512", wantError: true},
		{path: "disk.0.dev", wantError: true},
		{path: "disk.big.dev", wantError: true},
		{path: "dir.512/disk.dev", wantError: true},
	} {
		t.Run(testCase.path, func(t *testing.T) {
			dp, err := ParseDevicePath(testCase.path)
			if testCase.wantError {
				if !errors.Is(err, ErrInvalidDevicePath) {
					t.Fatalf("got %v, want %v", err, ErrInvalidDevicePath)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if dp.Name != testCase.wantName || dp.BlockSize != testCase.wantSize {
				t.Errorf("got %+v", dp)
			}
			if dp.File() != testCase.path {
				t.Errorf("File() = %q, want %q", dp.File(), testCase.path)
			}
		})
	}
}
