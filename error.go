package umbrella

import (
	"github.com/pkg/errors"
)

// UmErr is an error kind. Every failure surfaced by the package wraps exactly one
// of the sentinels below, so callers can classify with errors.Is or KindOf.
type UmErr struct {
	Code int
	Msg  string
}

func (e UmErr) Error() string {
	return e.Msg
}

func (e UmErr) GetCode() int {
	return e.Code
}

var ErrOutOfRange = NewUmErr(2, "out of range")
var ErrNoSpace = NewUmErr(3, "no space left on device")
var ErrDoubleFree = NewUmErr(4, "block is already free")
var ErrDeviceTooSmall = NewUmErr(5, "device too small")
var ErrNotFormatted = NewUmErr(6, "device is not formatted")
var ErrVersionMismatch = NewUmErr(7, "unsupported filesystem version")
var ErrSessionClosed = NewUmErr(8, "session is closed")
var ErrNameExists = NewUmErr(9, "name already exists")
var ErrNoFreeInode = NewUmErr(10, "no free inode")
var ErrNotADirectory = NewUmErr(11, "not a directory")
var ErrNotAFile = NewUmErr(12, "not a file")
var ErrNotFound = NewUmErr(13, "not found")
var ErrDirectoryNotEmpty = NewUmErr(14, "directory not empty")
var ErrBadBlockSize = NewUmErr(15, "buffer does not match block size")
var ErrBadGeometry = NewUmErr(16, "superblock does not match device geometry")
var ErrFileTooLarge = NewUmErr(17, "file too large")
var ErrInvalidName = NewUmErr(18, "invalid name")
var ErrInvalidDevicePath = NewUmErr(19, "invalid device path")
var ErrInvalidType = NewUmErr(20, "invalid inode type")

var kinds = []UmErr{
	ErrOutOfRange,
	ErrNoSpace,
	ErrDoubleFree,
	ErrDeviceTooSmall,
	ErrNotFormatted,
	ErrVersionMismatch,
	ErrSessionClosed,
	ErrNameExists,
	ErrNoFreeInode,
	ErrNotADirectory,
	ErrNotAFile,
	ErrNotFound,
	ErrDirectoryNotEmpty,
	ErrBadBlockSize,
	ErrBadGeometry,
	ErrFileTooLarge,
	ErrInvalidName,
	ErrInvalidDevicePath,
	ErrInvalidType,
}

func NewUmErr(code int, msg string) UmErr {
	return UmErr{
		Code: code,
		Msg:  msg,
	}
}

// KindOf returns the error kind wrapped by err. ok is false for errors that did not
// originate from this package (host I/O failures, codec errors).
func KindOf(err error) (kind UmErr, ok bool) {
	if err == nil {
		return UmErr{}, false
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k, true
		}
	}
	return UmErr{}, false
}

// ExitCode maps err to a process exit code: 0 for nil, the kind code for package
// errors and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if kind, ok := KindOf(err); ok {
		return kind.Code
	}
	return 1
}
