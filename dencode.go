package umbrella

import (
	"encoding/binary"
	"reflect"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// All on-disk structures are little-endian and packed with restruct.

func BytesOf(data interface{}) ([]byte, error) {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Ptr {
		return nil, errors.New("data must be a pointer")
	}
	return restruct.Pack(binary.LittleEndian, data)
}

func StructOf(data []byte, v interface{}) error {
	return restruct.Unpack(data, binary.LittleEndian, v)
}

func SizeOf(data interface{}) (int, error) {
	return restruct.SizeOf(data)
}

// Pad zero-extends data to size bytes.
func Pad(data []byte, size int) ([]byte, error) {
	if len(data) == size {
		return data, nil
	}
	if len(data) > size {
		return nil, errors.Errorf("%d bytes do not fit in %d", len(data), size)
	}
	return append(data, make([]byte, size-len(data))...), nil
}
