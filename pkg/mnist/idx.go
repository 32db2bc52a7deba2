package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// IDX element types.
const (
	TypeUint8   = 0x08
	TypeInt8    = 0x09
	TypeInt16   = 0x0b
	TypeInt32   = 0x0c
	TypeFloat32 = 0x0d
	TypeFloat64 = 0x0e
)

var typeSizes = map[byte]int{
	TypeUint8:   1,
	TypeInt8:    1,
	TypeInt16:   2,
	TypeInt32:   4,
	TypeFloat32: 4,
	TypeFloat64: 8,
}

// Array is a parsed IDX file. Values stay in their big-endian encoding and
// are decoded on access.
type Array struct {
	Type byte
	Dims []int
	size int
	raw  []byte
}

// Len returns the size of the first dimension.
func (a *Array) Len() int {
	if len(a.Dims) == 0 {
		return 0
	}
	return a.Dims[0]
}

// Stride returns the number of values per item of the first dimension.
func (a *Array) Stride() int {
	n := 1
	for _, d := range a.Dims[1:] {
		n *= d
	}
	return n
}

// Value returns the i-th value in row-major order.
func (a *Array) Value(i int) float64 {
	b := a.raw[i*a.size:]
	switch a.Type {
	case TypeUint8:
		return float64(b[0])
	case TypeInt8:
		return float64(int8(b[0]))
	case TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case TypeInt32:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case TypeFloat32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
}

// ParseIDX reads an uncompressed IDX stream: two zero bytes, the element
// type, the number of dimensions, one big-endian uint32 per dimension and
// then the data.
func ParseIDX(r io.Reader) (*Array, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read IDX header: %w", err)
	}
	if header[0] != 0 || header[1] != 0 {
		return nil, fmt.Errorf("bad IDX magic %#x%02x", header[0], header[1])
	}
	size, ok := typeSizes[header[2]]
	if !ok {
		return nil, fmt.Errorf("unknown IDX element type %#02x", header[2])
	}

	ndims := int(header[3])
	if ndims == 0 {
		return nil, fmt.Errorf("IDX file has no dimensions")
	}
	dims := make([]uint32, ndims)
	if err := binary.Read(r, binary.BigEndian, dims); err != nil {
		return nil, fmt.Errorf("failed to read IDX dimensions: %w", err)
	}

	a := &Array{Type: header[2], Dims: make([]int, ndims), size: size}
	total := 1
	for i, d := range dims {
		a.Dims[i] = int(d)
		total *= int(d)
	}

	a.raw = make([]byte, total*size)
	if _, err := io.ReadFull(r, a.raw); err != nil {
		return nil, fmt.Errorf("IDX data truncated: %w", err)
	}
	return a, nil
}

// ReadIDXFile parses a gzip-compressed IDX file.
func ReadIDXFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()

	a, err := ParseIDX(zr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}
