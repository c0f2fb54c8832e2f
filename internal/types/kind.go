package types

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Kind enumerates the primitive layouts plus the two aggregate kinds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindBytes
	KindComposite
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindBool:      "bool",
	KindInt8:      "int8",
	KindUint8:     "uint8",
	KindInt16:     "int16",
	KindUint16:    "uint16",
	KindInt32:     "int32",
	KindUint32:    "uint32",
	KindInt64:     "int64",
	KindUint64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindBytes:     "bytes",
	KindComposite: "composite",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// IsPrimitive reports whether k is one of the fixed-width scalar kinds.
func (k Kind) IsPrimitive() bool {
	return k >= KindBool && k <= KindFloat64
}

// primitive is one row of the dispatch table driving encode and decode.
type primitive struct {
	size   uintptr
	align  uintptr
	encode func(dst []byte, src unsafe.Pointer)
	decode func(src []byte) any
}

var primitives = [...]primitive{
	KindBool: {
		size:  1,
		align: unsafe.Alignof(false),
		encode: func(dst []byte, src unsafe.Pointer) {
			if *(*bool)(src) {
				dst[0] = 1
			} else {
				dst[0] = 0
			}
		},
		decode: func(src []byte) any { return src[0] != 0 },
	},
	KindInt8: {
		size:   1,
		align:  unsafe.Alignof(int8(0)),
		encode: func(dst []byte, src unsafe.Pointer) { dst[0] = *(*byte)(src) },
		decode: func(src []byte) any { return int8(src[0]) },
	},
	KindUint8: {
		size:   1,
		align:  unsafe.Alignof(uint8(0)),
		encode: func(dst []byte, src unsafe.Pointer) { dst[0] = *(*byte)(src) },
		decode: func(src []byte) any { return src[0] },
	},
	KindInt16: {
		size:   2,
		align:  unsafe.Alignof(int16(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint16(dst, *(*uint16)(src)) },
		decode: func(src []byte) any { return int16(binary.LittleEndian.Uint16(src)) },
	},
	KindUint16: {
		size:   2,
		align:  unsafe.Alignof(uint16(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint16(dst, *(*uint16)(src)) },
		decode: func(src []byte) any { return binary.LittleEndian.Uint16(src) },
	},
	KindInt32: {
		size:   4,
		align:  unsafe.Alignof(int32(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint32(dst, *(*uint32)(src)) },
		decode: func(src []byte) any { return int32(binary.LittleEndian.Uint32(src)) },
	},
	KindUint32: {
		size:   4,
		align:  unsafe.Alignof(uint32(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint32(dst, *(*uint32)(src)) },
		decode: func(src []byte) any { return binary.LittleEndian.Uint32(src) },
	},
	KindInt64: {
		size:   8,
		align:  unsafe.Alignof(int64(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint64(dst, *(*uint64)(src)) },
		decode: func(src []byte) any { return int64(binary.LittleEndian.Uint64(src)) },
	},
	KindUint64: {
		size:   8,
		align:  unsafe.Alignof(uint64(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint64(dst, *(*uint64)(src)) },
		decode: func(src []byte) any { return binary.LittleEndian.Uint64(src) },
	},
	KindFloat32: {
		size:   4,
		align:  unsafe.Alignof(float32(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint32(dst, *(*uint32)(src)) },
		decode: func(src []byte) any { return math.Float32frombits(binary.LittleEndian.Uint32(src)) },
	},
	KindFloat64: {
		size:   8,
		align:  unsafe.Alignof(float64(0)),
		encode: func(dst []byte, src unsafe.Pointer) { binary.LittleEndian.PutUint64(dst, *(*uint64)(src)) },
		decode: func(src []byte) any { return math.Float64frombits(binary.LittleEndian.Uint64(src)) },
	},
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindInvalid {
			return Kind(k), true
		}
	}
	return KindInvalid, false
}
