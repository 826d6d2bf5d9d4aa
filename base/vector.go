package base

import (
	"fmt"
	"unsafe"
)

// A Vector is a typed array of scalar elements backed by a contiguous byte
// buffer. It can view a whole tensor or a flattened list of tensors of the
// same type.
type Vector struct {
	Data  []byte
	Count int
	Type  DataType
}

func NewVector(count int, dtype DataType) *Vector {
	return &Vector{
		Data:  make([]byte, count*dtype.Size()),
		Count: count,
		Type:  dtype,
	}
}

// Slice returns a new Vector viewing elements [begin, end) of v, sharing the
// underlying storage.
func (v Vector) Slice(begin, end int) *Vector {
	return &Vector{
		Data:  v.Data[begin*v.Type.Size() : end*v.Type.Size()],
		Count: end - begin,
		Type:  v.Type,
	}
}

// Clone returns a deep copy of v with its own storage.
func (v Vector) Clone() *Vector {
	w := NewVector(v.Count, v.Type)
	copy(w.Data, v.Data)
	return w
}

// CopyFrom copies the contents of w into v. Count and Type must match.
func (v Vector) CopyFrom(w *Vector) error {
	if v.Count != w.Count {
		return fmt.Errorf("vector count mismatch: %d vs %d", v.Count, w.Count)
	}
	if v.Type != w.Type {
		return fmt.Errorf("vector type mismatch: %s vs %s", v.Type, w.Type)
	}
	copy(v.Data, w.Data)
	return nil
}

func (v Vector) mustBe(t DataType) {
	if v.Type != t {
		panic(fmt.Sprintf("%s vector viewed as %s", v.Type, t))
	}
}

func (v Vector) AsU8() []uint8 {
	v.mustBe(U8)
	return v.Data
}

func (v Vector) AsI8() []int8 {
	v.mustBe(I8)
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&v.Data[0])), v.Count)
}

func (v Vector) AsI32() []int32 {
	v.mustBe(I32)
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&v.Data[0])), v.Count)
}

func (v Vector) AsI64() []int64 {
	v.mustBe(I64)
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&v.Data[0])), v.Count)
}

// AsF16 views the raw IEEE 754 half-precision bit patterns.
func (v Vector) AsF16() []uint16 {
	v.mustBe(F16)
	return v.asU16()
}

// AsBF16 views the raw bfloat16 bit patterns.
func (v Vector) AsBF16() []uint16 {
	v.mustBe(BF16)
	return v.asU16()
}

func (v Vector) asU16() []uint16 {
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&v.Data[0])), v.Count)
}

func (v Vector) AsF32() []float32 {
	v.mustBe(F32)
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.Data[0])), v.Count)
}

func (v Vector) AsF64() []float64 {
	v.mustBe(F64)
	if v.Count == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&v.Data[0])), v.Count)
}
