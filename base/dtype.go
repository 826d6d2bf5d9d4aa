package base

import "math"

type DataType uint8

const (
	U8 DataType = iota
	I8
	I32
	I64
	F16
	BF16
	F32
	F64
)

var dtypeSizes = map[DataType]int{
	U8:   1,
	I8:   1,
	I32:  4,
	I64:  8,
	F16:  2,
	BF16: 2,
	F32:  4,
	F64:  8,
}

func (t DataType) Size() int {
	return dtypeSizes[t]
}

var dtypeNames = map[DataType]string{
	U8:   "u8",
	I8:   "i8",
	I32:  "i32",
	I64:  "i64",
	F16:  "f16",
	BF16: "bf16",
	F32:  "f32",
	F64:  "f64",
}

func (t DataType) String() string {
	return dtypeNames[t]
}

func ParseDataType(val string) (DataType, bool) {
	for t, name := range dtypeNames {
		if name == val {
			return t, true
		}
	}
	return 0, false
}

// FromBF16 widens a bfloat16 bit pattern to float32.
func FromBF16(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// ToBF16 narrows a float32 to bfloat16 with round-to-nearest-even.
func ToBF16(x float32) uint16 {
	u := math.Float32bits(x)
	if isNaN32(u) {
		return uint16(u>>16) | 0x0040 // quiet NaN, keep sign
	}
	rounding := uint32(0x7fff) + ((u >> 16) & 1)
	return uint16((u + rounding) >> 16)
}

// FromF16 widens an IEEE 754 half-precision bit pattern to float32.
func FromF16(bits uint16) float32 {
	sign := uint32(bits>>15) & 1
	exp := uint32(bits>>10) & 0x1f
	frac := uint32(bits) & 0x3ff
	var u uint32
	switch {
	case exp == 0 && frac == 0: // signed zero
		u = sign << 31
	case exp == 0: // subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		u = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f && frac == 0: // infinity
		u = sign<<31 | 0xff<<23
	case exp == 0x1f: // NaN
		u = sign<<31 | 0xff<<23 | frac<<13
	default:
		u = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(u)
}

// ToF16 narrows a float32 to IEEE 754 half precision with round-to-nearest-even.
func ToF16(x float32) uint16 {
	u := math.Float32bits(x)
	sign := uint16(u>>16) & 0x8000
	mag := u & 0x7fffffff
	switch {
	case isNaN32(u):
		return sign | 0x7e00
	case mag >= 0x47800000: // |x| >= 2^16 rounds to infinity
		return sign | 0x7c00
	case mag >= 0x38800000: // normal range, |x| >= 2^-14
		v := mag - 0x38000000 // rebias exponent from 127 to 15
		return sign | uint16((v+0xfff+((v>>13)&1))>>13)
	case mag >= 0x33000000: // subnormal range, |x| >= 2^-25
		e := int(mag >> 23)
		m := mag&0x7fffff | 0x800000
		shift := uint(126 - e)
		t := m >> shift
		rem := m & (1<<shift - 1)
		half := uint32(1) << (shift - 1)
		if rem > half || (rem == half && t&1 == 1) {
			t++
		}
		return sign | uint16(t)
	default:
		return sign
	}
}

func isNaN32(u uint32) bool {
	return u&0x7f800000 == 0x7f800000 && u&0x7fffff != 0
}
