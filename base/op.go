package base

import "fmt"

// OP is an elementwise reduction operator.
type OP uint8

const (
	SUM OP = iota
	MIN
	MAX
	PROD
)

var opNames = map[OP]string{
	SUM:  "sum",
	MIN:  "min",
	MAX:  "max",
	PROD: "prod",
}

func (o OP) String() string {
	return opNames[o]
}

type scalar interface {
	~int8 | ~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

func transform[T scalar](y, x []T, op OP) {
	switch op {
	case SUM:
		for i := range y {
			y[i] += x[i]
		}
	case MIN:
		for i := range y {
			if x[i] < y[i] {
				y[i] = x[i]
			}
		}
	case MAX:
		for i := range y {
			if x[i] > y[i] {
				y[i] = x[i]
			}
		}
	case PROD:
		for i := range y {
			y[i] *= x[i]
		}
	}
}

func transform16(y, x []uint16, op OP, from func(uint16) float32, to func(float32) uint16) {
	z := make([]float32, len(y))
	w := make([]float32, len(y))
	for i := range y {
		z[i] = from(y[i])
		w[i] = from(x[i])
	}
	transform(z, w, op)
	for i := range y {
		y[i] = to(z[i])
	}
}

// Transform applies y = y op x elementwise. The two vectors must have the
// same count and type.
func Transform(y, x *Vector, op OP) {
	if y.Count != x.Count || y.Type != x.Type {
		panic(fmt.Sprintf("transform %s(%d) with %s(%d)", y.Type, y.Count, x.Type, x.Count))
	}
	switch y.Type {
	case U8:
		transform(y.AsU8(), x.AsU8(), op)
	case I8:
		transform(y.AsI8(), x.AsI8(), op)
	case I32:
		transform(y.AsI32(), x.AsI32(), op)
	case I64:
		transform(y.AsI64(), x.AsI64(), op)
	case F16:
		transform16(y.AsF16(), x.AsF16(), op, FromF16, ToF16)
	case BF16:
		transform16(y.AsBF16(), x.AsBF16(), op, FromBF16, ToBF16)
	case F32:
		transform(y.AsF32(), x.AsF32(), op)
	case F64:
		transform(y.AsF64(), x.AsF64(), op)
	}
}

// Transform2 applies z = x op y elementwise.
func Transform2(z, x, y *Vector, op OP) {
	if err := z.CopyFrom(x); err != nil {
		panic(err)
	}
	Transform(z, y, op)
}

// Convert copies src into dst converting the element type. Supported pairs
// are identical types and f32 against the two 16-bit float formats.
func Convert(dst, src *Vector) error {
	if dst.Count != src.Count {
		return fmt.Errorf("vector count mismatch: %d vs %d", dst.Count, src.Count)
	}
	switch {
	case dst.Type == src.Type:
		return dst.CopyFrom(src)
	case dst.Type == F32 && src.Type == BF16:
		d, s := dst.AsF32(), src.AsBF16()
		for i := range d {
			d[i] = FromBF16(s[i])
		}
	case dst.Type == BF16 && src.Type == F32:
		d, s := dst.AsBF16(), src.AsF32()
		for i := range d {
			d[i] = ToBF16(s[i])
		}
	case dst.Type == F32 && src.Type == F16:
		d, s := dst.AsF32(), src.AsF16()
		for i := range d {
			d[i] = FromF16(s[i])
		}
	case dst.Type == F16 && src.Type == F32:
		d, s := dst.AsF16(), src.AsF32()
		for i := range d {
			d[i] = ToF16(s[i])
		}
	default:
		return fmt.Errorf("unsupported conversion: %s to %s", src.Type, dst.Type)
	}
	return nil
}
