// Package gather implements the sparse reduce primitive a crystal-router
// level needs to fold a block of received columns into its extended-halo
// rows. In a production deployment this primitive is owned by the outer
// gather/scatter library; this package provides a direct, minimal
// reference implementation so the router is independently testable.
package gather

import (
	"fmt"
	"unsafe"
)

// Type selects the scalar element width carried through a Gather call.
type Type int

const (
	Float32 Type = iota
	Float64
	Int32
	Int64
)

// Sizeof returns the byte width of a single scalar of the given type.
func Sizeof(t Type) int {
	switch t {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (t Type) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// Op selects the reduction applied across the columns feeding a row.
type Op int

const (
	Add Op = iota
	Min
	Max
	Mul
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Min:
		return "min"
	case Max:
		return "max"
	case Mul:
		return "mul"
	default:
		return "unknown"
	}
}

// Operator is a compressed sparse-row descriptor: row r gathers the k-wide
// column blocks at ColIds[RowStarts[r]:RowStarts[r+1]] and reduces them
// with Op into row r of the destination buffer.
type Operator struct {
	Nrows     int
	Ncols     int
	RowStarts []int
	ColIds    []int
}

// NewOperator allocates an Operator with Nrows rows and space for nnz
// column entries. RowStarts is sized Nrows+1 and zeroed; callers fill it
// incrementally (as a running count, then prefix-summed) the way the
// crystal-router setup engine does.
func NewOperator(nrows, ncols, nnz int) Operator {
	return Operator{
		Nrows:     nrows,
		Ncols:     ncols,
		RowStarts: make([]int, nrows+1),
		ColIds:    make([]int, nnz),
	}
}

// Gather reduces k-wide column blocks of src into the rows of dst as
// described by the CSR descriptor. dst must hold at least Nrows*k
// elements of type typ; src must hold at least Ncols*k elements.
func (op Operator) Gather(dst, src []byte, k int, typ Type, reduceOp Op) error {
	if op.Nrows == 0 {
		return nil
	}
	width := Sizeof(typ)
	if width == 0 {
		return fmt.Errorf("gather: unsupported type %v", typ)
	}
	if len(dst) < op.Nrows*k*width {
		return fmt.Errorf("gather: dst too small: have %d want %d", len(dst), op.Nrows*k*width)
	}
	if len(src) < op.Ncols*k*width {
		return fmt.Errorf("gather: src too small: have %d want %d", len(src), op.Ncols*k*width)
	}

	switch typ {
	case Float32:
		gatherTyped(asFloat32(dst), asFloat32(src), k, op.RowStarts, op.ColIds, combine[float32](reduceOp))
	case Float64:
		gatherTyped(asFloat64(dst), asFloat64(src), k, op.RowStarts, op.ColIds, combine[float64](reduceOp))
	case Int32:
		gatherTyped(asInt32(dst), asInt32(src), k, op.RowStarts, op.ColIds, combine[int32](reduceOp))
	case Int64:
		gatherTyped(asInt64(dst), asInt64(src), k, op.RowStarts, op.ColIds, combine[int64](reduceOp))
	default:
		return fmt.Errorf("gather: unsupported type %v", typ)
	}
	return nil
}

// Numeric is the set of scalar element kinds a crystal-router buffer may
// carry.
type Numeric interface {
	~float32 | ~float64 | ~int32 | ~int64
}

func combine[T Numeric](op Op) func(a, b T) T {
	switch op {
	case Add:
		return func(a, b T) T { return a + b }
	case Mul:
		return func(a, b T) T { return a * b }
	case Min:
		return func(a, b T) T {
			if b < a {
				return b
			}
			return a
		}
	case Max:
		return func(a, b T) T {
			if b > a {
				return b
			}
			return a
		}
	default:
		return func(a, b T) T { return a + b }
	}
}

func gatherTyped[T Numeric](dst, src []T, k int, rowStarts, colIds []int, combine func(a, b T) T) {
	nrows := len(rowStarts) - 1
	for r := 0; r < nrows; r++ {
		start, end := rowStarts[r], rowStarts[r+1]
		if start == end {
			continue
		}
		dstRow := dst[r*k : r*k+k]
		firstCol := colIds[start]
		copy(dstRow, src[firstCol*k:firstCol*k+k])
		for j := start + 1; j < end; j++ {
			col := colIds[j]
			srcRow := src[col*k : col*k+k]
			for i := 0; i < k; i++ {
				dstRow[i] = combine(dstRow[i], srcRow[i])
			}
		}
	}
}

func asFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func asFloat64(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func asInt32(b []byte) []int32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func asInt64(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}
