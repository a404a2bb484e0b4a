package crystalrouter

import "github.com/rocketbitz/crystalrouter-go/gather"

// Type re-exports gather.Type: the scalar element width of a halo slot.
type Type = gather.Type

const (
	Float32 = gather.Float32
	Float64 = gather.Float64
	Int32   = gather.Int32
	Int64   = gather.Int64
)

// Op re-exports gather.Op: the reduction applied when folding contributions.
type Op = gather.Op

const (
	Add = gather.Add
	Min = gather.Min
	Max = gather.Max
	Mul = gather.Mul
)

// Transpose selects which of the two parallel level descriptors an
// exchange drives: NoTrans (scatter-gather, positively-signed
// participants only) or Trans/JustTrans (symmetric, every participant).
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
	JustTrans
)

func (t Transpose) String() string {
	switch t {
	case NoTrans:
		return "no-trans"
	case Trans:
		return "trans"
	case JustTrans:
		return "just-trans"
	default:
		return "unknown"
	}
}

// symmetric reports whether trans selects the T (symmetric) variant.
func (t Transpose) symmetric() bool { return t != NoTrans }

// GatherHalo describes the outer gather/scatter object that owns the
// router's halo indexing. It is an external collaborator: the router
// never builds one, only reads the two sizes it reports.
type GatherHalo interface {
	// NhaloP returns the number of positively-signed ("owned") halo slots.
	NhaloP() int
	// Nhalo returns the total number of halo slots, NhaloP <= Nhalo.
	Nhalo() int
}

// StaticGatherHalo is the simplest GatherHalo implementation: two fixed
// sizes. Most callers that don't already have a richer gather/scatter
// object can use this directly.
type StaticGatherHalo struct {
	HaloP int
	Halo  int
}

func (g StaticGatherHalo) NhaloP() int { return g.HaloP }
func (g StaticGatherHalo) Nhalo() int  { return g.Halo }
