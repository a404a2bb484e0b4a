package crystalrouter

import "github.com/rocketbitz/crystalrouter-go/gather"

// Level is one round of hypercube folding, as built by setup for a single
// variant (N or T — each variant owns its own slice of Level values built
// in the same loop rather than sharing one polymorphic record).
type Level struct {
	// Partner is the rank this level exchanges with.
	Partner int
	// Nmsg is 0 (send only, odd-np self-pairing redirect), 1 (the common
	// case), or 2 (odd-np reflection: receive from both the partner and
	// r_half-1).
	Nmsg int
	// recvSecondFrom is r_half-1, the sender of the second message when
	// Nmsg == 2. Meaningless otherwise.
	recvSecondFrom int
	// Nsend is the number of send-index entries posted this level.
	Nsend int
	// SendIds lists, in send order, the current newId of each
	// base-id-group representative being forwarded to Partner.
	SendIds []int
	// Nrecv0, Nrecv1 are the entry counts of the first and (if Nmsg==2)
	// second incoming messages.
	Nrecv0, Nrecv1 int
	// RecvOffset is this level's receive layout's base position in the
	// extended halo: NhaloExt as computed at the end of the previous
	// level, or Nhalo at level 0.
	RecvOffset int
	// Gather reduces this level's receive layout into the extended halo.
	Gather gather.Operator
}

// Ncols reports the width of this level's receive layout, which the
// setup invariant requires to equal Gather.Ncols.
func (l Level) Ncols() int { return l.RecvOffset + l.Nrecv0 + l.Nrecv1 }
