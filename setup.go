package crystalrouter

import (
	"encoding/binary"

	"github.com/rocketbitz/crystalrouter-go/gather"
	"github.com/rocketbitz/crystalrouter-go/transport"
)

// SharedNode is the caller-supplied description of one shared-node
// participation known before setup: some other rank (Rank) shares the
// global identity (BaseID, signed by that rank's role) that lives at slot
// NewID in this rank's own halo. The caller need not describe its own
// rank's participation — setupLevels seeds that directly from
// nhaloP/nhalo — only the other participants it already knows about from
// the owning gather/scatter object's connectivity data. Interior, unshared
// halo slots are simply absent and never touched by the router.
type SharedNode struct {
	Rank   int
	BaseID int64
	Sign   int
	NewID  int
}

func (s SharedNode) toNode() ParallelNode {
	return ParallelNode{rank: s.Rank, baseId: s.BaseID, sign: s.Sign, newId: s.NewID}
}

const nodeWireFields = 5 // rank, baseId, sign, newId, localId
const nodeWireSize = nodeWireFields * 8

func encodeNodes(nodes []ParallelNode) []byte {
	buf := make([]byte, len(nodes)*nodeWireSize)
	for i, n := range nodes {
		o := i * nodeWireSize
		binary.LittleEndian.PutUint64(buf[o+0:], uint64(int64(n.rank)))
		binary.LittleEndian.PutUint64(buf[o+8:], uint64(n.baseId))
		binary.LittleEndian.PutUint64(buf[o+16:], uint64(int64(n.sign)))
		binary.LittleEndian.PutUint64(buf[o+24:], uint64(int64(n.newId)))
		binary.LittleEndian.PutUint64(buf[o+32:], uint64(int64(n.localId)))
	}
	return buf
}

func decodeNodes(buf []byte) []ParallelNode {
	count := len(buf) / nodeWireSize
	nodes := make([]ParallelNode, count)
	for i := range nodes {
		o := i * nodeWireSize
		nodes[i] = ParallelNode{
			rank:    int(int64(binary.LittleEndian.Uint64(buf[o+0:]))),
			baseId:  int64(binary.LittleEndian.Uint64(buf[o+8:])),
			sign:    int(int64(binary.LittleEndian.Uint64(buf[o+16:]))),
			newId:   int(int64(binary.LittleEndian.Uint64(buf[o+24:]))),
			localId: int(int64(binary.LittleEndian.Uint64(buf[o+32:]))),
		}
	}
	return nodes
}

func encodeCount(v int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(int64(v)))
	return buf
}

func decodeCount(buf []byte) int {
	return int(int64(binary.LittleEndian.Uint64(buf)))
}

// foldStep is one round of the hypercube recursion described in spec 4.1.
type foldStep struct {
	partner    int
	nmsg       int
	rHalf      int
	lo         bool
	secondFrom int // only meaningful when nmsg == 2
}

// foldSteps computes the full sequence of hypercube rounds this rank
// participates in, terminating when the sub-cube shrinks to one rank.
func foldSteps(size, rank int) []foldStep {
	var steps []foldStep
	np, npOffset := size, 0
	for np > 1 {
		npHalf := (np + 1) / 2
		rHalf := npOffset + npHalf
		lo := rank < rHalf
		partner := npOffset + np - 1 - (rank - npOffset)
		nmsg := 1
		if np%2 == 1 {
			if rank == rHalf-1 {
				partner = rHalf
				nmsg = 0
			} else if rank == rHalf {
				nmsg = 2
			}
		}
		steps = append(steps, foldStep{partner: partner, nmsg: nmsg, rHalf: rHalf, lo: lo, secondFrom: rHalf - 1})
		if lo {
			np = npHalf
		} else {
			np, npOffset = np-npHalf, rHalf
		}
	}
	return steps
}

// csrEntry is one (row, col) contribution to a gather descriptor being
// built up across a level's several sources (identity carry-forward,
// already-extended carry-forward, freshly-received groups).
type csrEntry struct{ row, col int }

func buildOperator(nrows, ncols int, entries []csrEntry) gather.Operator {
	op := gather.NewOperator(nrows, ncols, len(entries))
	counts := make([]int, nrows+1)
	for _, e := range entries {
		counts[e.row+1]++
	}
	for i := 1; i <= nrows; i++ {
		counts[i] += counts[i-1]
	}
	copy(op.RowStarts, counts)
	cursor := make([]int, nrows)
	copy(cursor, counts[:nrows])
	for _, e := range entries {
		op.ColIds[cursor[e.row]] = e.col
		cursor[e.row]++
	}
	return op
}

// setupLevels runs the full multi-round setup protocol (spec 4.2),
// building the N and T level vectors in lock-step from a single physical
// node exchange per round. nhaloP/nhalo come from the owning GatherHalo;
// initial holds every participation the caller knows about up front.
func setupLevels(comm transport.Comm, nhaloP, nhalo int, initial []SharedNode) (levelsN, levelsT []Level, err error) {
	rank, size := comm.Rank(), comm.Size()

	// Seed this rank's own Nhalo copies first: a placeholder per halo slot,
	// positively signed for the first NhaloP of them. Each one's baseId is
	// still unknown (0) until the first SharedNode touching that slot
	// backfills it — only the first such entry matters, later ones for the
	// same slot describe other ranks already captured by the append below.
	nodes := make([]ParallelNode, nhalo, nhalo+len(initial))
	for n := 0; n < nhalo; n++ {
		sign := -2
		if n < nhaloP {
			sign = 2
		}
		nodes[n] = ParallelNode{rank: rank, baseId: 0, sign: sign, newId: n}
	}
	for _, s := range initial {
		if nodes[s.NewID].baseId == 0 {
			if s.NewID < nhaloP {
				nodes[s.NewID].baseId = absInt64(s.BaseID)
			} else {
				nodes[s.NewID].baseId = -absInt64(s.BaseID)
			}
		}
	}
	for _, s := range initial {
		nodes = append(nodes, s.toNode())
	}
	sortByNewID(nodes)

	// prevNhaloExtN/T are the previous round's extended-halo boundaries
	// (Nhalo itself before the first round) — this round's receive offset.
	// Slot numbering inside a round is always rebased to start at nhalo:
	// newly discovered groups occupy a positive-signed prefix followed by a
	// negative-signed suffix, local to the round, exactly as in
	// ogsCrystalRouter's NhaloExtN/NhaloExtT reset before each relabel pass.
	prevNhaloExtN := nhalo
	prevNhaloExtT := nhalo

	for li, step := range foldSteps(size, rank) {
		recvOffsetN := prevNhaloExtN
		recvOffsetT := prevNhaloExtT

		var loNodes, hiNodes []ParallelNode
		for _, n := range nodes {
			if n.rank < step.rHalf {
				loNodes = append(loNodes, n)
			} else {
				hiNodes = append(hiNodes, n)
			}
		}
		var keptNodes, sendNodes []ParallelNode
		if step.lo {
			keptNodes, sendNodes = loNodes, hiNodes
		} else {
			keptNodes, sendNodes = hiNodes, loNodes
		}

		// Step 3: scan departing nodes by base-id group, building one
		// representative record per group and marking members in-flight.
		var reps []ParallelNode
		var sendIdsN, sendIdsT []int
		i := 0
		for i < len(sendNodes) {
			j := i + 1
			for j < len(sendNodes) && sendNodes[j].newId == sendNodes[i].newId {
				j++
			}
			rep := sendNodes[i]
			sendIdsT = append(sendIdsT, rep.newId)
			if rep.positive() {
				sendIdsN = append(sendIdsN, rep.newId)
			}
			reps = append(reps, ParallelNode{rank: rep.rank, baseId: rep.baseId, sign: rep.sign, newId: -1})
			for k := i; k < j; k++ {
				sendNodes[k].newId = -1
			}
			i = j
		}

		// Step 4: exchange the representative count so the payload
		// receive buffers can be sized ahead of time.
		var reqs []transport.Request
		var recvCountBuf0, recvCountBuf1 []byte
		if step.nmsg > 0 {
			recvCountBuf0 = make([]byte, 8)
			req, rerr := comm.IRecv(recvCountBuf0, step.partner, step.partner)
			if rerr != nil {
				return nil, nil, rerr
			}
			reqs = append(reqs, req)
		}
		if step.nmsg == 2 {
			recvCountBuf1 = make([]byte, 8)
			req, rerr := comm.IRecv(recvCountBuf1, step.secondFrom, step.secondFrom)
			if rerr != nil {
				return nil, nil, rerr
			}
			reqs = append(reqs, req)
		}
		sreq, serr := comm.ISend(encodeCount(len(reps)), step.partner, rank)
		if serr != nil {
			return nil, nil, serr
		}
		reqs = append(reqs, sreq)
		if werr := comm.Waitall(reqs...); werr != nil {
			return nil, nil, werr
		}

		// Step 5: exchange node payloads now that sizes are known.
		var payloadReqs []transport.Request
		var recvBuf0, recvBuf1 []byte
		if step.nmsg > 0 {
			recvBuf0 = make([]byte, decodeCount(recvCountBuf0)*nodeWireSize)
			req, rerr := comm.IRecv(recvBuf0, step.partner, step.partner)
			if rerr != nil {
				return nil, nil, rerr
			}
			payloadReqs = append(payloadReqs, req)
		}
		if step.nmsg == 2 {
			recvBuf1 = make([]byte, decodeCount(recvCountBuf1)*nodeWireSize)
			req, rerr := comm.IRecv(recvBuf1, step.secondFrom, step.secondFrom)
			if rerr != nil {
				return nil, nil, rerr
			}
			payloadReqs = append(payloadReqs, req)
		}
		psreq, perr := comm.ISend(encodeNodes(reps), step.partner, rank)
		if perr != nil {
			return nil, nil, perr
		}
		payloadReqs = append(payloadReqs, psreq)
		if werr := comm.Waitall(payloadReqs...); werr != nil {
			return nil, nil, werr
		}

		recvd0 := decodeNodes(recvBuf0)
		recvd1 := decodeNodes(recvBuf1)
		nrecvT0, nrecvT1 := len(recvd0), len(recvd1)
		nrecvN0, nrecvN1 := countPositive(recvd0), countPositive(recvd1)

		// Gather descriptor entries: blanket identity carry-forward for
		// the original halo range, plus per-group entries discovered
		// while walking the merged, relabeled node set below.
		var entriesN, entriesT []csrEntry

		identityEndT := nhalo
		identityEndN := nhalo
		if li == 0 {
			identityEndN = nhaloP
		}
		for r := 0; r < identityEndT; r++ {
			entriesT = append(entriesT, csrEntry{row: r, col: r})
		}
		for r := 0; r < identityEndN; r++ {
			entriesN = append(entriesN, csrEntry{row: r, col: r})
		}

		// Step 6: full relabel across kept + received nodes. localId is
		// stamped with each node's position in this append order so
		// that, after the upcoming sorts, a member can still be traced
		// back to its origin (kept vs. first/second received message).
		nodes = append(append([]ParallelNode{}, keptNodes...), recvd0...)
		nodes = append(nodes, recvd1...)
		stampLocalID(nodes)
		sortByAbsBaseIDThenNewIDDesc(nodes)

		recvStart0 := len(keptNodes)
		recvStart1 := recvStart0 + len(recvd0)
		// positiveRank{0,1}[i] is how many positively-signed entries
		// precede index i within recvd{0,1}, in the original message
		// order — exactly the column a positive entry lands at in the
		// N variant's packed receive layout at exchange time.
		positiveRank0 := positiveRanks(recvd0)
		positiveRank1 := positiveRanks(recvd1)

		// Pass 1: count how many base-id groups this round discovers that
		// need a fresh slot, split by sign, so the positive prefix and
		// negative suffix of this round's extended range can be sized
		// before any slot is handed out.
		newPos, newTotal := 0, 0
		for g := 0; g < len(nodes); {
			h := g + 1
			base := absInt64(nodes[g].baseId)
			for h < len(nodes) && absInt64(nodes[h].baseId) == base {
				h++
			}
			repOldID := nodes[g].newId
			if repOldID >= nhalo || repOldID == -1 {
				newTotal++
				for x := g; x < h; x++ {
					if nodes[x].positive() {
						newPos++
						break
					}
				}
			}
			g = h
		}
		nhaloExtN := nhalo + newPos
		nhaloExtT := nhaloExtN + (newTotal - newPos)

		// Pass 2: assign slots: positive groups fill [nhalo, nhaloExtN),
		// negative-only groups fill [nhaloExtN, nhaloExtT), then build
		// this level's gather entries.
		posCursor, negCursor := nhalo, nhaloExtN
		g := 0
		for g < len(nodes) {
			h := g + 1
			base := absInt64(nodes[g].baseId)
			for h < len(nodes) && absInt64(nodes[h].baseId) == base {
				h++
			}
			repOldID := nodes[g].newId
			needsSlot := repOldID >= nhalo || repOldID == -1
			groupPositive := false
			for x := g; x < h; x++ {
				if nodes[x].positive() {
					groupPositive = true
				}
			}
			var slot int
			if needsSlot {
				if groupPositive {
					slot = posCursor
					posCursor++
				} else {
					slot = negCursor
					negCursor++
				}
			} else {
				slot = repOldID
			}

			// Per member (not just the representative): an already-extended
			// kept member carries its old value forward by column
			// reference; a freshly received member contributes a column at
			// the next free receive position for its message. Both can
			// occur in the same group when a new copy of an
			// already-extended node arrives. Positive slots share the same
			// numbering between the N and T variants, so an
			// already-extended member's old id is a valid column
			// reference for both without remapping.
			for x := g; x < h; x++ {
				memberOldID := nodes[x].newId
				switch {
				case nodes[x].localId < recvStart0:
					if memberOldID >= nhalo {
						entriesT = append(entriesT, csrEntry{row: slot, col: memberOldID})
						if groupPositive {
							entriesN = append(entriesN, csrEntry{row: slot, col: memberOldID})
						}
					}
				case nodes[x].localId < recvStart1:
					idx := nodes[x].localId - recvStart0
					entriesT = append(entriesT, csrEntry{row: slot, col: recvOffsetT + idx})
					if groupPositive {
						entriesN = append(entriesN, csrEntry{row: slot, col: recvOffsetN + positiveRank0[idx]})
					}
				default:
					idx := nodes[x].localId - recvStart1
					entriesT = append(entriesT, csrEntry{row: slot, col: recvOffsetT + nrecvT0 + idx})
					if groupPositive {
						entriesN = append(entriesN, csrEntry{row: slot, col: recvOffsetN + nrecvN0 + positiveRank1[idx]})
					}
				}
			}

			for x := g; x < h; x++ {
				nodes[x].newId = slot
			}
			g = h
		}

		// Step 8: promote sign across each base-id group (nodes are
		// already sorted by |baseId| from the relabel scan above).
		promoteSign(nodes)

		// Restore pre-relabel (append) order, then sort by newId so each
		// base-id group is contiguous for the next round's send scan.
		restoreLocalOrder(nodes)
		sortByNewID(nodes)

		levelsT = append(levelsT, Level{
			Partner: step.partner, Nmsg: step.nmsg, recvSecondFrom: step.secondFrom,
			Nsend: len(sendIdsT), SendIds: sendIdsT,
			Nrecv0: nrecvT0, Nrecv1: nrecvT1, RecvOffset: recvOffsetT,
			Gather: buildOperator(nhaloExtT, recvOffsetT+nrecvT0+nrecvT1, entriesT),
		})
		levelsN = append(levelsN, Level{
			Partner: step.partner, Nmsg: step.nmsg, recvSecondFrom: step.secondFrom,
			Nsend: len(sendIdsN), SendIds: sendIdsN,
			Nrecv0: nrecvN0, Nrecv1: nrecvN1, RecvOffset: recvOffsetN,
			Gather: buildOperator(nhaloExtN, recvOffsetN+nrecvN0+nrecvN1, entriesN),
		})

		prevNhaloExtN, prevNhaloExtT = nhaloExtN, nhaloExtT
	}

	return levelsN, levelsT, nil
}

func countPositive(nodes []ParallelNode) int {
	n := 0
	for _, v := range nodes {
		if v.positive() {
			n++
		}
	}
	return n
}

// positiveRanks returns, for each index i, the number of positively
// signed entries at indices < i.
func positiveRanks(nodes []ParallelNode) []int {
	ranks := make([]int, len(nodes))
	n := 0
	for i, v := range nodes {
		ranks[i] = n
		if v.positive() {
			n++
		}
	}
	return ranks
}
