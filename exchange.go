package crystalrouter

import (
	"github.com/rocketbitz/crystalrouter-go/gather"
	"github.com/rocketbitz/crystalrouter-go/transport"
)

// Start publishes k elements per halo slot into the host-visible send
// pipeline (spec 4.3). It never blocks the caller's compute stream: if the
// halo lives on-device, GPU-aware MPI is disabled, and host is false, the
// first N*k*sizeof(typ) bytes are staged to the pinned host shadow
// asynchronously on the router's data stream; Finish synchronizes before
// using them.
func (r *Router) Start(k int, typ Type, op Op, trans Transpose, host bool) error {
	if r.closed {
		return ErrClosed
	}
	if k < 1 {
		return ErrInvalidK
	}
	if r.pending {
		return ErrPending
	}
	r.pending = true
	r.pendingK, r.pendingType, r.pendingOp, r.pendingTrans, r.pendingHost = k, typ, op, trans, host
	r.metricExchangeStarted(trans)

	n := r.gatherHalo.Nhalo()
	if trans == NoTrans {
		n = r.gatherHalo.NhaloP()
	}
	width := n * k * gather.Sizeof(typ)

	if !host && !r.gpuAware && width > 0 {
		haloBuf, hostHalo := r.bufs.halo()
		saved := r.platform.CurrentStream()
		r.platform.SetStream(r.dataStream)
		r.platform.CopyToHostAsync(hostHalo, haloBuf, width, r.dataStream)
		r.platform.SetStream(saved)
		r.hostStagePending = true
	}
	r.logf("crystalrouter: Start k=%d type=%s op=%s trans=%s host=%v", k, typ, op, trans, host)
	return nil
}

// Finish drives every level to completion (spec 4.4), then restores the
// caller's stream.
func (r *Router) Finish(k int, typ Type, op Op, trans Transpose, host bool) error {
	if r.closed {
		return ErrClosed
	}
	if !r.pending {
		return ErrNotPending
	}
	if k != r.pendingK || typ != r.pendingType || op != r.pendingOp || trans != r.pendingTrans || host != r.pendingHost {
		return ErrInvalidK
	}
	var finishErr error
	defer func() {
		r.pending = false
		if finishErr != nil {
			r.metricExchangeFailed(trans, finishErr)
		} else {
			r.metricExchangeCompleted(trans)
		}
	}()

	saved := r.platform.CurrentStream()
	r.platform.SetStream(r.dataStream)
	if r.hostStagePending {
		r.platform.Finish(r.dataStream)
		r.hostStagePending = false
	}

	levels := r.levelsN
	if trans != NoTrans {
		levels = r.levelsT
	}

	elemSize := gather.Sizeof(typ)

	for li, lvl := range levels {
		// hostCur serves double duty this level: its prefix [0, RecvOffset)
		// is the carried-forward halo the send is packed from, and its
		// suffix is where this level's incoming messages land. The two
		// never race because the send is packed, synchronously, before
		// Waitall lets the receive write.
		_, hostCur := r.bufs.halo()

		var reqs []transport.Request
		if lvl.Nmsg > 0 {
			off := lvl.RecvOffset * k * elemSize
			n := lvl.Nrecv0 * k * elemSize
			req, err := r.comm.IRecv(hostCur[off:off+n], lvl.Partner, lvl.Partner)
			if err != nil {
				finishErr = err
				return err
			}
			reqs = append(reqs, req)
		}
		if lvl.Nmsg == 2 {
			off := (lvl.RecvOffset + lvl.Nrecv0) * k * elemSize
			n := lvl.Nrecv1 * k * elemSize
			req, err := r.comm.IRecv(hostCur[off:off+n], lvl.recvSecondFrom, lvl.recvSecondFrom)
			if err != nil {
				finishErr = err
				return err
			}
			reqs = append(reqs, req)
		}

		sendWidth := lvl.Nsend * k * elemSize
		sendBytes := r.bufs.hostSend[:sendWidth]
		if err := extractSend(sendBytes, hostCur, lvl.SendIds, k, elemSize); err != nil {
			finishErr = err
			return err
		}

		sreq, err := r.comm.ISend(sendBytes, lvl.Partner, r.comm.Rank())
		if err != nil {
			finishErr = err
			return err
		}
		reqs = append(reqs, sreq)
		if err := r.comm.Waitall(reqs...); err != nil {
			finishErr = err
			return err
		}
		r.stats.bytesSent.Add(uint64(sendWidth))

		_, hostNext := r.bufs.idle()
		if err := lvl.Gather.Gather(hostNext, hostCur, k, typ, op); err != nil {
			finishErr = err
			return err
		}
		r.stats.bytesReceived.Add(uint64((lvl.Nrecv0 + lvl.Nrecv1) * k * elemSize))
		r.bufs.flip()
		r.recordLevelStats(li, lvl)
	}
	_, hostHalo := r.bufs.halo()

	n := r.gatherHalo.Nhalo()
	if trans == NoTrans {
		n = r.gatherHalo.NhaloP()
	}
	width := n * k * elemSize
	if !host && !r.gpuAware && width > 0 {
		dbuf, _ := r.bufs.halo()
		r.platform.CopyFromHostAsync(dbuf, hostHalo, width, r.dataStream)
		r.platform.Finish(r.dataStream)
	}
	r.platform.SetStream(saved)
	r.logf("crystalrouter: Finish levels=%d", len(levels))
	return nil
}

// extractSend gathers k-wide rows at the given positions out of src into
// dst, the host extract primitive referenced by spec 4.4 step b.
func extractSend(dst, src []byte, ids []int, k, elemSize int) error {
	rowBytes := k * elemSize
	for i, id := range ids {
		so := id * rowBytes
		do := i * rowBytes
		if so+rowBytes > len(src) || do+rowBytes > len(dst) {
			return ErrInvalidK
		}
		copy(dst[do:do+rowBytes], src[so:so+rowBytes])
	}
	return nil
}
