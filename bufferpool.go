package crystalrouter

import "github.com/rocketbitz/crystalrouter-go/device"

// bufferPool holds the router's send buffer and its two double-buffered
// receive/halo slots, each paired with a host-staging companion.
// Adapted from fi.MRPool's lazy-provisioning pool: unlike MRPool's
// independent fixed-size regions, a crystal router needs exactly three
// growable slots (one send, two rotating receive/halo), sized to the
// largest level observed across setup.
type bufferPool struct {
	platform device.Platform

	nsendMax, nrecvMax int
	sendCap, recvCap   int

	sendBuf  device.Buffer
	hostSend []byte

	buf     [2]device.Buffer
	hostBuf [2][]byte
	bufID   int
}

func newBufferPool(platform device.Platform) *bufferPool {
	return &bufferPool{platform: platform}
}

// setMax records the element counts that size every future allocation.
func (p *bufferPool) setMax(nsendMax, nrecvMax int) {
	p.nsendMax, p.nrecvMax = nsendMax, nrecvMax
}

// alloc ensures the send buffer holds at least nsendMax*nbytes and both
// receive/halo buffers hold at least nrecvMax*nbytes, reallocating only on
// growth. A growth reallocation resets bufID to 0, matching
// ogsCrystalRouter_t::AllocBuffer.
func (p *bufferPool) alloc(nbytes int) error {
	grown := false

	if want := p.nsendMax * nbytes; want > p.sendCap {
		dbuf, err := p.platform.Malloc(want)
		if err != nil {
			return err
		}
		hbuf, err := p.platform.HostMalloc(want)
		if err != nil {
			return err
		}
		p.sendBuf, p.hostSend, p.sendCap = dbuf, hbuf, want
		grown = true
	}

	if want := p.nrecvMax * nbytes; want > p.recvCap {
		for i := 0; i < 2; i++ {
			dbuf, err := p.platform.Malloc(want)
			if err != nil {
				return err
			}
			hbuf, err := p.platform.HostMalloc(want)
			if err != nil {
				return err
			}
			p.buf[i], p.hostBuf[i] = dbuf, hbuf
		}
		p.recvCap = want
		grown = true
	}

	if grown {
		p.bufID = 0
	}
	return nil
}

// halo returns the buffer currently holding the extended halo: the carried
// -forward prefix a level's send is packed from, and the same buffer a
// level's incoming messages land in past that prefix (safe because the
// send is packed, synchronously, before the level's Waitall makes the
// receive's bytes visible). Used before the first level and after the
// last.
func (p *bufferPool) halo() (device.Buffer, []byte) {
	return p.buf[p.bufID], p.hostBuf[p.bufID]
}

// idle returns the buffer not currently holding the halo — a level's
// Gather destination, combining the halo buffer's carried-forward prefix
// with its newly landed suffix into a fresh copy.
func (p *bufferPool) idle() (device.Buffer, []byte) {
	return p.buf[1-p.bufID], p.hostBuf[1-p.bufID]
}

// flip makes the previous Gather destination the new halo buffer, ready
// for the next level (or for the caller, once the last level is done).
func (p *bufferPool) flip() {
	p.bufID = 1 - p.bufID
}
