//go:build cgo

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/crystalrouter-go/client"
)

// clientCommMaxFrame bounds a single ClientComm message: rank bootstrap
// traffic (a raw libfabric endpoint name plus a small envelope) is a few
// hundred bytes at most, never a halo payload.
const clientCommMaxFrame = 4096

// ClientComm is a star-topology bootstrap Comm built on client.Client's
// connection-oriented MSG endpoints: rank 0 listens and every other rank
// connects to it; ClientComm then store-and-forwards arbitrary-rank-pair
// messages through rank 0 the way a hub switch would. It exists to solve
// DialFabricComm's chicken-and-egg problem: ranks need some already-working
// channel to exchange raw RDM endpoint names before the tagged transport
// exists, and without MPI that channel has to be assembled from the MSG
// client/listener pieces directly. ClientComm is sized for that bootstrap
// traffic only; it is not a data-plane transport for exchange itself.
type ClientComm struct {
	rank, size int

	listener *client.Listener       // rank 0 only
	hub      *client.Client         // ranks > 0 only: connection to rank 0
	spokes   map[int]*client.Client // rank 0 only: rank -> connection
	sendMu   map[int]*sync.Mutex    // rank 0 only: serializes forwarding per spoke

	inbox *clientInbox

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// DialClientComm establishes the star topology and returns a ClientComm
// ready for use as a transport.Comm. Rank 0 listens on (node, service);
// every other rank dials it. The caller is responsible for getting
// (node, service) to every rank out of band (environment variable, shared
// file, launcher argument) — the same bootstrap problem every non-MPI
// RDMA deployment has to solve once before the crystal router can run.
func DialClientComm(rank, size int, provider, node, service string) (*ClientComm, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("transport: rank %d out of range [0,%d)", rank, size)
	}

	cc := &ClientComm{
		rank: rank, size: size,
		inbox:  newClientInbox(),
		stopCh: make(chan struct{}),
	}

	if rank == 0 {
		listener, err := client.Listen(client.ListenerConfig{Provider: provider, Node: node, Service: service})
		if err != nil {
			return nil, fmt.Errorf("transport: listen: %w", err)
		}
		cc.listener = listener
		cc.spokes = make(map[int]*client.Client, size-1)
		cc.sendMu = make(map[int]*sync.Mutex, size-1)

		for i := 0; i < size-1; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			peer, err := listener.Accept(ctx)
			cancel()
			if err != nil {
				cc.Close()
				return nil, fmt.Errorf("transport: accept spoke %d: %w", i, err)
			}
			peerRank, err := recvHandshake(peer)
			if err != nil {
				cc.Close()
				return nil, fmt.Errorf("transport: handshake with spoke: %w", err)
			}
			cc.spokes[peerRank] = peer
			cc.sendMu[peerRank] = &sync.Mutex{}
			cc.wg.Add(1)
			go cc.readLoop(peer, peerRank)
		}
		return cc, nil
	}

	hub, err := client.Connect(client.Config{Provider: provider, Node: node, Service: service})
	if err != nil {
		return nil, fmt.Errorf("transport: connect to hub: %w", err)
	}
	if err := sendHandshake(hub, rank); err != nil {
		hub.Close()
		return nil, fmt.Errorf("transport: handshake with hub: %w", err)
	}
	cc.hub = hub
	cc.wg.Add(1)
	go cc.readLoop(hub, 0)
	return cc, nil
}

func sendHandshake(c *client.Client, rank int) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(rank))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.Send(ctx, buf)
}

func recvHandshake(c *client.Client) (int, error) {
	buf := make([]byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Receive(ctx, buf); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(buf)), nil
}

type clientCommEnvelope struct {
	src, dest int
	tag       int
	payload   []byte
}

func encodeEnvelope(e clientCommEnvelope) []byte {
	buf := make([]byte, 20+len(e.payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.src))
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.dest))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.tag))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(e.payload)))
	copy(buf[20:], e.payload)
	return buf
}

func decodeEnvelope(buf []byte) clientCommEnvelope {
	n := int(binary.LittleEndian.Uint32(buf[16:]))
	return clientCommEnvelope{
		src:     int(int32(binary.LittleEndian.Uint32(buf[0:]))),
		dest:    int(int32(binary.LittleEndian.Uint32(buf[4:]))),
		tag:     int(int64(binary.LittleEndian.Uint64(buf[8:]))),
		payload: append([]byte(nil), buf[20:20+n]...),
	}
}

// readLoop drains one MSG connection (the hub's view of one spoke, or a
// spoke's view of the hub), decoding envelopes and either delivering them
// to this rank's inbox or — rank 0 only, when the envelope is addressed to
// a third rank — relaying them on to that rank's own connection.
func (cc *ClientComm) readLoop(c *client.Client, peerRank int) {
	defer cc.wg.Done()
	buf := make([]byte, clientCommMaxFrame)
	for {
		select {
		case <-cc.stopCh:
			return
		default:
		}
		n, err := c.Receive(context.Background(), buf)
		if err != nil {
			return
		}
		env := decodeEnvelope(buf[:n])
		if env.dest == cc.rank {
			cc.inbox.deliver(env.src, env.tag, env.payload)
			continue
		}
		if cc.rank != 0 {
			// A spoke only ever talks to the hub; the hub never forwards a
			// third party's traffic back down a spoke unless that spoke is
			// the final destination, so this should not happen.
			continue
		}
		cc.forward(env, buf[:n])
	}
}

func (cc *ClientComm) forward(env clientCommEnvelope, raw []byte) {
	dest, ok := cc.spokes[env.dest]
	if !ok {
		return
	}
	mu := cc.sendMu[env.dest]
	mu.Lock()
	defer mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = dest.Send(ctx, raw)
}

func (cc *ClientComm) Rank() int { return cc.rank }
func (cc *ClientComm) Size() int { return cc.size }

func (cc *ClientComm) ISend(buf []byte, dest, tag int) (Request, error) {
	if dest == cc.rank {
		cc.inbox.deliver(cc.rank, tag, buf)
		return Completed(nil), nil
	}
	env := encodeEnvelope(clientCommEnvelope{src: cc.rank, dest: dest, tag: tag, payload: buf})
	if len(env) > clientCommMaxFrame {
		return nil, fmt.Errorf("transport: clientcomm message too large: %d > %d", len(env), clientCommMaxFrame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cc.rank == 0 {
		conn, ok := cc.spokes[dest]
		if !ok {
			return nil, fmt.Errorf("transport: no connection to rank %d", dest)
		}
		mu := cc.sendMu[dest]
		mu.Lock()
		err := conn.Send(ctx, env)
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		return Completed(nil), nil
	}
	if err := cc.hub.Send(ctx, env); err != nil {
		return nil, err
	}
	return Completed(nil), nil
}

func (cc *ClientComm) IRecv(buf []byte, source, tag int) (Request, error) {
	return cc.inbox.wait(source, tag, buf), nil
}

func (cc *ClientComm) Waitall(reqs ...Request) error {
	var firstErr error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close tears down every connection and the listener (rank 0), stopping
// every read loop. Safe to call more than once.
func (cc *ClientComm) Close() error {
	cc.closeOnce.Do(func() {
		close(cc.stopCh)
		if cc.hub != nil {
			cc.hub.Close()
		}
		for _, s := range cc.spokes {
			s.Close()
		}
		if cc.listener != nil {
			cc.listener.Close()
		}
		cc.wg.Wait()
	})
	return nil
}

var _ Comm = (*ClientComm)(nil)

// clientInbox is ClientComm's rendezvous point between network read loops
// (producers) and IRecv callers (consumers), keyed by (source rank, tag) —
// the same two-sided matching Loopback's mailbox performs for in-process
// ranks, reimplemented here because delivery is driven by a background
// reader goroutine rather than a peer's own ISend call.
type clientInbox struct {
	mu      sync.Mutex
	queued  map[[2]int][][]byte
	waiters map[[2]int][]*clientInboxWaiter
}

type clientInboxWaiter struct {
	buf  []byte
	done chan error
}

func (w *clientInboxWaiter) Wait() error { return <-w.done }

func newClientInbox() *clientInbox {
	return &clientInbox{queued: make(map[[2]int][][]byte), waiters: make(map[[2]int][]*clientInboxWaiter)}
}

func (b *clientInbox) deliver(source, tag int, payload []byte) {
	key := [2]int{source, tag}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws := b.waiters[key]; len(ws) > 0 {
		w := ws[0]
		b.waiters[key] = ws[1:]
		n := copy(w.buf, payload)
		if n < len(payload) {
			w.done <- fmt.Errorf("transport: clientcomm recv buffer too small: have %d want %d", n, len(payload))
		} else {
			w.done <- nil
		}
		return
	}
	b.queued[key] = append(b.queued[key], payload)
}

func (b *clientInbox) wait(source, tag int, buf []byte) Request {
	key := [2]int{source, tag}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queued[key]; len(q) > 0 {
		payload := q[0]
		b.queued[key] = q[1:]
		n := copy(buf, payload)
		if n < len(payload) {
			return Completed(fmt.Errorf("transport: clientcomm recv buffer too small: have %d want %d", n, len(payload)))
		}
		return Completed(nil)
	}
	w := &clientInboxWaiter{buf: buf, done: make(chan error, 1)}
	b.waiters[key] = append(b.waiters[key], w)
	return w
}
