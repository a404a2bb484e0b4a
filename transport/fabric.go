//go:build cgo

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/crystalrouter-go/fi"
)

// FabricConfig controls DialFabricComm's discovery of a libfabric provider,
// mirroring client.Config's Dial path but for a connectionless, tagged,
// multi-rank RDM endpoint rather than a single two-party connection.
type FabricConfig struct {
	Provider string
	Timeout  time.Duration
}

// FabricComm is a production transport.Comm backed by libfabric tagged
// messaging (fi.Endpoint.PostTaggedSend/PostTaggedRecv) instead of MPI: the
// crystal router only needs non-blocking tagged point-to-point send/receive
// plus Waitall, which libfabric's RDM endpoints provide directly. Rank
// addressing is resolved once at Dial time via a bootstrap Comm (e.g. a
// Loopback used purely to exchange raw endpoint names) and held in an
// AddressVector for the life of the communicator.
type FabricComm struct {
	rank, size int

	fabric   *fi.Fabric
	domain   *fi.Domain
	cq       *fi.CompletionQueue
	endpoint *fi.Endpoint
	av       *fi.AddressVector
	addrs    []fi.Address

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// DialFabricComm opens a libfabric RDM endpoint capable of tagged messaging,
// then uses bootstrap (any already-working Comm spanning the same ranks,
// typically a Loopback when all ranks share a process, or a prior out-of-
// band channel otherwise) to exchange raw endpoint names and populate an
// address vector indexed by rank. The returned FabricComm owns the
// fabric/domain/endpoint/av/cq chain and must be closed with Close.
func DialFabricComm(cfg FabricConfig, bootstrap Comm) (*FabricComm, error) {
	rank, size := bootstrap.Rank(), bootstrap.Size()

	provider := cfg.Provider
	if provider == "" {
		provider = "sockets"
	}

	discovery, err := fi.DiscoverDescriptors(fi.WithProvider(provider), fi.WithEndpointType(fi.EndpointTypeRDM))
	if err != nil {
		return nil, fmt.Errorf("transport: discover fabric descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("transport: no fabric descriptors for provider %s", provider)
	}
	var selected *fi.Descriptor
	for i := range descriptors {
		if descriptors[i].SupportsTagged() {
			selected = &descriptors[i]
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("transport: provider %s has no tagged-capable descriptor", provider)
	}

	fabric, err := selected.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("transport: open fabric: %w", err)
	}
	domain, err := selected.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("transport: open domain: %w", err)
	}
	cq, err := domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Format: fi.CQFormatTagged})
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: open completion queue: %w", err)
	}
	endpoint, err := selected.OpenEndpoint(domain)
	if err != nil {
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: open endpoint: %w", err)
	}
	if err := endpoint.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: bind completion queue: %w", err)
	}
	av, err := domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: open address vector: %w", err)
	}
	if err := endpoint.BindAddressVector(av, 0); err != nil {
		av.Close()
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: bind address vector: %w", err)
	}
	if err := endpoint.Enable(); err != nil {
		av.Close()
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: enable endpoint: %w", err)
	}

	selfRaw, err := endpoint.Name()
	if err != nil {
		av.Close()
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("transport: query endpoint name: %w", err)
	}

	fc := &FabricComm{
		rank: rank, size: size,
		fabric: fabric, domain: domain, cq: cq, endpoint: endpoint, av: av,
		addrs:  make([]fi.Address, size),
		stopCh: make(chan struct{}),
	}

	if err := fc.exchangeAddresses(bootstrap, selfRaw); err != nil {
		fc.Close()
		return nil, err
	}

	fc.wg.Add(1)
	go fc.dispatchLoop()

	return fc, nil
}

// exchangeAddresses all-to-alls raw endpoint names over bootstrap and
// inserts every peer's name into this endpoint's address vector, so
// fc.addrs[r] is a usable fi.Address for rank r thereafter.
func (fc *FabricComm) exchangeAddresses(bootstrap Comm, selfRaw []byte) error {
	const bootstrapTag = 0x636c7230 // "clr0": unlikely to collide with caller traffic on a dedicated bootstrap Comm.

	var reqs []Request
	recvBufs := make([][]byte, fc.size)
	for r := 0; r < fc.size; r++ {
		if r == fc.rank {
			continue
		}
		recvBufs[r] = make([]byte, len(selfRaw))
		req, err := bootstrap.IRecv(recvBufs[r], r, bootstrapTag)
		if err != nil {
			return fmt.Errorf("transport: bootstrap recv from rank %d: %w", r, err)
		}
		reqs = append(reqs, req)
	}
	for r := 0; r < fc.size; r++ {
		if r == fc.rank {
			continue
		}
		req, err := bootstrap.ISend(selfRaw, r, bootstrapTag)
		if err != nil {
			return fmt.Errorf("transport: bootstrap send to rank %d: %w", r, err)
		}
		reqs = append(reqs, req)
	}
	if err := bootstrap.Waitall(reqs...); err != nil {
		return fmt.Errorf("transport: bootstrap address exchange: %w", err)
	}

	for r := 0; r < fc.size; r++ {
		if r == fc.rank {
			addr, err := fc.av.InsertRaw(selfRaw, 0)
			if err != nil {
				return fmt.Errorf("transport: insert self address: %w", err)
			}
			fc.addrs[r] = addr
			continue
		}
		addr, err := fc.av.InsertRaw(recvBufs[r], 0)
		if err != nil {
			return fmt.Errorf("transport: insert address for rank %d: %w", r, err)
		}
		fc.addrs[r] = addr
	}
	return nil
}

// dispatchLoop continuously drains the completion queue, resolving each
// entry back to the CompletionContext that posted it; Resolve runs that
// context's AddOnComplete callbacks, which is how fabricRequest.Wait learns
// its operation finished. Modeled on client.Client's dispatch loop, reduced
// to completion fan-out only (no send/receive handler registry, no MR
// pool): a crystal-router level never needs more than the request it posted.
func (fc *FabricComm) dispatchLoop() {
	defer fc.wg.Done()
	for {
		select {
		case <-fc.stopCh:
			return
		default:
		}
		evt, err := fc.cq.ReadContext()
		if err != nil {
			if errors.Is(err, fi.ErrNoCompletion) {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			return
		}
		if _, err := evt.Resolve(); err != nil && !errors.Is(err, fi.ErrContextUnknown) {
			return
		}
	}
}

// fabricRequest adapts a posted tagged operation's CompletionContext into a
// transport.Request: Wait blocks until the dispatch loop resolves it.
type fabricRequest struct {
	done chan error
}

func (r *fabricRequest) Wait() error { return <-r.done }

func (fc *FabricComm) newTrackedContext() (*fi.CompletionContext, *fabricRequest, error) {
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, nil, err
	}
	req := &fabricRequest{done: make(chan error, 1)}
	ctx.AddOnComplete(func(*fi.CompletionContext) { req.done <- nil })
	return ctx, req, nil
}

func (fc *FabricComm) Rank() int { return fc.rank }
func (fc *FabricComm) Size() int { return fc.size }

// ISend posts a tagged send to dest, tagged tag (the caller — setup.go or
// exchange.go — chooses tag to match spec 6's wire protocol: the sender's
// own rank, or r_half-1 for an odd-parity secondary message).
func (fc *FabricComm) ISend(buf []byte, dest, tag int) (Request, error) {
	ctx, req, err := fc.newTrackedContext()
	if err != nil {
		return nil, err
	}
	if _, err := fc.endpoint.PostTaggedSend(&fi.TaggedSendRequest{
		Buffer: buf, Dest: fc.addrs[dest], Tag: uint64(tag), Context: ctx,
	}); err != nil {
		ctx.Release()
		return nil, err
	}
	return req, nil
}

// IRecv posts a tagged receive matching source/tag exactly (Ignore: 0), so
// a level's two possible incoming messages (primary partner, odd-parity
// secondary) never cross-match each other's buffer.
func (fc *FabricComm) IRecv(buf []byte, source, tag int) (Request, error) {
	ctx, req, err := fc.newTrackedContext()
	if err != nil {
		return nil, err
	}
	if _, err := fc.endpoint.PostTaggedRecv(&fi.TaggedRecvRequest{
		Buffer: buf, Source: fc.addrs[source], Tag: uint64(tag), Context: ctx,
	}); err != nil {
		ctx.Release()
		return nil, err
	}
	return req, nil
}

func (fc *FabricComm) Waitall(reqs ...Request) error {
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

// Close tears down the endpoint/av/cq/domain/fabric chain and stops the
// dispatch loop. Safe to call more than once.
func (fc *FabricComm) Close() error {
	var err error
	fc.closeOnce.Do(func() {
		close(fc.stopCh)
		fc.wg.Wait()
		if fc.av != nil {
			fc.av.Close()
		}
		if fc.endpoint != nil {
			fc.endpoint.Close()
		}
		if fc.cq != nil {
			fc.cq.Close()
		}
		if fc.domain != nil {
			fc.domain.Close()
		}
		if fc.fabric != nil {
			err = fc.fabric.Close()
		}
	})
	return err
}

var _ Comm = (*FabricComm)(nil)
