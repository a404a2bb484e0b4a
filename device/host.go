package device

import "sync"

// hostBuffer is a Buffer backed by a plain Go slice.
type hostBuffer struct {
	data []byte
}

func (b *hostBuffer) Bytes() []byte { return b.data }
func (b *hostBuffer) Size() int     { return len(b.data) }

// HostPlatform is a reference Platform for machines without a GPU: device
// buffers are ordinary host slices and every copy/stream operation is
// synchronous. It lets host==false exchanges (the !gpuAware && !host
// staging path) be exercised without real device hardware.
type HostPlatform struct {
	mu      sync.Mutex
	current Stream
	next    Stream
}

// NewHostPlatform constructs a HostPlatform. Stream 0 is the default.
func NewHostPlatform() *HostPlatform {
	return &HostPlatform{next: 1}
}

func (p *HostPlatform) Malloc(nbytes int) (Buffer, error) {
	return &hostBuffer{data: make([]byte, nbytes)}, nil
}

func (p *HostPlatform) HostMalloc(nbytes int) ([]byte, error) {
	return make([]byte, nbytes), nil
}

func (p *HostPlatform) NewStream() Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.next
	p.next++
	return s
}

func (p *HostPlatform) CurrentStream() Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *HostPlatform) SetStream(s Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

func (p *HostPlatform) CopyToHostAsync(dst []byte, src Buffer, n int, _ Stream) {
	if src == nil || n <= 0 {
		return
	}
	copy(dst[:n], src.Bytes()[:n])
}

func (p *HostPlatform) CopyFromHostAsync(dst Buffer, src []byte, n int, _ Stream) {
	if dst == nil || n <= 0 {
		return
	}
	copy(dst.Bytes()[:n], src[:n])
}

// Finish is a no-op: HostPlatform copies synchronously, so every stream is
// always caught up.
func (p *HostPlatform) Finish(Stream) {}

var _ Platform = (*HostPlatform)(nil)
