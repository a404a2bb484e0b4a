//go:build cgo

package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// freeTCPPort picks an ephemeral port the way the teacher's own integration
// tests do, so the sockets provider has a stable (node, service) pair to bind.
func freeTCPPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no free TCP port available: %v", err)
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func TestClientCommTwoRankRoundTrip(t *testing.T) {
	service := freeTCPPort(t)

	var (
		hub              *ClientComm
		spoke            *ClientComm
		wg               sync.WaitGroup
		hubErr, spokeErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		hub, hubErr = DialClientComm(0, 2, "sockets", "127.0.0.1", service)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond) // give rank 0 time to start listening
		spoke, spokeErr = DialClientComm(1, 2, "sockets", "127.0.0.1", service)
	}()
	wg.Wait()

	if hubErr != nil {
		t.Skipf("hub dial unavailable: %v", hubErr)
	}
	if spokeErr != nil {
		t.Skipf("spoke dial unavailable: %v", spokeErr)
	}
	t.Cleanup(func() {
		_ = hub.Close()
		_ = spoke.Close()
	})

	payload := []byte("crystal-router bootstrap")
	buf := make([]byte, len(payload))

	recvReq, err := hub.IRecv(buf, 1, 99)
	if err != nil {
		t.Fatalf("IRecv failed: %v", err)
	}
	sendReq, err := spoke.ISend(payload, 0, 99)
	if err != nil {
		t.Fatalf("ISend failed: %v", err)
	}
	if err := hub.Waitall(recvReq, sendReq); err != nil {
		t.Fatalf("Waitall failed: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestClientCommSelfSendShortCircuits(t *testing.T) {
	service := freeTCPPort(t)
	hub, err := DialClientComm(0, 1, "sockets", "127.0.0.1", service)
	if err != nil {
		t.Skipf("hub dial unavailable: %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })

	payload := []byte("loopback-within-star")
	buf := make([]byte, len(payload))

	recvReq, err := hub.IRecv(buf, 0, 5)
	if err != nil {
		t.Fatalf("IRecv failed: %v", err)
	}
	sendReq, err := hub.ISend(payload, 0, 5)
	if err != nil {
		t.Fatalf("ISend failed: %v", err)
	}
	if err := hub.Waitall(recvReq, sendReq); err != nil {
		t.Fatalf("Waitall failed: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	want := clientCommEnvelope{src: 3, dest: 1, tag: 42, payload: []byte("halo data")}
	got := decodeEnvelope(encodeEnvelope(want))
	if got.src != want.src || got.dest != want.dest || got.tag != want.tag || string(got.payload) != string(want.payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
