package crystalrouter

import (
	"testing"

	"github.com/rocketbitz/crystalrouter-go/device"
	"github.com/rocketbitz/crystalrouter-go/transport"
)

func newTestRouter(t *testing.T, size int) *Router {
	t.Helper()
	comms := transport.NewLoopback(size)
	r, err := New(Config{
		Comm:       comms[0],
		Platform:   device.NewHostPlatform(),
		GatherHalo: StaticGatherHalo{HaloP: 1, Halo: 2},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	comms := transport.NewLoopback(1)
	platform := device.NewHostPlatform()
	halo := StaticGatherHalo{HaloP: 1, Halo: 2}

	if _, err := New(Config{Platform: platform, GatherHalo: halo}); err != ErrNoComm {
		t.Fatalf("missing Comm: got %v, want ErrNoComm", err)
	}
	if _, err := New(Config{Comm: comms[0], GatherHalo: halo}); err != ErrNoPlatform {
		t.Fatalf("missing Platform: got %v, want ErrNoPlatform", err)
	}
	if _, err := New(Config{Comm: comms[0], Platform: platform}); err != ErrNoGatherHalo {
		t.Fatalf("missing GatherHalo: got %v, want ErrNoGatherHalo", err)
	}
}

func TestNewRejectsInvalidHalo(t *testing.T) {
	comms := transport.NewLoopback(1)
	_, err := New(Config{
		Comm:       comms[0],
		Platform:   device.NewHostPlatform(),
		GatherHalo: StaticGatherHalo{HaloP: 3, Halo: 2},
	})
	if _, ok := err.(*InvalidHaloError); !ok {
		t.Fatalf("got %v (%T), want *InvalidHaloError", err, err)
	}
}

func TestSingleRankStartFinishRoundTrip(t *testing.T) {
	r := newTestRouter(t, 1)
	if len(r.levelsN) != 0 || len(r.levelsT) != 0 {
		t.Fatalf("single-rank router should have no fold levels, got N=%d T=%d", len(r.levelsN), len(r.levelsT))
	}

	if err := r.Start(1, Float64, Add, NoTrans, false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Finish(1, Float64, Add, NoTrans, false); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	stats := r.Stats()
	if stats.ExchangesStarted != 1 || stats.ExchangesCompleted != 1 {
		t.Fatalf("got stats %+v, want one started/completed exchange", stats)
	}
	if stats.ExchangesErrored != 0 {
		t.Fatalf("got %d errored exchanges, want 0", stats.ExchangesErrored)
	}
	if stats.LevelsProcessed != 0 {
		t.Fatalf("got %d levels processed, want 0 (no fold levels for a single rank)", stats.LevelsProcessed)
	}
}

func TestStartRejectsInvalidK(t *testing.T) {
	r := newTestRouter(t, 1)
	if err := r.Start(0, Float64, Add, NoTrans, false); err != ErrInvalidK {
		t.Fatalf("got %v, want ErrInvalidK", err)
	}
}

func TestStartRejectsDoublePending(t *testing.T) {
	r := newTestRouter(t, 1)
	if err := r.Start(1, Float64, Add, NoTrans, false); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := r.Start(1, Float64, Add, NoTrans, false); err != ErrPending {
		t.Fatalf("got %v, want ErrPending", err)
	}
}

func TestFinishRejectsWithoutStart(t *testing.T) {
	r := newTestRouter(t, 1)
	if err := r.Finish(1, Float64, Add, NoTrans, false); err != ErrNotPending {
		t.Fatalf("got %v, want ErrNotPending", err)
	}
}

func TestFinishRejectsMismatchedParams(t *testing.T) {
	r := newTestRouter(t, 1)
	if err := r.Start(1, Float64, Add, NoTrans, false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Finish(2, Float64, Add, NoTrans, false); err != ErrInvalidK {
		t.Fatalf("got %v, want ErrInvalidK for mismatched k", err)
	}
}

func TestClosedRouterRejectsStart(t *testing.T) {
	r := newTestRouter(t, 1)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if err := r.Start(1, Float64, Add, NoTrans, false); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
