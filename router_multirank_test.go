package crystalrouter

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/rocketbitz/crystalrouter-go/device"
	"github.com/rocketbitz/crystalrouter-go/transport"
)

// asFloat64 reinterprets a byte slice as a float64 slice, matching the
// unsafe reinterpretation gather.Operator.Gather performs internally on
// the same host buffers. Test-local since gather's own copy is unexported.
func asFloat64(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// buildRouters runs New concurrently across size ranks sharing a single
// Loopback communicator set: setup is collective, so every rank's New
// call must be in flight before any of them can complete their first
// round's Waitall.
func buildRouters(t *testing.T, nodesByRank [][]SharedNode, halos []StaticGatherHalo) []*Router {
	t.Helper()
	size := len(nodesByRank)
	comms := transport.NewLoopback(size)
	routers := make([]*Router, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			router, err := New(Config{
				Comm:       comms[rank],
				Platform:   device.NewHostPlatform(),
				GatherHalo: halos[rank],
				Initial:    nodesByRank[rank],
			})
			routers[rank], errs[rank] = router, err
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: New failed: %v", rank, err)
		}
	}
	return routers
}

// runExchange drives Start then Finish concurrently across every router,
// the same collective requirement setup has: every rank must be actively
// posting its sends/receives for any one of them to complete.
func runExchange(t *testing.T, routers []*Router, trans Transpose) {
	t.Helper()
	errs := make([]error, len(routers))

	var wg sync.WaitGroup
	for i, router := range routers {
		wg.Add(1)
		go func(i int, router *Router) {
			defer wg.Done()
			if err := router.Start(1, Float64, Add, trans, true); err != nil {
				errs[i] = err
				return
			}
			errs[i] = router.Finish(1, Float64, Add, trans, true)
		}(i, router)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: exchange failed: %v", rank, err)
		}
	}
}

// TestTwoRankTwoSharedNodes reproduces spec 8's first end-to-end scenario:
// rank 0 contributes {A:1, B:2}, rank 1 contributes {A:10, B:20}; both
// ranks must observe {A:11, B:22} afterward.
func TestTwoRankTwoSharedNodes(t *testing.T) {
	halos := []StaticGatherHalo{{HaloP: 2, Halo: 2}, {HaloP: 2, Halo: 2}}
	nodes := [][]SharedNode{
		{{Rank: 1, BaseID: 1, Sign: 2, NewID: 0}, {Rank: 1, BaseID: 2, Sign: 2, NewID: 1}},
		{{Rank: 0, BaseID: 1, Sign: 2, NewID: 0}, {Rank: 0, BaseID: 2, Sign: 2, NewID: 1}},
	}
	routers := buildRouters(t, nodes, halos)

	_, h0 := routers[0].Halo()
	_, h1 := routers[1].Halo()
	copy(asFloat64(h0), []float64{1, 2})
	copy(asFloat64(h1), []float64{10, 20})

	runExchange(t, routers, Trans)

	_, h0 = routers[0].Halo()
	_, h1 = routers[1].Halo()
	want := []float64{11, 22}
	if got := asFloat64(h0)[:2]; got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("rank 0 halo = %v, want %v", got, want)
	}
	if got := asFloat64(h1)[:2]; got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("rank 1 halo = %v, want %v", got, want)
	}
}

// TestThreeRankOddParity reproduces spec 8's odd-parity scenario: rank 0
// contributes {A:1}, rank 1 contributes {A:2, B:3}, rank 2 contributes
// {B:5}. After the two rounds, A == 3 on ranks 0 and 1; B == 8 on ranks 1
// and 2.
func TestThreeRankOddParity(t *testing.T) {
	halos := []StaticGatherHalo{{HaloP: 1, Halo: 1}, {HaloP: 2, Halo: 2}, {HaloP: 1, Halo: 1}}
	nodes := [][]SharedNode{
		{{Rank: 1, BaseID: 1, Sign: 2, NewID: 0}}, // rank 0: A shared with rank 1
		{{Rank: 0, BaseID: 1, Sign: 2, NewID: 0}, {Rank: 2, BaseID: 2, Sign: 2, NewID: 1}}, // rank 1: A with rank 0, B with rank 2
		{{Rank: 1, BaseID: 2, Sign: 2, NewID: 0}}, // rank 2: B shared with rank 1
	}
	routers := buildRouters(t, nodes, halos)

	_, h0 := routers[0].Halo()
	_, h1 := routers[1].Halo()
	_, h2 := routers[2].Halo()
	copy(asFloat64(h0), []float64{1})
	copy(asFloat64(h1), []float64{2, 3})
	copy(asFloat64(h2), []float64{5})

	runExchange(t, routers, Trans)

	_, h0 = routers[0].Halo()
	_, h1 = routers[1].Halo()
	_, h2 = routers[2].Halo()
	if got := asFloat64(h0)[0]; got != 3 {
		t.Fatalf("rank 0 A = %v, want 3", got)
	}
	if got := asFloat64(h1)[:2]; got[0] != 3 || got[1] != 8 {
		t.Fatalf("rank 1 (A,B) = %v, want [3 8]", got)
	}
	if got := asFloat64(h2)[0]; got != 8 {
		t.Fatalf("rank 2 B = %v, want 8", got)
	}
}

// fourRankSignedScenario builds the spec 8 P=4 NoTrans/Trans scenario: one
// global G shared by all four ranks, with roles 0(+), 1(-), 2(+), 3(-)
// and contributions [1, 2, 4, 8].
func fourRankSignedScenario(t *testing.T) ([]*Router, []float64) {
	t.Helper()
	halos := []StaticGatherHalo{
		{HaloP: 1, Halo: 1},
		{HaloP: 0, Halo: 1},
		{HaloP: 1, Halo: 1},
		{HaloP: 0, Halo: 1},
	}
	nodes := [][]SharedNode{
		{{Rank: 1, BaseID: -100, Sign: -2, NewID: 0}, {Rank: 2, BaseID: 100, Sign: 2, NewID: 0}, {Rank: 3, BaseID: -100, Sign: -2, NewID: 0}},
		{{Rank: 0, BaseID: 100, Sign: 2, NewID: 0}, {Rank: 2, BaseID: 100, Sign: 2, NewID: 0}, {Rank: 3, BaseID: -100, Sign: -2, NewID: 0}},
		{{Rank: 0, BaseID: 100, Sign: 2, NewID: 0}, {Rank: 1, BaseID: -100, Sign: -2, NewID: 0}, {Rank: 3, BaseID: -100, Sign: -2, NewID: 0}},
		{{Rank: 0, BaseID: 100, Sign: 2, NewID: 0}, {Rank: 1, BaseID: -100, Sign: -2, NewID: 0}, {Rank: 2, BaseID: 100, Sign: 2, NewID: 0}},
	}
	routers := buildRouters(t, nodes, halos)
	contributions := []float64{1, 2, 4, 8}
	for i, router := range routers {
		_, h := router.Halo()
		asFloat64(h)[0] = contributions[i]
	}
	return routers, contributions
}

// TestFourRankTransDeliversToEveryParticipant reproduces spec 8's P=4
// scenario under Trans: every rank, positive or negative, observes the
// full reduction 1+2+4+8 == 15.
func TestFourRankTransDeliversToEveryParticipant(t *testing.T) {
	routers, _ := fourRankSignedScenario(t)
	runExchange(t, routers, Trans)

	for i, router := range routers {
		_, h := router.Halo()
		if got := asFloat64(h)[0]; got != 15 {
			t.Fatalf("rank %d halo = %v, want 15", i, got)
		}
	}
}

// TestFourRankNoTransOnlyDeliversToPositiveParticipants reproduces spec
// 8's P=4 scenario under NoTrans: only the positively-signed ranks (0, 2)
// receive the combined 15; the negatively-signed ranks (1, 3) keep their
// original contribution.
func TestFourRankNoTransOnlyDeliversToPositiveParticipants(t *testing.T) {
	routers, contributions := fourRankSignedScenario(t)
	runExchange(t, routers, NoTrans)

	for i, router := range routers {
		_, h := router.Halo()
		got := asFloat64(h)[0]
		if i == 0 || i == 2 {
			if got != 15 {
				t.Fatalf("rank %d (positive) halo = %v, want 15", i, got)
			}
			continue
		}
		if got != contributions[i] {
			t.Fatalf("rank %d (negative) halo = %v, want unchanged %v", i, got, contributions[i])
		}
	}
}

// TestKGreaterThanOneBlockGather reproduces spec 8's k>1 block scenario:
// two ranks, one shared node, k=3 vector contributions combine
// component-wise under Add.
func TestKGreaterThanOneBlockGather(t *testing.T) {
	halos := []StaticGatherHalo{{HaloP: 1, Halo: 1}, {HaloP: 1, Halo: 1}}
	nodes := [][]SharedNode{
		{{Rank: 1, BaseID: 1, Sign: 2, NewID: 0}},
		{{Rank: 0, BaseID: 1, Sign: 2, NewID: 0}},
	}
	routers := buildRouters(t, nodes, halos)

	_, h0 := routers[0].Halo()
	_, h1 := routers[1].Halo()
	copy(asFloat64(h0), []float64{1, 2, 3})
	copy(asFloat64(h1), []float64{10, 20, 30})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, router := range routers {
		wg.Add(1)
		go func(i int, router *Router) {
			defer wg.Done()
			if err := router.Start(3, Float64, Add, Trans, true); err != nil {
				errs[i] = err
				return
			}
			errs[i] = router.Finish(3, Float64, Add, Trans, true)
		}(i, router)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: exchange failed: %v", rank, err)
		}
	}

	want := []float64{11, 22, 33}
	_, h0 = routers[0].Halo()
	_, h1 = routers[1].Halo()
	for i := range want {
		if got := asFloat64(h0)[i]; got != want[i] {
			t.Fatalf("rank 0 component %d = %v, want %v", i, got, want[i])
		}
		if got := asFloat64(h1)[i]; got != want[i] {
			t.Fatalf("rank 1 component %d = %v, want %v", i, got, want[i])
		}
	}
}

// TestRepeatedExchangeReusesLevels reproduces spec 8's repeated-exchange
// property: invoking Start/Finish twice with different ops on the same
// Router produces the same results as running each independently from
// fresh inputs.
func TestRepeatedExchangeReusesLevels(t *testing.T) {
	halos := []StaticGatherHalo{{HaloP: 1, Halo: 1}, {HaloP: 1, Halo: 1}}
	nodes := [][]SharedNode{
		{{Rank: 1, BaseID: 1, Sign: 2, NewID: 0}},
		{{Rank: 0, BaseID: 1, Sign: 2, NewID: 0}},
	}
	routers := buildRouters(t, nodes, halos)

	_, h0 := routers[0].Halo()
	_, h1 := routers[1].Halo()
	asFloat64(h0)[0] = 3
	asFloat64(h1)[0] = 7

	runExchange(t, routers, Trans) // Add: 3+7 == 10
	_, h0 = routers[0].Halo()
	_, h1 = routers[1].Halo()
	if got := asFloat64(h0)[0]; got != 10 {
		t.Fatalf("after Add: rank 0 halo = %v, want 10", got)
	}
	if got := asFloat64(h1)[0]; got != 10 {
		t.Fatalf("after Add: rank 1 halo = %v, want 10", got)
	}

	// Reseed with fresh inputs and run Max over the same levels.
	asFloat64(h0)[0] = 3
	asFloat64(h1)[0] = 7

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, router := range routers {
		wg.Add(1)
		go func(i int, router *Router) {
			defer wg.Done()
			if err := router.Start(1, Float64, Max, Trans, true); err != nil {
				errs[i] = err
				return
			}
			errs[i] = router.Finish(1, Float64, Max, Trans, true)
		}(i, router)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: second exchange failed: %v", rank, err)
		}
	}

	_, h0 = routers[0].Halo()
	_, h1 = routers[1].Halo()
	if got := asFloat64(h0)[0]; got != 7 {
		t.Fatalf("after Max: rank 0 halo = %v, want 7", got)
	}
	if got := asFloat64(h1)[0]; got != 7 {
		t.Fatalf("after Max: rank 1 halo = %v, want 7", got)
	}
}
