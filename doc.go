// Package crystalrouter implements a crystal-router halo-exchange engine:
// a distributed gather/scatter primitive that reduces partial
// contributions from every rank sharing a mesh node and delivers the
// combined value back to each participant, in ceil(log2(P)) rounds of
// recursive hypercube folding.
//
// Setup (see setup.go) negotiates, over P ranks, which shared nodes each
// rank must forward to its hypercube partner at each round, coalescing
// re-arriving copies of the same global node and building a gather
// descriptor per round. Exchange (see exchange.go) drives the steady
// state: post sends/receives for the round, fold the received
// contribution into the halo via the round's gather descriptor, repeat.
package crystalrouter
