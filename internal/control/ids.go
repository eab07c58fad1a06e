package control

import "sync/atomic"

// idGenerator mints process-unique uint64 handles for /create-handle and
// /init. In a real deployment the host SFU mints these; SPEC_FULL keeps
// the host-SFU ABI as an interface boundary with no concrete host
// process, so the control surface stands in for that role here.
type idGenerator struct {
	next atomic.Uint64
}

func newIDGenerator() *idGenerator { return &idGenerator{} }

func (g *idGenerator) Next() uint64 { return g.next.Add(1) }
