package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aura-broadcast/backend/internal/drift"
)

type peer struct {
	offset float64
	at     time.Time
	local  bool
	// synced is set once a SYNC has been pushed for the current report.
	synced bool
}

// group is the fan-out set for one contentRef. Membership is a copy-on-write
// slice so broadcasts iterate without holding any lock.
type group struct {
	contentRef string
	clients    atomic.Pointer[[]*Client]

	mu     sync.Mutex
	peers  map[uuid.UUID]*peer
	cancel func() // bridge subscription
	closed bool
}

func newGroup(contentRef string) *group {
	g := &group{contentRef: contentRef, peers: make(map[uuid.UUID]*peer)}
	empty := []*Client{}
	g.clients.Store(&empty)
	return g
}

func (g *group) snapshot() []*Client {
	return *g.clients.Load()
}

// add and remove must be called with g.mu held.
func (g *group) add(c *Client) {
	cur := g.snapshot()
	next := make([]*Client, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, c)
	g.clients.Store(&next)
}

func (g *group) remove(c *Client) int {
	cur := g.snapshot()
	next := make([]*Client, 0, len(cur))
	for _, x := range cur {
		if x != c {
			next = append(next, x)
		}
	}
	g.clients.Store(&next)
	return len(next)
}

// record stores a peer report and returns the offsets of every peer that
// reported within staleAfter of now.
func (g *group) record(sessionID uuid.UUID, offset float64, now time.Time, local bool, staleAfter time.Duration) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[sessionID]
	if !ok {
		p = &peer{}
		g.peers[sessionID] = p
	}
	p.offset, p.at, p.local, p.synced = offset, now, local, false

	offsets := make([]float64, 0, len(g.peers))
	for id, q := range g.peers {
		if now.Sub(q.at) > staleAfter {
			delete(g.peers, id)
			continue
		}
		offsets = append(offsets, q.offset)
	}
	return offsets
}

// laggards marks and returns the local sessions whose last report sits more
// than threshold behind reference and that have not been pushed a SYNC since.
func (g *group) laggards(reference, threshold float64) []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []uuid.UUID
	for id, p := range g.peers {
		if p.local && !p.synced && drift.Behind(reference, p.offset, threshold) {
			p.synced = true
			out = append(out, id)
		}
	}
	return out
}

// holds reports whether a connection in the group is registered on
// sessionID. g.mu must be held.
func (g *group) holds(sessionID uuid.UUID) bool {
	for _, c := range g.snapshot() {
		if sid, _ := c.membership(); sid == sessionID {
			return true
		}
	}
	return false
}

// peer returns a copy of the peer entry for sessionID.
func (g *group) peer(sessionID uuid.UUID) (peer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[sessionID]
	if !ok {
		return peer{}, false
	}
	return *p, true
}

// peerCount is used by tests and the hub stats.
func (g *group) peerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}
