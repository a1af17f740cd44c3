package watch

import (
	"sort"
	"sync"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
)

// Change describes how a heartbeat altered the peer table.
type Change int

const (
	PeerUnchanged Change = iota
	PeerJoined
	PeerRestarted
)

// Peer is the last known state of a remote node.
type Peer struct {
	Node      bus.NodeID
	Heartbeat dsdl.Heartbeat
	FirstSeen time.Time
	LastSeen  time.Time
	Online    bool
	Restarts  int
}

// Registry tracks peers by their heartbeats. A peer is online from its first
// heartbeat until it stays silent for longer than the offline timeout.
// It is safe for concurrent use.
type Registry struct {
	timeout time.Duration

	mu    sync.Mutex
	peers map[bus.NodeID]*Peer
}

func NewRegistry(offlineTimeout time.Duration) *Registry {
	return &Registry{timeout: offlineTimeout, peers: make(map[bus.NodeID]*Peer)}
}

// Observe records a heartbeat from src received at at. A peer that was
// unknown or offline is reported as joined; a peer whose uptime went
// backwards is reported as restarted.
func (r *Registry) Observe(src bus.NodeID, hb dsdl.Heartbeat, at time.Time) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[src]
	if !ok {
		r.peers[src] = &Peer{Node: src, Heartbeat: hb, FirstSeen: at, LastSeen: at, Online: true}
		return PeerJoined
	}

	change := PeerUnchanged
	switch {
	case !p.Online:
		change = PeerJoined
	case hb.Uptime < p.Heartbeat.Uptime:
		p.Restarts++
		change = PeerRestarted
	}
	p.Heartbeat = hb
	p.LastSeen = at
	p.Online = true
	return change
}

// Sweep marks peers silent for longer than the timeout as offline and
// returns them, ordered by node ID. Each peer is returned once per outage.
func (r *Registry) Sweep(now time.Time) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Peer
	for _, p := range r.peers {
		if p.Online && now.Sub(p.LastSeen) > r.timeout {
			p.Online = false
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Peers returns a snapshot of every known peer, ordered by node ID.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Online counts peers currently considered alive.
func (r *Registry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.peers {
		if p.Online {
			n++
		}
	}
	return n
}

func (r *Registry) peer(id bus.NodeID) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return *p
	}
	return Peer{Node: id}
}
