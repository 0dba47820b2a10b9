package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chorny/shardcache/kepaxos"
)

// Memory is an in-process transport: a shared registry of peer name ->
// *kepaxos.Engine. Register every engine in the cluster, then bind each
// engine's Callbacks.Send to m.SendFrom(name) so replies route back to
// the right originator.
//
// Unregister simulates a peer going offline: Send silently drops
// messages addressed to an unregistered peer, exactly as a real
// transport would eventually time out against a peer that isn't there.
type Memory struct {
	mu    sync.RWMutex
	peers map[string]*kepaxos.Engine
}

// NewMemory returns an empty transport.
func NewMemory() *Memory {
	return &Memory{peers: make(map[string]*kepaxos.Engine)}
}

// Register makes name's engine reachable, for both outbound fan-out and
// inbound delivery.
func (m *Memory) Register(name string, e *kepaxos.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[name] = e
}

// Unregister takes name offline: Send to it is silently dropped, and it
// can no longer act as a response target.
func (m *Memory) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, name)
}

// SendFrom returns a kepaxos.Callbacks.Send bound to from, so that any
// response a recipient produces is routed back to from's own engine,
// mirroring the real round-trip a network transport provides.
func (m *Memory) SendFrom(from string) func(recipients []string, payload []byte) error {
	return func(recipients []string, payload []byte) error {
		return m.send(from, recipients, payload)
	}
}

func (m *Memory) send(from string, recipients []string, payload []byte) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, r := range recipients {
		r := r
		g.Go(func() error {
			m.mu.RLock()
			peer, ok := m.peers[r]
			m.mu.RUnlock()
			if !ok {
				return nil // offline peer: dropped, not an error
			}
			resp, err := peer.ReceivedCommand(payload)
			if err != nil || resp == nil {
				return nil
			}
			m.mu.RLock()
			sender, ok := m.peers[from]
			m.mu.RUnlock()
			if !ok {
				return nil
			}
			return sender.ReceivedResponse(resp)
		})
	}
	return g.Wait()
}
