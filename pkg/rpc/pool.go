package rpc

import "sync"

// ClientPool caches NodeAgentClient connections by address, shared by
// the Write/Read Coordinators and the Rebalancer so that repeated calls
// to the same node reuse one grpc.ClientConn instead of dialing per
// call.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*NodeAgentClient
}

// NewClientPool creates an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[string]*NodeAgentClient)}
}

// Get returns a cached client for addr, dialing one if none exists yet.
func (p *ClientPool) Get(addr string) (*NodeAgentClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := DialNodeAgent(addr)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Close tears down every cached connection.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, addr)
	}
	return firstErr
}
