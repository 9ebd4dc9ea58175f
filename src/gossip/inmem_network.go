package gossip

import (
	"fmt"
	"sync"
)

// InmemHub connects InmemNetworks in one process, the way nodes are wired in
// tests.
type InmemHub struct {
	sync.RWMutex
	nodes map[string]*InmemNetwork
}

// NewInmemHub creates an empty hub.
func NewInmemHub() *InmemHub {
	return &InmemHub{nodes: map[string]*InmemNetwork{}}
}

// Join creates a network attached to this hub under the given node id.
func (h *InmemHub) Join(nodeID string) *InmemNetwork {
	n := &InmemNetwork{
		hub:      h,
		localID:  nodeID,
		handlers: map[string]Handler{},
	}
	h.Lock()
	h.nodes[nodeID] = n
	h.Unlock()
	return n
}

// Disconnect removes a node from the hub; its requests start failing.
func (h *InmemHub) Disconnect(nodeID string) {
	h.Lock()
	delete(h.nodes, nodeID)
	h.Unlock()
}

func (h *InmemHub) others(nodeID string) []*InmemNetwork {
	h.RLock()
	defer h.RUnlock()
	out := make([]*InmemNetwork, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id != nodeID {
			out = append(out, n)
		}
	}
	return out
}

func (h *InmemHub) node(nodeID string) (*InmemNetwork, bool) {
	h.RLock()
	defer h.RUnlock()
	n, ok := h.nodes[nodeID]
	return n, ok
}

// InmemNetwork implements Network over an InmemHub.
type InmemNetwork struct {
	sync.RWMutex
	hub      *InmemHub
	localID  string
	subs     []*Subscription
	handlers map[string]Handler
}

func (n *InmemNetwork) LocalID() string {
	return n.localID
}

func (n *InmemNetwork) Publish(topic string, payload []byte) error {
	msg := Message{Topic: topic, From: n.localID, Payload: append([]byte{}, payload...)}
	for _, peer := range n.hub.others(n.localID) {
		peer.deliver(msg)
	}
	return nil
}

func (n *InmemNetwork) deliver(msg Message) {
	n.RLock()
	defer n.RUnlock()
	for _, sub := range n.subs {
		if sub.topic == msg.Topic {
			sub.deliver(msg)
		}
	}
}

func (n *InmemNetwork) Subscribe(topic string, capacity int) *Subscription {
	sub := newSubscription(topic, capacity)
	n.Lock()
	n.subs = append(n.subs, sub)
	n.Unlock()
	return sub
}

func (n *InmemNetwork) RegisterHandler(protocol string, handler Handler) {
	n.Lock()
	n.handlers[protocol] = handler
	n.Unlock()
}

func (n *InmemNetwork) handle(protocol, from string, payload []byte) ([]byte, error) {
	n.RLock()
	handler, ok := n.handlers[protocol]
	n.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for protocol %s on %s", protocol, n.localID)
	}
	return handler(from, payload)
}

func (n *InmemNetwork) Request(protocol string, payload []byte) ([]byte, error) {
	var lastErr error
	for _, peer := range n.hub.others(n.localID) {
		resp, err := peer.handle(protocol, n.localID, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no peers serve protocol %s", protocol)
	}
	return nil, lastErr
}

func (n *InmemNetwork) RequestWithProviders(protocol string, payload []byte, providers []string) ([]byte, error) {
	var lastErr error
	for _, providerID := range providers {
		if providerID == n.localID {
			continue
		}
		peer, ok := n.hub.node(providerID)
		if !ok {
			lastErr = fmt.Errorf("provider %s not reachable", providerID)
			continue
		}
		resp, err := peer.handle(protocol, n.localID, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers for protocol %s", protocol)
	}
	return nil, lastErr
}
