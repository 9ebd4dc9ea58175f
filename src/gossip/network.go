// Package gossip defines the network facade the node runtime speaks:
// topic pub/sub with bounded inboxes, request/response protocols, and
// provider-ranked content fetches. The in-memory implementation wires nodes
// together for tests; production transports implement the same interface.
package gossip

import (
	"sync"
)

// Handler serves one request protocol.
type Handler func(from string, payload []byte) ([]byte, error)

// Message is one received gossip payload.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// Network is the transport facade.
type Network interface {
	// Publish sends payload to every subscriber of topic on other nodes.
	// Publishing never blocks on slow subscribers.
	Publish(topic string, payload []byte) error

	// Subscribe returns a bounded-inbox subscription for topic.
	Subscribe(topic string, capacity int) *Subscription

	// Request sends payload to any node serving protocol.
	Request(protocol string, payload []byte) ([]byte, error)

	// RequestWithProviders tries the given providers in order until one
	// answers.
	RequestWithProviders(protocol string, payload []byte, providers []string) ([]byte, error)

	// RegisterHandler installs the local handler for protocol.
	RegisterHandler(protocol string, handler Handler)

	// LocalID returns this node's network identity.
	LocalID() string
}

// Subscription holds a bounded FIFO inbox. When the inbox is full the oldest
// message is evicted so publishers never block.
type Subscription struct {
	sync.Mutex
	topic    string
	capacity int
	inbox    []Message
	dropped  uint64
}

func newSubscription(topic string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscription{
		topic:    topic,
		capacity: capacity,
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) deliver(msg Message) {
	s.Lock()
	defer s.Unlock()

	if len(s.inbox) >= s.capacity {
		s.inbox = s.inbox[1:]
		s.dropped++
	}
	s.inbox = append(s.inbox, msg)
}

// Poll removes and returns the oldest buffered message.
func (s *Subscription) Poll() (Message, bool) {
	s.Lock()
	defer s.Unlock()

	if len(s.inbox) == 0 {
		return Message{}, false
	}
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return msg, true
}

// Drain removes and returns every buffered message in order.
func (s *Subscription) Drain() []Message {
	s.Lock()
	defer s.Unlock()

	out := s.inbox
	s.inbox = nil
	return out
}

// Len returns the number of buffered messages.
func (s *Subscription) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.inbox)
}

// Dropped returns how many messages were evicted from a full inbox.
func (s *Subscription) Dropped() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.dropped
}
