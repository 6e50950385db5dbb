package bus

import (
	"sync"
)

// Broker is an in-process loopback bus used by tests and single-process
// deployments. Delivery per connection is serialized through one goroutine
// so subscriber handlers never run concurrently with each other.
type Broker struct {
	mu    sync.Mutex
	conns map[*MemoryConn]struct{}
}

func NewBroker() *Broker {
	return &Broker{conns: make(map[*MemoryConn]struct{})}
}

// Connect attaches a new connection with the given topic-path identity.
func (b *Broker) Connect(topicPath string) *MemoryConn {
	c := &MemoryConn{
		broker:    b,
		topicPath: topicPath,
		handlers:  make(map[string]Handler),
		wake:      make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	go c.deliverLoop()
	return c
}

func (b *Broker) publish(topic string, payload []byte) {
	b.mu.Lock()
	targets := make([]*MemoryConn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()
	for _, c := range targets {
		c.enqueue(event{topic: topic, payload: payload})
	}
}

func (b *Broker) drop(c *MemoryConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type event struct {
	topic   string
	payload []byte
	fn      func()
}

// MemoryConn implements Bus against an in-process Broker.
type MemoryConn struct {
	broker    *Broker
	topicPath string

	mu       sync.Mutex
	handlers map[string]Handler
	queue    []event
	closed   bool
	wake     chan struct{}
}

var _ Bus = (*MemoryConn)(nil)

func (c *MemoryConn) TopicPath() string { return c.topicPath }

func (c *MemoryConn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.publish(topic, payload)
	return nil
}

func (c *MemoryConn) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.handlers[topic] = h
	return nil
}

func (c *MemoryConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[topic]; !ok {
		return ErrNotSubscribed
	}
	delete(c.handlers, topic)
	return nil
}

// OnConnected fires fn on the delivery goroutine. The loopback broker is
// connected from construction, so the edge triggers immediately.
func (c *MemoryConn) OnConnected(fn func()) {
	c.enqueue(event{fn: fn})
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.broker.drop(c)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *MemoryConn) enqueue(ev event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryConn) deliverLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.mu.Unlock()
			<-c.wake
			c.mu.Lock()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		var h Handler
		if ev.fn == nil {
			h = c.handlers[ev.topic]
		}
		c.mu.Unlock()

		if ev.fn != nil {
			ev.fn()
			continue
		}
		if h != nil {
			h(ev.topic, ev.payload)
		}
	}
}
