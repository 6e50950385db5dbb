package statesync

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
)

// matchKey applies the consumer key filter: "*" or "" matches everything,
// anything else is a prefix match.
func matchKey(filter, key string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	return strings.HasPrefix(key, filter)
}

// ChangeHandler observes one cache mutation: op is "update" or "remove".
type ChangeHandler func(op, key, value string)

var consumerSeq atomic.Int64

// Consumer mirrors the filtered state of one remote producer. It subscribes
// to the remote's out topic for deltas and primes its cache with a share
// request answered on a consumer-unique sync topic.
type Consumer struct {
	b           bus.Bus
	remoteTopic string
	syncTopic   string
	filter      string

	mu       sync.Mutex
	cache    map[string]string
	handlers []ChangeHandler
	closed   bool
}

// NewConsumer attaches to remoteTopic's published state, filtered by the
// given key prefix.
func NewConsumer(b bus.Bus, remoteTopic, filter string) (*Consumer, error) {
	c := &Consumer{
		b:           b,
		remoteTopic: remoteTopic,
		syncTopic:   fmt.Sprintf("%s/sync/%d", b.TopicPath(), consumerSeq.Add(1)),
		filter:      filter,
		cache:       make(map[string]string),
	}
	if err := b.Subscribe(bus.OutTopic(remoteTopic), c.handleDelta); err != nil {
		return nil, err
	}
	if err := b.Subscribe(c.syncTopic, c.handleDelta); err != nil {
		b.Unsubscribe(bus.OutTopic(remoteTopic))
		return nil, err
	}
	share := bus.Command{Name: cmdShare, Args: []string{c.syncTopic, filter}}
	if err := b.Publish(bus.ControlTopic(remoteTopic), share.Encode()); err != nil {
		return nil, fmt.Errorf("statesync: share request: %w", err)
	}
	return c, nil
}

// Get returns the cached value for key.
func (c *Consumer) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok
}

// Snapshot copies the cache.
func (c *Consumer) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// AddHandler registers a change observer invoked after each cache mutation.
func (c *Consumer) AddHandler(h ChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Close detaches from the remote producer. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.b.Unsubscribe(bus.OutTopic(c.remoteTopic))
	c.b.Unsubscribe(c.syncTopic)
}

func (c *Consumer) handleDelta(topic string, payload []byte) {
	cmd, err := bus.ParseCommand(payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("statesync: bad delta")
		return
	}
	key := cmd.Arg(0)
	if key == "" || !matchKey(c.filter, key) {
		return
	}

	var fire []ChangeHandler
	c.mu.Lock()
	switch cmd.Name {
	case cmdUpdate:
		c.cache[key] = cmd.Arg(1)
		fire = append(fire, c.handlers...)
	case cmdRemove:
		if _, ok := c.cache[key]; ok {
			delete(c.cache, key)
			fire = append(fire, c.handlers...)
		}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	for _, h := range fire {
		h(cmd.Name, key, cmd.Arg(1))
	}
}
