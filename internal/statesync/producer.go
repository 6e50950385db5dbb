// Package statesync replicates a service's key/value state to remote
// observers over the bus. A Producer owns the authoritative map and
// publishes deltas on its out topic; a Consumer keeps a read-through cache
// of one remote producer, primed by a share request. Keys and values are
// single tokens (no whitespace).
package statesync

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
)

const (
	cmdUpdate = "update"
	cmdRemove = "remove"
	cmdShare  = "share"
)

// Producer publishes this service's state fields.
type Producer struct {
	b        bus.Bus
	outTopic string

	mu    sync.Mutex
	state map[string]string
}

func NewProducer(b bus.Bus) *Producer {
	return &Producer{
		b:        b,
		outTopic: bus.OutTopic(b.TopicPath()),
		state:    make(map[string]string),
	}
}

// Update sets key and publishes the delta.
func (p *Producer) Update(key, value string) {
	p.mu.Lock()
	p.state[key] = value
	p.mu.Unlock()
	p.publish(bus.Command{Name: cmdUpdate, Args: []string{key, value}})
}

// Remove deletes key and publishes the removal.
func (p *Producer) Remove(key string) {
	p.mu.Lock()
	_, ok := p.state[key]
	delete(p.state, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.publish(bus.Command{Name: cmdRemove, Args: []string{key}})
}

// Get returns the local value for key.
func (p *Producer) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.state[key]
	return v, ok
}

// Snapshot copies the current state map.
func (p *Producer) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out
}

// HandleControl serves a share request arriving on the owner's control
// topic. The owner routes control commands; HandleControl reports whether
// the command belonged to the producer.
func (p *Producer) HandleControl(cmd bus.Command) bool {
	if cmd.Name != cmdShare {
		return false
	}
	replyTopic := cmd.Arg(0)
	filter := cmd.Arg(1)
	if replyTopic == "" {
		log.Debug().Msg("statesync: share request without reply topic")
		return true
	}

	p.mu.Lock()
	keys := make([]string, 0, len(p.state))
	for k := range p.state {
		if matchKey(filter, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	items := make([]bus.Command, 0, len(keys))
	for _, k := range keys {
		items = append(items, bus.Command{Name: cmdUpdate, Args: []string{k, p.state[k]}})
	}
	p.mu.Unlock()

	for _, item := range items {
		if err := p.b.Publish(replyTopic, item.Encode()); err != nil {
			log.Warn().Err(err).Str("reply", replyTopic).Msg("statesync: share reply failed")
			return true
		}
	}
	return true
}

func (p *Producer) publish(cmd bus.Command) {
	if err := p.b.Publish(p.outTopic, cmd.Encode()); err != nil {
		log.Warn().Err(err).Str("topic", p.outTopic).Msg("statesync: publish failed")
	}
}
