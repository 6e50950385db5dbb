// Package discovery tracks appearance and disappearance of named services on
// the bus. Services announce themselves on the namespace registrar topic;
// watchers filter those announcements by exact topic path. Delivery is
// at-least-once: a removed record may be reported more than once and
// consumers must treat duplicates as no-ops.
package discovery

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
)

type Event string

const (
	EventAdded   Event = "add"
	EventRemoved Event = "remove"
)

// Record describes one announced service.
type Record struct {
	TopicPath string
	Protocol  string
	Owner     string
}

// Handler receives filtered discovery events.
type Handler func(event Event, rec Record)

// Filter selects services by exact topic path. An empty set matches nothing.
type Filter struct {
	TopicPaths []string
}

func (f Filter) matches(topicPath string) bool {
	for _, p := range f.TopicPaths {
		if p == topicPath {
			return true
		}
	}
	return false
}

type watcher struct {
	filter  Filter
	handler Handler
}

// Discovery multiplexes the registrar topic of one bus connection across any
// number of filtered watchers.
type Discovery struct {
	b bus.Bus

	mu       sync.Mutex
	watchers map[int]*watcher
	nextKey  int
}

// New subscribes to the namespace registrar channel and starts dispatching.
func New(b bus.Bus) (*Discovery, error) {
	d := &Discovery{
		b:        b,
		watchers: make(map[int]*watcher),
	}
	topic := bus.RegistrarTopic(bus.Namespace(b.TopicPath()))
	if err := b.Subscribe(topic, d.handleRegistrar); err != nil {
		return nil, err
	}
	return d, nil
}

// AddHandler registers a filtered watcher and returns a key for removal.
func (d *Discovery) AddHandler(filter Filter, h Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextKey
	d.nextKey++
	d.watchers[key] = &watcher{filter: filter, handler: h}
	return key
}

// RemoveHandler drops a watcher; unknown keys are ignored.
func (d *Discovery) RemoveHandler(key int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchers, key)
}

func (d *Discovery) handleRegistrar(topic string, payload []byte) {
	cmd, err := bus.ParseCommand(payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("discovery: bad payload")
		return
	}
	var event Event
	switch cmd.Name {
	case string(EventAdded):
		event = EventAdded
	case string(EventRemoved):
		event = EventRemoved
	default:
		return
	}
	rec := Record{
		TopicPath: cmd.Arg(0),
		Protocol:  cmd.Arg(1),
		Owner:     cmd.Arg(2),
	}
	if rec.TopicPath == "" {
		return
	}

	d.mu.Lock()
	matched := make([]Handler, 0, len(d.watchers))
	for _, w := range d.watchers {
		if w.filter.matches(rec.TopicPath) {
			matched = append(matched, w.handler)
		}
	}
	d.mu.Unlock()
	for _, h := range matched {
		h(event, rec)
	}
}
