package discovery

import (
	"sync"

	"github.com/danmuck/flockctl/internal/bus"
)

// Announcer publishes this service's own presence on the registrar channel.
// Announce and Withdraw are idempotent; a withdrawn announcer stays
// withdrawn.
type Announcer struct {
	b        bus.Bus
	protocol string
	owner    string

	mu        sync.Mutex
	announced bool
	withdrawn bool
}

func NewAnnouncer(b bus.Bus, protocol, owner string) *Announcer {
	return &Announcer{b: b, protocol: protocol, owner: owner}
}

// Announce publishes the add record for this service's topic path.
func (a *Announcer) Announce() error {
	a.mu.Lock()
	if a.announced || a.withdrawn {
		a.mu.Unlock()
		return nil
	}
	a.announced = true
	a.mu.Unlock()
	return a.publish(EventAdded)
}

// Withdraw publishes the remove record. Watchers may also observe removal
// through lease timeouts, so duplicate removes are expected downstream.
func (a *Announcer) Withdraw() error {
	a.mu.Lock()
	if !a.announced || a.withdrawn {
		a.mu.Unlock()
		return nil
	}
	a.withdrawn = true
	a.mu.Unlock()
	return a.publish(EventRemoved)
}

func (a *Announcer) publish(event Event) error {
	topicPath := a.b.TopicPath()
	cmd := bus.Command{
		Name: string(event),
		Args: []string{topicPath, a.protocol, a.owner},
	}
	return a.b.Publish(bus.RegistrarTopic(bus.Namespace(topicPath)), cmd.Encode())
}
