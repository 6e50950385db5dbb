package lifecycle

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
	"github.com/danmuck/flockctl/internal/discovery"
	"github.com/danmuck/flockctl/internal/statesync"
)

// Phase describes client runtime phase transitions.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseHandshaking  Phase = "handshaking"
	PhaseRegistered   Phase = "registered"
)

// ClientConfig configures the client protocol engine.
type ClientConfig struct {
	ClientID     int
	ManagerTopic string
	Owner        string
}

// Client implements the client side of the handshake. It publishes exactly
// one add_client command on the first bus-connected edge and watches the
// manager's topic to detect manager disappearance. There is no handshake
// acknowledgment: a lost command is recovered only by the manager's
// handshake lease killing this process.
type Client struct {
	cfg       ClientConfig
	b         bus.Bus
	disco     *discovery.Discovery
	announcer *discovery.Announcer
	producer  *statesync.Producer

	mu    sync.Mutex
	phase Phase
	added bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wires the client onto its bus connection and waits for the
// connected edge to run the handshake.
func NewClient(b bus.Bus, disco *discovery.Discovery, cfg ClientConfig) (*Client, error) {
	if cfg.ManagerTopic == "" {
		return nil, fmt.Errorf("lifecycle: client requires a manager topic")
	}
	c := &Client{
		cfg:       cfg,
		b:         b,
		disco:     disco,
		announcer: discovery.NewAnnouncer(b, ProtocolClient, cfg.Owner),
		producer:  statesync.NewProducer(b),
		phase:     PhaseConnecting,
		done:      make(chan struct{}),
	}
	c.producer.Update(KeyManagerTopic, cfg.ManagerTopic)
	c.producer.Update(KeyLifecycle, "initialize")
	if err := b.Subscribe(bus.ControlTopic(b.TopicPath()), c.handleControl); err != nil {
		return nil, fmt.Errorf("lifecycle: client control subscription: %w", err)
	}
	b.OnConnected(c.onConnected)
	return c, nil
}

// ID returns the manager-assigned client id.
func (c *Client) ID() int { return c.cfg.ClientID }

// Phase returns the current protocol phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done closes when the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Producer exposes the client's replicated state surface.
func (c *Client) Producer() *statesync.Producer { return c.producer }

// onConnected runs the one-shot handshake. The added guard keeps transport
// reconnect edges from re-sending the command.
func (c *Client) onConnected() {
	c.mu.Lock()
	if c.added {
		c.mu.Unlock()
		return
	}
	c.added = true
	c.phase = PhaseHandshaking
	c.mu.Unlock()

	cmd := bus.Command{
		Name: CommandAddClient,
		Args: []string{c.b.TopicPath(), strconv.Itoa(c.cfg.ClientID)},
	}
	if err := c.b.Publish(bus.ControlTopic(c.cfg.ManagerTopic), cmd.Encode()); err != nil {
		log.Warn().Err(err).Int("client_id", c.cfg.ClientID).
			Msg("lifecycle: handshake publish failed")
	}

	c.disco.AddHandler(
		discovery.Filter{TopicPaths: []string{c.cfg.ManagerTopic}}, c.onManagerChange)
	if err := c.announcer.Announce(); err != nil {
		log.Warn().Err(err).Int("client_id", c.cfg.ClientID).Msg("lifecycle: announce failed")
	}
	c.producer.Update(KeyLifecycle, "ready")

	c.mu.Lock()
	c.phase = PhaseRegistered
	c.mu.Unlock()
	log.Debug().Int("client_id", c.cfg.ClientID).
		Str("manager", c.cfg.ManagerTopic).Msg("lifecycle: handshake sent")
}

// onManagerChange exits the client when its manager disappears from
// discovery. A client has no purpose once its manager is gone.
func (c *Client) onManagerChange(event discovery.Event, rec discovery.Record) {
	if event != discovery.EventRemoved {
		return
	}
	log.Info().Int("client_id", c.cfg.ClientID).
		Str("manager", rec.TopicPath).Msg("lifecycle: manager gone, shutting down")
	c.Shutdown()
}

func (c *Client) handleControl(topic string, payload []byte) {
	cmd, err := bus.ParseCommand(payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("lifecycle: bad control payload")
		return
	}
	switch cmd.Name {
	case CommandDeleteClient:
		log.Debug().Int("client_id", c.cfg.ClientID).Msg("lifecycle: delete requested")
		c.Shutdown()
	default:
		if c.producer.HandleControl(cmd) {
			return
		}
		log.Debug().Str("command", cmd.Name).Msg("lifecycle: unknown control command")
	}
}

// Shutdown withdraws the client from discovery and signals Done. Idempotent.
func (c *Client) Shutdown() {
	c.closeOnce.Do(func() {
		if err := c.announcer.Withdraw(); err != nil {
			log.Debug().Err(err).Int("client_id", c.cfg.ClientID).Msg("lifecycle: withdraw failed")
		}
		c.mu.Lock()
		c.phase = PhaseDisconnected
		c.mu.Unlock()
		close(c.done)
	})
}
