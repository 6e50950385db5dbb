package lifecycle

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
	"github.com/danmuck/flockctl/internal/discovery"
	"github.com/danmuck/flockctl/internal/lease"
	"github.com/danmuck/flockctl/internal/observability"
	"github.com/danmuck/flockctl/internal/spawn"
	"github.com/danmuck/flockctl/internal/statesync"
)

const (
	// DefaultHandshakeLease bounds how long a created client may take to
	// register. Scale toward ~120s when creating large fleets in bulk.
	DefaultHandshakeLease = 10 * time.Second
	// DefaultDeletionLease bounds how long a deleted client may take to
	// disappear from discovery before it is killed.
	DefaultDeletionLease = 10 * time.Second
)

// ManagerConfig configures the lifecycle manager engine.
type ManagerConfig struct {
	HandshakeLease time.Duration
	DeletionLease  time.Duration
	// StateFilter is the key filter applied to each client's replicated
	// state when the manager consumes it.
	StateFilter string
	// ClientCommand and ClientArgs form the spawn command line; the client
	// role arguments (client <id> <manager_topic>) are appended per spawn.
	ClientCommand string
	ClientArgs    []string
	Owner         string
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeLease: DefaultHandshakeLease,
		DeletionLease:  DefaultDeletionLease,
		StateFilter:    "lifecycle",
	}
}

// ChangeHandler observes replicated-state changes of one registered client.
type ChangeHandler func(clientID int, op, key, value string)

type clientRecord struct {
	clientID  int
	topicPath string
	consumer  *statesync.Consumer
	watchKey  int
}

// Manager owns the handshake/deletion lease tables and the active client
// registry. All registry mutations republish the active count and per-client
// topic mapping through the state producer.
type Manager struct {
	cfg       ManagerConfig
	b         bus.Bus
	disco     *discovery.Discovery
	announcer *discovery.Announcer
	producer  *statesync.Producer
	spawner   spawn.Spawner
	startedAt time.Time

	handshakes *lease.Table
	deletions  *lease.Table

	mu            sync.Mutex
	nextID        int
	records       map[int]*clientRecord
	changeHandler ChangeHandler
}

// NewManager wires the manager onto its bus connection: control topic
// subscription, discovery, state producer, and the initial active count.
func NewManager(b bus.Bus, spawner spawn.Spawner, disco *discovery.Discovery, cfg ManagerConfig) (*Manager, error) {
	if cfg.HandshakeLease <= 0 {
		cfg.HandshakeLease = DefaultHandshakeLease
	}
	if cfg.DeletionLease <= 0 {
		cfg.DeletionLease = DefaultDeletionLease
	}
	m := &Manager{
		cfg:        cfg,
		b:          b,
		disco:      disco,
		announcer:  discovery.NewAnnouncer(b, ProtocolManager, cfg.Owner),
		producer:   statesync.NewProducer(b),
		spawner:    spawner,
		startedAt:  time.Now(),
		handshakes: lease.NewTable(),
		deletions:  lease.NewTable(),
		records:    make(map[int]*clientRecord),
	}
	if err := b.Subscribe(bus.ControlTopic(b.TopicPath()), m.handleControl); err != nil {
		return nil, fmt.Errorf("lifecycle: manager control subscription: %w", err)
	}
	m.producer.Update(KeyLifecycle, "initialize")
	m.producer.Update(KeyClientsActive, "0")
	observability.SetClientsActive(0)
	return m, nil
}

// Announce publishes the manager's presence and marks it ready.
func (m *Manager) Announce() error {
	if err := m.announcer.Announce(); err != nil {
		return err
	}
	m.producer.Update(KeyLifecycle, "ready")
	return nil
}

// Shutdown withdraws the manager from discovery so watching clients can
// react; outstanding leases fire or are abandoned with the process.
func (m *Manager) Shutdown() {
	if err := m.announcer.Withdraw(); err != nil {
		log.Debug().Err(err).Msg("lifecycle: manager withdraw")
	}
}

// TopicPath returns the manager's bus identity.
func (m *Manager) TopicPath() string { return m.b.TopicPath() }

// SetChangeHandler observes client state changes; set it before clients
// register, later registrations pick it up.
func (m *Manager) SetChangeHandler(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeHandler = h
}

// CreateClient allocates the next client id, spawns the client process and
// arms the handshake lease. Completion is observed later through the
// add_client control command or the lease expiry.
func (m *Manager) CreateClient() (int, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	args := append(append([]string{}, m.cfg.ClientArgs...),
		"client", strconv.Itoa(id), m.b.TopicPath())
	if err := m.spawner.Create(id, m.cfg.ClientCommand, args); err != nil {
		return 0, fmt.Errorf("lifecycle: spawn client %d: %w", id, err)
	}
	if err := m.handshakes.Arm(id, m.cfg.HandshakeLease, m.onHandshakeExpired); err != nil {
		return 0, err
	}
	observability.RecordClientCreated()
	log.Debug().Int("client_id", id).Msg("lifecycle: client created, awaiting handshake")
	return id, nil
}

// DeleteClient asks the client to stop and arms the deletion lease.
// Idempotent: a second request while one is outstanding is a no-op.
func (m *Manager) DeleteClient(id int) error {
	// Arming the lease first makes it the arbiter: of any concurrent
	// deletes for one id, only the caller that armed sends a stop request.
	err := m.deletions.Arm(id, m.cfg.DeletionLease, m.onDeletionExpired)
	if err == lease.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec := m.records[id]
	m.mu.Unlock()
	if rec != nil {
		cmd := bus.Command{Name: CommandDeleteClient}
		if err := m.b.Publish(bus.ControlTopic(rec.topicPath), cmd.Encode()); err != nil {
			log.Warn().Err(err).Int("client_id", id).Msg("lifecycle: delete request publish failed")
		}
	} else if err := m.spawner.Delete(id, false); err != nil && err != spawn.ErrUnknownProcess {
		log.Warn().Err(err).Int("client_id", id).Msg("lifecycle: delete signal failed")
	}
	return nil
}

// Clients returns the id -> topic path snapshot of the active registry.
func (m *Manager) Clients() map[int]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]string, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.topicPath
	}
	return out
}

// HandshakingClients returns the ids created but not yet registered.
func (m *Manager) HandshakingClients() []int {
	ids := m.handshakes.IDs()
	sort.Ints(ids)
	return ids
}

// ActiveCount returns the current size of the active registry.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// LookupClientState reads one value from an active client's replicated
// state. Absent keys and inactive clients report a miss, never an error.
func (m *Manager) LookupClientState(id int, key string) (string, bool) {
	m.mu.Lock()
	rec := m.records[id]
	m.mu.Unlock()
	if rec == nil || rec.consumer == nil {
		return "", false
	}
	return rec.consumer.Get(key)
}

// ClientState snapshots an active client's replicated state.
func (m *Manager) ClientState(id int) (map[string]string, bool) {
	m.mu.Lock()
	rec := m.records[id]
	m.mu.Unlock()
	if rec == nil || rec.consumer == nil {
		return nil, false
	}
	return rec.consumer.Snapshot(), true
}

// Producer exposes the manager's replicated state surface.
func (m *Manager) Producer() *statesync.Producer { return m.producer }

func (m *Manager) handleControl(topic string, payload []byte) {
	cmd, err := bus.ParseCommand(payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("lifecycle: bad control payload")
		return
	}
	switch cmd.Name {
	case CommandAddClient:
		id, err := strconv.Atoi(cmd.Arg(1))
		if err != nil || cmd.Arg(0) == "" {
			log.Debug().Str("payload", cmd.String()).Msg("lifecycle: malformed add_client")
			return
		}
		m.handleAddClient(cmd.Arg(0), id)
	default:
		if m.producer.HandleControl(cmd) {
			return
		}
		log.Debug().Str("command", cmd.Name).Msg("lifecycle: unknown control command")
	}
}

// handleAddClient completes the handshake. A client id without an armed
// handshake lease is stale (duplicate delivery, or already timed out and
// force-deleted) and is dropped without touching the registry.
func (m *Manager) handleAddClient(topicPath string, id int) {
	if !m.handshakes.Cancel(id) {
		observability.RecordHandshake("unknown")
		log.Debug().Int("client_id", id).Msg("lifecycle: client unknown")
		return
	}

	consumer, err := statesync.NewConsumer(m.b, topicPath, m.cfg.StateFilter)
	if err != nil {
		log.Warn().Err(err).Int("client_id", id).Msg("lifecycle: client state consumer failed")
		consumer = nil
	}
	watchKey := m.disco.AddHandler(
		discovery.Filter{TopicPaths: []string{topicPath}}, m.onServiceChange)

	m.mu.Lock()
	if consumer != nil && m.changeHandler != nil {
		handler := m.changeHandler
		consumer.AddHandler(func(op, key, value string) {
			handler(id, op, key, value)
		})
	}
	m.records[id] = &clientRecord{
		clientID:  id,
		topicPath: topicPath,
		consumer:  consumer,
		watchKey:  watchKey,
	}
	active := len(m.records)
	// Publish while holding the lock so concurrent registry mutations
	// cannot reorder the active-count updates they emit.
	m.producer.Update(KeyClientsActive, strconv.Itoa(active))
	m.producer.Update(clientKey(id), topicPath)
	m.mu.Unlock()

	observability.SetClientsActive(active)
	observability.RecordHandshake("completed")
	log.Debug().Int("client_id", id).Str("topic", topicPath).Msg("lifecycle: client responded")
}

// onServiceChange handles discovery events for watched client topics.
// Duplicate removed events find no record and fall through as no-ops.
func (m *Manager) onServiceChange(event discovery.Event, rec discovery.Record) {
	if event != discovery.EventRemoved {
		return
	}
	m.mu.Lock()
	var found *clientRecord
	for _, r := range m.records {
		if r.topicPath == rec.TopicPath {
			found = r
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return
	}
	// Cancel the deletion lease before touching the record: a lease that
	// fires after this point must not re-kill a gracefully removed client.
	graceful := m.deletions.Cancel(found.clientID)
	if m.removeRecord(found.clientID) {
		if graceful {
			log.Debug().Int("client_id", found.clientID).Msg("lifecycle: client removed")
		} else {
			log.Debug().Int("client_id", found.clientID).Msg("lifecycle: client disappeared")
		}
	}
}

// onHandshakeExpired fires when a created client never registered. No
// record exists yet, so there is nothing to republish.
func (m *Manager) onHandshakeExpired(id int) {
	observability.RecordLeaseExpiry("handshake")
	observability.RecordHandshake("timeout")
	observability.RecordForcedKill("handshake_timeout")
	if err := m.spawner.Delete(id, true); err != nil && err != spawn.ErrUnknownProcess {
		log.Warn().Err(err).Int("client_id", id).Msg("lifecycle: handshake kill failed")
	}
	log.Debug().Int("client_id", id).Msg("lifecycle: client handshake failed")
}

// onDeletionExpired fires when a deleted client was never confirmed gone by
// discovery. The client is killed and a still-present registry record is
// purged here rather than left to a discovery event that may never arrive.
func (m *Manager) onDeletionExpired(id int) {
	observability.RecordLeaseExpiry("deletion")
	observability.RecordForcedKill("deletion_timeout")
	if err := m.spawner.Delete(id, true); err != nil && err != spawn.ErrUnknownProcess {
		log.Warn().Err(err).Int("client_id", id).Msg("lifecycle: deletion kill failed")
	}
	m.removeRecord(id)
	log.Debug().Int("client_id", id).Msg("lifecycle: deletion lease expired, client force-deleted")
}

// removeRecord tears down one active record and republishes the count and
// topic mapping. Returns false when no record existed.
func (m *Manager) removeRecord(id int) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.records, id)
	active := len(m.records)
	m.producer.Update(KeyClientsActive, strconv.Itoa(active))
	m.producer.Remove(clientKey(id))
	m.mu.Unlock()

	if rec.consumer != nil {
		rec.consumer.Close()
	}
	m.disco.RemoveHandler(rec.watchKey)
	observability.SetClientsActive(active)
	return true
}
