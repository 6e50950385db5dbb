package lifecycle

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/flockctl/internal/bus"
	"github.com/danmuck/flockctl/internal/discovery"
	"github.com/danmuck/flockctl/internal/spawn"
	"github.com/danmuck/flockctl/internal/statesync"
	"github.com/danmuck/flockctl/internal/testutil/testlog"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

type spawnCall struct {
	id   int
	kill bool
}

// fakeSpawner records create/delete requests without launching processes.
type fakeSpawner struct {
	mu      sync.Mutex
	created []int
	deleted []spawnCall
}

var _ spawn.Spawner = (*fakeSpawner)(nil)

func (f *fakeSpawner) Create(id int, command string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil
}

func (f *fakeSpawner) Delete(id int, kill bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, spawnCall{id: id, kill: kill})
	return nil
}

func (f *fakeSpawner) kills() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.deleted {
		if c.kill {
			out = append(out, c.id)
		}
	}
	return out
}

func (f *fakeSpawner) killedOnce(id int) bool {
	for _, k := range f.kills() {
		if k == id {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *fakeSpawner, *bus.Broker) {
	t.Helper()
	testlog.Start(t)
	broker := bus.NewBroker()
	conn := broker.Connect("flock/test/1")
	t.Cleanup(func() { conn.Close() })

	disco, err := discovery.New(conn)
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	fs := &fakeSpawner{}
	cfg.ClientCommand = "fake-client"
	mgr, err := NewManager(conn, fs, disco, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, fs, broker
}

// handshake plays the client side of the protocol from its own connection:
// a state producer answering share requests plus the add_client command.
func handshake(t *testing.T, broker *bus.Broker, mgr *Manager, id int, topicPath string) *bus.MemoryConn {
	t.Helper()
	conn := broker.Connect(topicPath)
	t.Cleanup(func() { conn.Close() })

	p := statesync.NewProducer(conn)
	p.Update(KeyLifecycle, "ready")
	err := conn.Subscribe(bus.ControlTopic(topicPath), func(_ string, payload []byte) {
		if cmd, err := bus.ParseCommand(payload); err == nil {
			p.HandleControl(cmd)
		}
	})
	if err != nil {
		t.Fatalf("client control: %v", err)
	}

	cmd := bus.Command{Name: CommandAddClient, Args: []string{topicPath, strconv.Itoa(id)}}
	if err := conn.Publish(bus.ControlTopic(mgr.TopicPath()), cmd.Encode()); err != nil {
		t.Fatalf("handshake publish: %v", err)
	}
	return conn
}

func publishRemoved(t *testing.T, conn *bus.MemoryConn, topicPath string) {
	t.Helper()
	cmd := bus.Command{Name: string(discovery.EventRemoved), Args: []string{topicPath, "p", "o"}}
	if err := conn.Publish(bus.RegistrarTopic("flock"), cmd.Encode()); err != nil {
		t.Fatalf("publish removed: %v", err)
	}
}

func producerValue(t *testing.T, mgr *Manager, key string) string {
	t.Helper()
	v, _ := mgr.Producer().Get(key)
	return v
}

func TestClientIDsMonotonicNeverReused(t *testing.T) {
	mgr, _, broker := newTestManager(t, DefaultManagerConfig())

	var ids []int
	for i := 0; i < 3; i++ {
		id, err := mgr.CreateClient()
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		if id != i {
			t.Fatalf("ids not sequential from 0: %v", ids)
		}
	}

	// Register then remove id 1; the next id must still advance.
	conn := handshake(t, broker, mgr, 1, "flock/test/c1")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })
	publishRemoved(t, conn, "flock/test/c1")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 0 })

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 3 {
		t.Fatalf("id after deletion = %d, want 3", id)
	}
}

func TestHandshakeCompletion(t *testing.T) {
	mgr, fs, broker := newTestManager(t, DefaultManagerConfig())

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := mgr.HandshakingClients(); len(got) != 1 || got[0] != id {
		t.Fatalf("handshaking = %v, want [%d]", got, id)
	}

	handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	if len(mgr.HandshakingClients()) != 0 {
		t.Fatalf("handshake lease not cleared: %v", mgr.HandshakingClients())
	}
	clients := mgr.Clients()
	if clients[id] != "flock/test/c0" {
		t.Fatalf("registry = %v", clients)
	}
	if got := producerValue(t, mgr, KeyClientsActive); got != "1" {
		t.Fatalf("published active count = %q, want 1", got)
	}
	if got := producerValue(t, mgr, clientKey(id)); got != "flock/test/c0" {
		t.Fatalf("published topic mapping = %q", got)
	}
	if len(fs.kills()) != 0 {
		t.Fatalf("unexpected kills: %v", fs.kills())
	}
}

func TestHandshakeTimeoutForcesKill(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.HandshakeLease = 40 * time.Millisecond
	mgr, fs, _ := newTestManager(t, cfg)

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fs.killedOnce(id) })

	if len(mgr.HandshakingClients()) != 0 {
		t.Fatalf("expired handshake still pending: %v", mgr.HandshakingClients())
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("timed-out client in registry")
	}
	if got := producerValue(t, mgr, KeyClientsActive); got != "0" {
		t.Fatalf("published active count = %q, want 0", got)
	}
}

func TestStaleHandshakeIgnored(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.HandshakeLease = 30 * time.Millisecond
	mgr, fs, broker := newTestManager(t, cfg)

	// Unknown id: never created.
	handshake(t, broker, mgr, 9, "flock/test/c9")
	time.Sleep(20 * time.Millisecond)
	if mgr.ActiveCount() != 0 {
		t.Fatalf("unknown handshake mutated registry")
	}

	// Late id: created but already timed out and force-deleted.
	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fs.killedOnce(id) })
	handshake(t, broker, mgr, id, "flock/test/c0")
	time.Sleep(20 * time.Millisecond)
	if mgr.ActiveCount() != 0 {
		t.Fatalf("late handshake mutated registry")
	}
}

func TestDeleteClientIdempotent(t *testing.T) {
	mgr, fs, broker := newTestManager(t, DefaultManagerConfig())

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	// Probe counts stop requests arriving at the client's control topic.
	probe := broker.Connect("flock/test/probe")
	t.Cleanup(func() { probe.Close() })
	var mu sync.Mutex
	stops := 0
	err = probe.Subscribe(bus.ControlTopic("flock/test/c0"), func(_ string, payload []byte) {
		if cmd, err := bus.ParseCommand(payload); err == nil && cmd.Name == CommandDeleteClient {
			mu.Lock()
			stops++
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("probe subscribe: %v", err)
	}

	if err := mgr.DeleteClient(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mgr.DeleteClient(id); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stops >= 1
	})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if stops != 1 {
		mu.Unlock()
		t.Fatalf("stop requests = %d, want exactly 1", stops)
	}
	mu.Unlock()
	if mgr.deletions.Len() != 1 {
		t.Fatalf("deletion leases = %d, want 1", mgr.deletions.Len())
	}
	if len(fs.kills()) != 0 {
		t.Fatalf("idempotent delete must not kill: %v", fs.kills())
	}
	mgr.deletions.Cancel(id)
}

func TestConcurrentDeleteSingleStopRequest(t *testing.T) {
	mgr, fs, broker := newTestManager(t, DefaultManagerConfig())

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	probe := broker.Connect("flock/test/probe")
	t.Cleanup(func() { probe.Close() })
	var mu sync.Mutex
	stops := 0
	err = probe.Subscribe(bus.ControlTopic("flock/test/c0"), func(_ string, payload []byte) {
		if cmd, err := bus.ParseCommand(payload); err == nil && cmd.Name == CommandDeleteClient {
			mu.Lock()
			stops++
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("probe subscribe: %v", err)
	}

	// Racing deletes for one id, as overlapping admin requests would issue.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.DeleteClient(id); err != nil {
				t.Errorf("delete: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stops >= 1
	})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if stops != 1 {
		mu.Unlock()
		t.Fatalf("stop requests = %d, want exactly 1", stops)
	}
	mu.Unlock()
	if mgr.deletions.Len() != 1 {
		t.Fatalf("deletion leases = %d, want 1", mgr.deletions.Len())
	}
	if len(fs.kills()) != 0 {
		t.Fatalf("racing deletes must not kill: %v", fs.kills())
	}
	mgr.deletions.Cancel(id)
}

func TestGracefulRemovalCancelsDeletionLease(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.DeletionLease = 150 * time.Millisecond
	mgr, fs, broker := newTestManager(t, cfg)

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	if err := mgr.DeleteClient(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	publishRemoved(t, conn, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 0 })

	if mgr.deletions.Contains(id) {
		t.Fatalf("deletion lease survived graceful removal")
	}
	if got := producerValue(t, mgr, KeyClientsActive); got != "0" {
		t.Fatalf("published active count = %q, want 0", got)
	}
	if _, ok := mgr.Producer().Get(clientKey(id)); ok {
		t.Fatalf("topic mapping not removed")
	}

	// Past the original lease window: the expiry callback must never run.
	time.Sleep(200 * time.Millisecond)
	if len(fs.kills()) != 0 {
		t.Fatalf("graceful removal still killed: %v", fs.kills())
	}
}

func TestDeletionTimeoutForcesKillAndPurge(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.DeletionLease = 50 * time.Millisecond
	mgr, fs, broker := newTestManager(t, cfg)

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	if err := mgr.DeleteClient(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fs.killedOnce(id) })

	// Registry record is purged on expiry, not left for discovery.
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 0 })
	if got := producerValue(t, mgr, KeyClientsActive); got != "0" {
		t.Fatalf("published active count = %q, want 0", got)
	}
	if mgr.deletions.Contains(id) {
		t.Fatalf("expired deletion lease still in table")
	}
}

func TestDuplicateRemovedEventNoop(t *testing.T) {
	mgr, fs, broker := newTestManager(t, DefaultManagerConfig())

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	publishRemoved(t, conn, "flock/test/c0")
	publishRemoved(t, conn, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 0 })
	time.Sleep(20 * time.Millisecond)

	if got := producerValue(t, mgr, KeyClientsActive); got != "0" {
		t.Fatalf("published active count = %q, want 0", got)
	}
	if len(fs.kills()) != 0 {
		t.Fatalf("duplicate removal killed: %v", fs.kills())
	}
}

func TestConcurrentRemovalPublishesConsistentCount(t *testing.T) {
	mgr, _, broker := newTestManager(t, DefaultManagerConfig())

	const n = 8
	for i := 0; i < n; i++ {
		id, err := mgr.CreateClient()
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		handshake(t, broker, mgr, id, "flock/test/c"+strconv.Itoa(id))
	}
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == n })

	// Tear all records down from racing goroutines, as overlapping lease
	// expiries and discovery events would.
	var wg sync.WaitGroup
	for id := 0; id < n; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			mgr.removeRecord(id)
		}(id)
	}
	wg.Wait()

	if mgr.ActiveCount() != 0 {
		t.Fatalf("registry not empty: %v", mgr.Clients())
	}
	if got := producerValue(t, mgr, KeyClientsActive); got != "0" {
		t.Fatalf("published active count = %q, want 0", got)
	}
	for id := 0; id < n; id++ {
		if _, ok := mgr.Producer().Get(clientKey(id)); ok {
			t.Fatalf("topic mapping %d not removed", id)
		}
	}
}

func TestLookupClientState(t *testing.T) {
	mgr, _, broker := newTestManager(t, DefaultManagerConfig())

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool {
		v, ok := mgr.LookupClientState(id, KeyLifecycle)
		return ok && v == "ready"
	})

	if _, ok := mgr.LookupClientState(id, "no_such_key"); ok {
		t.Fatalf("absent key reported present")
	}
	if _, ok := mgr.LookupClientState(99, KeyLifecycle); ok {
		t.Fatalf("inactive client reported present")
	}
}

// Three clients with a short handshake window: 0 and 2 respond, 1 does not.
func TestScenarioPartialHandshakeFleet(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.HandshakeLease = 80 * time.Millisecond
	mgr, fs, broker := newTestManager(t, cfg)

	for i := 0; i < 3; i++ {
		if _, err := mgr.CreateClient(); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	handshake(t, broker, mgr, 0, "flock/test/c0")
	handshake(t, broker, mgr, 2, "flock/test/c2")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 2 })
	waitFor(t, time.Second, func() bool { return fs.killedOnce(1) })

	clients := mgr.Clients()
	if len(clients) != 2 || clients[0] != "flock/test/c0" || clients[2] != "flock/test/c2" {
		t.Fatalf("registry = %v, want ids 0 and 2", clients)
	}
	if _, ok := clients[1]; ok {
		t.Fatalf("timed-out client 1 in registry")
	}
	if len(mgr.HandshakingClients()) != 0 {
		t.Fatalf("pending handshakes remain: %v", mgr.HandshakingClients())
	}
	if got := producerValue(t, mgr, KeyClientsActive); got != "2" {
		t.Fatalf("published active count = %q, want 2", got)
	}
}

// Graceful deletion confirmed by discovery halfway through the window: no
// force-kill, exactly the single cooperative stop request.
func TestScenarioGracefulDeletionTiming(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.DeletionLease = 200 * time.Millisecond
	mgr, fs, broker := newTestManager(t, cfg)

	id, err := mgr.CreateClient()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := handshake(t, broker, mgr, id, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 1 })

	probe := broker.Connect("flock/test/probe")
	t.Cleanup(func() { probe.Close() })
	var mu sync.Mutex
	stops := 0
	probe.Subscribe(bus.ControlTopic("flock/test/c0"), func(_ string, payload []byte) {
		if cmd, err := bus.ParseCommand(payload); err == nil && cmd.Name == CommandDeleteClient {
			mu.Lock()
			stops++
			mu.Unlock()
		}
	})

	if err := mgr.DeleteClient(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	publishRemoved(t, conn, "flock/test/c0")
	waitFor(t, time.Second, func() bool { return mgr.ActiveCount() == 0 })

	time.Sleep(250 * time.Millisecond)
	if len(fs.kills()) != 0 {
		t.Fatalf("graceful deletion killed: %v", fs.kills())
	}
	mu.Lock()
	defer mu.Unlock()
	if stops != 1 {
		t.Fatalf("stop requests = %d, want exactly 1", stops)
	}
}
