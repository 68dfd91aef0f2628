package connection_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/connection"
	"github.com/searchlight/searchlight/internal/presence"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/topic"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type fakeTransport struct {
	in       chan protocol.Message
	closed   chan struct{}
	once     sync.Once
	autoPong bool

	mu   sync.Mutex
	sent []protocol.Message
}

func newFakeTransport(autoPong bool) *fakeTransport {
	return &fakeTransport{
		in:       make(chan protocol.Message, 16),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (t *fakeTransport) Send(_ context.Context, msg protocol.Message) error {
	select {
	case <-t.closed:
		return connection.ErrClosedTransport
	default:
	}

	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if t.autoPong && msg.Type == protocol.TypePing {
		select {
		case t.in <- protocol.Pong(msg.Seq):
		default:
		}
	}
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return protocol.Message{}, connection.ErrClosedTransport
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) sentTypes() []protocol.Type {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Type, 0, len(t.sent))
	for _, m := range t.sent {
		out = append(out, m.Type)
	}
	return out
}

func (t *fakeTransport) sentOf(typ protocol.Type) []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Message
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer fails while down is set and otherwise hands out transports.
type fakeDialer struct {
	down       atomic.Bool
	autoPong   bool
	dials      atomic.Int32
	mu         sync.Mutex
	transports []*fakeTransport
	creds      []string
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (connection.Transport, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.creds = append(d.creds, credential)
	d.mu.Unlock()

	if d.down.Load() {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport(d.autoPong)
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

type fakeFetcher struct {
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, class changefeed.EntityClass) (*changefeed.Snapshot, error) {
	f.calls.Add(1)
	return &changefeed.Snapshot{
		EntityClass: class,
		Complete:    true,
		Entities: []changefeed.Entity{
			{ID: "c1", Payload: map[string]any{"status": "open"}, Watermark: 10},
		},
	}, nil
}

func newManager(t *testing.T, dialer *fakeDialer, mutate ...func(*connection.Config)) *connection.Manager {
	t.Helper()
	cfg := connection.Config{
		Identity:            "adm_1",
		Role:                topic.RoleAdmin,
		Credential:          func() string { return "token" },
		HeartbeatInterval:   time.Hour,
		MaxMissedHeartbeats: 2,
		BaseDelay:           time.Millisecond,
		MaxDelay:            4 * time.Millisecond,
		Jitter:              0.2,
		MaxAttempts:         3,
		PollInterval:        5 * time.Millisecond,
		DialTimeout:         time.Second,
		SnapshotTimeout:     time.Second,
		Classes:             []changefeed.EntityClass{changefeed.ClassCase},
		Dialer:              dialer,
		Logger:              zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := connection.New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManager_ConnectRequiresCredential(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer, func(c *connection.Config) {
		c.Credential = func() string { return "" }
	})

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, connection.ErrAuthMissing)
	assert.Equal(t, connection.StateIdle, m.State())
	assert.Zero(t, dialer.dials.Load())
}

func TestManager_New_RequiresDialer(t *testing.T) {
	_, err := connection.New(connection.Config{})
	assert.ErrorIs(t, err, connection.ErrMissingDependency)
}

func TestManager_ConnectHandshake(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	assert.Equal(t, connection.StatusConnected, m.Status())

	tr := dialer.last()
	require.Eventually(t, func() bool { return len(tr.sentTypes()) >= 3 }, waitFor, tick)
	assert.Equal(t, []protocol.Type{protocol.TypeHello, protocol.TypeJoin, protocol.TypeSnapshotRequest}, tr.sentTypes()[:3])

	hello := tr.sentOf(protocol.TypeHello)[0]
	assert.Equal(t, "adm_1", hello.Identity)
	assert.Equal(t, topic.RoleAdmin, hello.Role)

	join := tr.sentOf(protocol.TypeJoin)[0]
	assert.ElementsMatch(t, topic.DefaultTopics(topic.RoleAdmin), join.Topics)

	req := tr.sentOf(protocol.TypeSnapshotRequest)[0]
	assert.Equal(t, []changefeed.EntityClass{changefeed.ClassCase}, req.Classes)

	dialer.mu.Lock()
	assert.Equal(t, []string{"token"}, dialer.creds)
	dialer.mu.Unlock()
}

func TestManager_ConnectIsNoOpWhileLive(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_ReconnectsAndResyncs(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)
	statuses := m.StatusChanged().Subscribe(64)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	first := dialer.last()

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return dialer.count() == 2 && m.State() == connection.StateConnected }, waitFor, tick)
	second := dialer.last()
	require.Eventually(t, func() bool { return len(second.sentOf(protocol.TypeSnapshotRequest)) == 1 }, waitFor, tick)

	var seen []connection.State
	for len(statuses.C()) > 0 {
		seen = append(seen, (<-statuses.C()).To)
	}
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateReconnecting,
		connection.StateConnected,
	}, seen)
}

func TestManager_DegradesAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{}
	m := newManager(t, dialer, func(c *connection.Config) { c.Fetcher = fetcher })

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)

	dialer.down.Store(true)
	require.NoError(t, dialer.last().Close())

	require.Eventually(t, func() bool { return m.State() == connection.StateDegraded }, waitFor, tick)
	assert.Equal(t, connection.StatusDegraded, m.Status())
	// 1 initial + 3 reconnection attempts before degrading.
	assert.GreaterOrEqual(t, dialer.dials.Load(), int32(4))

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 2 }, waitFor, tick)
	entity, ok := m.Cache().Get(changefeed.ClassCase, "c1")
	require.True(t, ok)
	assert.Equal(t, int64(10), entity.Watermark)

	dialer.down.Store(false)
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	tr := dialer.last()
	require.Eventually(t, func() bool { return len(tr.sentOf(protocol.TypeSnapshotRequest)) == 1 }, waitFor, tick)
}

func TestManager_HeartbeatDetectsHalfOpen(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer, func(c *connection.Config) {
		c.HeartbeatInterval = 5 * time.Millisecond
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	first := dialer.last()

	// No pongs come back, so the session is abandoned even though the
	// transport never reported an error.
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, waitFor, tick)
	assert.Eventually(t, first.isClosed, waitFor, tick)
	assert.Len(t, first.sentOf(protocol.TypePing), 2)
}

func TestManager_HeartbeatAnswered(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	m := newManager(t, dialer, func(c *connection.Config) {
		c.HeartbeatInterval = 2 * time.Millisecond
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	tr := dialer.last()

	require.Eventually(t, func() bool { return len(tr.sentOf(protocol.TypePing)) >= 5 }, waitFor, tick)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, connection.StateConnected, m.State())
}

func TestManager_Disconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	tr := dialer.last()

	m.Disconnect()
	assert.Equal(t, connection.StateClosed, m.State())
	assert.Equal(t, connection.StatusDisconnected, m.Status())
	assert.True(t, tr.isClosed())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())

	// A closed manager can connect again.
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
}

func TestManager_DisconnectWhileReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer, func(c *connection.Config) {
		c.BaseDelay = 50 * time.Millisecond
		c.MaxDelay = 50 * time.Millisecond
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	require.NoError(t, dialer.last().Close())
	require.Eventually(t, func() bool { return m.State() == connection.StateReconnecting }, waitFor, tick)

	m.Disconnect()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, connection.StateClosed, m.State())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_CredentialLostWhileReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	var cred atomic.Value
	cred.Store("token")
	m := newManager(t, dialer, func(c *connection.Config) {
		c.Credential = func() string { return cred.Load().(string) }
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)

	cred.Store("")
	require.NoError(t, dialer.last().Close())

	require.Eventually(t, func() bool { return m.State() == connection.StateClosed }, waitFor, tick)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_InboundMessages(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)
	entities := m.EntityChanged().Subscribe(8)
	roster := m.PresenceChanged().Subscribe(8)
	notes := m.NotificationReceived().Subscribe(8)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	tr := dialer.last()

	tr.in <- protocol.SnapshotOf(&changefeed.Snapshot{
		EntityClass: changefeed.ClassCase,
		Complete:    true,
		Entities:    []changefeed.Entity{{ID: "c1", Payload: map[string]any{"status": "open"}, Watermark: 5}},
	})
	tr.in <- protocol.EventOf(changefeed.ChangeEvent{
		EntityClass: changefeed.ClassCase,
		Operation:   changefeed.OpUpdated,
		EntityID:    "c1",
		Payload:     map[string]any{"status": "found"},
		Watermark:   6,
	})
	// Stale event is absorbed.
	tr.in <- protocol.EventOf(changefeed.ChangeEvent{
		EntityClass: changefeed.ClassCase,
		Operation:   changefeed.OpUpdated,
		EntityID:    "c1",
		Payload:     map[string]any{"status": "open"},
		Watermark:   4,
	})
	member := presence.Member{Identity: "adm_2", Role: topic.RoleModerator}
	tr.in <- protocol.Message{Type: protocol.TypePresenceRoster, Roster: []presence.Member{{Identity: "adm_1", Role: topic.RoleAdmin}}}
	tr.in <- protocol.Message{Type: protocol.TypePresenceJoin, Member: &member}
	tr.in <- protocol.Message{Type: protocol.TypeNotification, Notification: &protocol.Notification{ID: "ntf_1", Title: "hi"}}

	require.Eventually(t, func() bool {
		e, ok := m.Cache().Get(changefeed.ClassCase, "c1")
		return ok && e.Watermark == 6
	}, waitFor, tick)
	e, _ := m.Cache().Get(changefeed.ClassCase, "c1")
	assert.Equal(t, "found", e.Payload["status"])

	first := <-entities.C()
	assert.Equal(t, "c1", first.ID)

	require.Eventually(t, func() bool { return len(m.Roster()) == 2 }, waitFor, tick)
	assert.Equal(t, connection.PresenceRoster, (<-roster.C()).Kind)
	joined := <-roster.C()
	assert.Equal(t, presence.KindJoin, joined.Kind)
	assert.Equal(t, 2, joined.Size)

	note := <-notes.C()
	assert.Equal(t, "ntf_1", note.ID)
}

func TestManager_SubscribeAtRuntime(t *testing.T) {
	dialer := &fakeDialer{}
	m := newManager(t, dialer)

	assert.Error(t, m.Subscribe(context.Background(), "not valid"))

	// Topics added before connecting are part of the handshake.
	require.NoError(t, m.Subscribe(context.Background(), "case_9"))
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == connection.StateConnected }, waitFor, tick)
	tr := dialer.last()
	require.Eventually(t, func() bool { return len(tr.sentOf(protocol.TypeJoin)) == 1 }, waitFor, tick)
	assert.Contains(t, tr.sentOf(protocol.TypeJoin)[0].Topics, "case_9")

	require.NoError(t, m.Subscribe(context.Background(), "region_north"))
	m.Unsubscribe(context.Background(), "case_9")

	joins := tr.sentOf(protocol.TypeJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, []string{"region_north"}, joins[1].Topics)
	leaves := tr.sentOf(protocol.TypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, []string{"case_9"}, leaves[0].Topics)
}

func TestState_Status(t *testing.T) {
	assert.Equal(t, connection.StatusDisconnected, connection.StateIdle.Status())
	assert.Equal(t, connection.StatusReconnecting, connection.StateConnecting.Status())
	assert.Equal(t, connection.StatusConnected, connection.StateConnected.Status())
	assert.Equal(t, connection.StatusReconnecting, connection.StateReconnecting.Status())
	assert.Equal(t, connection.StatusDegraded, connection.StateDegraded.Status())
	assert.Equal(t, connection.StatusDisconnected, connection.StateClosed.Status())
}
