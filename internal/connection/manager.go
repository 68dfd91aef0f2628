package connection

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/eventbus"
	"github.com/searchlight/searchlight/internal/presence"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/reconcile"
	"github.com/searchlight/searchlight/internal/topic"
)

// Config configures a Manager.
type Config struct {
	Identity string
	Role     string
	// Credential returns the current bearer token, or "" when signed out.
	Credential func() string

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              float64
	MaxAttempts         int
	PollInterval        time.Duration
	DialTimeout         time.Duration
	SnapshotTimeout     time.Duration
	// Classes are the entity classes mirrored locally. Defaults to all.
	Classes []changefeed.EntityClass

	Dialer  Dialer
	Fetcher SnapshotFetcher
	// Reconciler receives events and snapshots. One is created when nil.
	Reconciler *reconcile.Reconciler
	Logger     zerolog.Logger
	// Rand returns jitter samples in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   15 * time.Second,
		MaxMissedHeartbeats: 2,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		Jitter:              0.2,
		MaxAttempts:         5,
		PollInterval:        30 * time.Second,
		DialTimeout:         10 * time.Second,
		SnapshotTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = d.SnapshotTimeout
	}
	if len(c.Classes) == 0 {
		c.Classes = changefeed.Classes
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Manager owns one client's connection to the realtime gateway.
type Manager struct {
	cfg        Config
	reconciler *reconcile.Reconciler
	ownsCache  bool
	roster     *presence.Roster
	logger     zerolog.Logger

	presence      *eventbus.Bus[PresenceChanged]
	status        *eventbus.Bus[StatusChange]
	notifications *eventbus.Bus[protocol.Notification]

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	base      context.Context
	transport Transport
	topics    map[string]struct{}
}

// New creates an idle Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, ErrMissingDependency
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:           cfg,
		reconciler:    cfg.Reconciler,
		roster:        presence.NewRoster(),
		logger:        cfg.Logger.With().Str("component", "connection").Str("identity", cfg.Identity).Logger(),
		presence:      eventbus.New[PresenceChanged](),
		status:        eventbus.New[StatusChange](),
		notifications: eventbus.New[protocol.Notification](),
		state:         StateIdle,
		base:          context.Background(),
		topics:        make(map[string]struct{}),
	}
	if m.reconciler == nil {
		m.reconciler = reconcile.New(cfg.Logger)
		m.ownsCache = true
	}
	return m, nil
}

// Connect starts connecting. It fails only with ErrAuthMissing; transport
// failures are handled by the reconnection policy. Calling Connect while an
// attempt or session is live is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if m.credential() == "" {
		return ErrAuthMissing
	}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.base = context.WithoutCancel(ctx)
	gen := m.gen
	m.mu.Unlock()

	genCtx, next, ok := m.advance(gen, StateConnecting, nil)
	if !ok {
		return nil
	}
	go m.connecting(genCtx, next)
	return nil
}

// Disconnect moves to Closed from any state and stops all activity.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.enter(StateClosed, nil)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Close disconnects and releases the event streams.
func (m *Manager) Close() {
	m.Disconnect()
	m.presence.Close()
	m.status.Close()
	m.notifications.Close()
	if m.ownsCache {
		m.reconciler.Close()
	}
}

// State returns the current FSM state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the coarse connection status.
func (m *Manager) Status() Status {
	return m.State().Status()
}

// Subscribe joins an extra topic group now (when connected) and on every
// future session. Only invalid names are reported.
func (m *Manager) Subscribe(ctx context.Context, name string) error {
	if err := topic.Validate(name); err != nil {
		return err
	}

	m.mu.Lock()
	m.topics[name] = struct{}{}
	t := m.liveTransport()
	m.mu.Unlock()

	if t != nil {
		if err := t.Send(ctx, protocol.Join(name)); err != nil {
			m.logger.Debug().Err(err).Str("topic", name).Msg("join not sent, will rejoin on reconnect")
		}
	}
	return nil
}

// Unsubscribe leaves a topic group added by Subscribe.
func (m *Manager) Unsubscribe(ctx context.Context, name string) {
	m.mu.Lock()
	delete(m.topics, name)
	t := m.liveTransport()
	m.mu.Unlock()

	if t != nil {
		if err := t.Send(ctx, protocol.Leave(name)); err != nil {
			m.logger.Debug().Err(err).Str("topic", name).Msg("leave not sent")
		}
	}
}

// EntityChanged streams every change applied to the local cache.
func (m *Manager) EntityChanged() *eventbus.Bus[reconcile.Change] {
	return m.reconciler.Changes()
}

// PresenceChanged streams admin roster changes.
func (m *Manager) PresenceChanged() *eventbus.Bus[PresenceChanged] {
	return m.presence
}

// StatusChanged streams state transitions.
func (m *Manager) StatusChanged() *eventbus.Bus[StatusChange] {
	return m.status
}

// NotificationReceived streams in-app notifications.
func (m *Manager) NotificationReceived() *eventbus.Bus[protocol.Notification] {
	return m.notifications
}

// Cache returns the local entity cache.
func (m *Manager) Cache() *reconcile.Reconciler {
	return m.reconciler
}

// Roster returns the mirrored admin roster.
func (m *Manager) Roster() []presence.Member {
	return m.roster.Members()
}

func (m *Manager) credential() string {
	if m.cfg.Credential == nil {
		return ""
	}
	return m.cfg.Credential()
}

// liveTransport returns the session transport when connected. Caller holds mu.
func (m *Manager) liveTransport() Transport {
	if m.state != StateConnected {
		return nil
	}
	return m.transport
}

// advance moves from generation gen to state to. It fails when gen is no
// longer current, i.e. another goroutine or the caller already moved on.
func (m *Manager) advance(gen uint64, to State, t Transport) (context.Context, uint64, bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil, 0, false
	}
	old := m.enter(to, t)
	ctx, cancel := context.WithCancel(m.base)
	m.cancel = cancel
	next := m.gen
	m.mu.Unlock()

	if old != nil && old != t {
		go func() { _ = old.Close() }()
	}
	return ctx, next, true
}

// enter cancels the current generation, starts the next one and returns the
// transport being replaced. Caller holds mu.
func (m *Manager) enter(to State, t Transport) Transport {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	from := m.state
	old := m.transport

	m.gen++
	m.state = to
	m.transport = t

	m.status.Publish(StatusChange{From: from, To: to, Status: to.Status(), At: time.Now()})
	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("connection state changed")
	return old
}

func (m *Manager) dial(ctx context.Context) (Transport, error) {
	cred := m.credential()
	if cred == "" {
		return nil, ErrAuthMissing
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	t, err := m.cfg.Dialer.Dial(dialCtx, cred)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return t, nil
}

func (m *Manager) connecting(ctx context.Context, gen uint64) {
	t, err := m.dial(ctx)
	if err == nil {
		m.connected(gen, t)
		return
	}
	if ctx.Err() != nil {
		return
	}
	m.failed(gen, err)
}

// failed reacts to a failed dial or a lost session.
func (m *Manager) failed(gen uint64, err error) {
	if errors.Is(err, ErrAuthMissing) {
		m.logger.Warn().Msg("credential gone, closing connection")
		m.advance(gen, StateClosed, nil)
		return
	}

	m.logger.Warn().Err(err).Msg("connection lost")
	if ctx, next, ok := m.advance(gen, StateReconnecting, nil); ok {
		go m.reconnecting(ctx, next)
	}
}

func (m *Manager) reconnecting(ctx context.Context, gen uint64) {
	bo := NewBackoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Jitter, m.cfg.Rand)

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		delay := bo.Next()
		m.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t, err := m.dial(ctx)
		if err == nil {
			m.connected(gen, t)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthMissing) {
			m.failed(gen, err)
			return
		}
	}

	if next, nextGen, ok := m.advance(gen, StateDegraded, nil); ok {
		go m.degraded(next, nextGen)
	}
}

// degraded polls snapshots every PollInterval; each tick also tries to
// reconnect.
func (m *Manager) degraded(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.poll(ctx)

		t, err := m.dial(ctx)
		if err == nil {
			m.connected(gen, t)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthMissing) {
			m.failed(gen, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	if m.cfg.Fetcher == nil {
		return
	}
	cred := m.credential()
	if cred == "" {
		return
	}

	for _, class := range m.cfg.Classes {
		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotTimeout)
		snap, err := m.cfg.Fetcher.Fetch(fetchCtx, cred, class)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Str("class", string(class)).Msg("snapshot poll failed")
			continue
		}
		res := m.reconciler.ApplySnapshot(*snap)
		m.logger.Debug().
			Str("class", string(class)).
			Int("replaced", res.Replaced).
			Int("removed", res.Removed).
			Msg("snapshot polled")
	}
}

func (m *Manager) connected(gen uint64, t Transport) {
	ctx, next, ok := m.advance(gen, StateConnected, t)
	if !ok {
		_ = t.Close()
		return
	}
	go m.session(ctx, next, t)
}

func (m *Manager) session(ctx context.Context, gen uint64, t Transport) {
	if err := m.handshake(ctx, t); err != nil {
		if ctx.Err() == nil {
			m.failed(gen, &TransportError{Op: "handshake", Err: err})
		}
		return
	}

	var outstanding atomic.Int32
	go m.heartbeat(ctx, gen, t, &outstanding)

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.failed(gen, &TransportError{Op: "read", Err: err})
			}
			return
		}
		m.handle(msg, &outstanding)
	}
}

// handshake announces the client, joins its topic groups and asks for full
// snapshots of every tracked class.
func (m *Manager) handshake(ctx context.Context, t Transport) error {
	if err := t.Send(ctx, protocol.Hello(m.cfg.Identity, m.cfg.Role)); err != nil {
		return err
	}
	if err := t.Send(ctx, protocol.Join(m.sessionTopics()...)); err != nil {
		return err
	}
	return t.Send(ctx, protocol.SnapshotRequest(m.cfg.Classes...))
}

func (m *Manager) sessionTopics() []string {
	set := make(map[string]struct{})
	for _, name := range topic.DefaultTopics(m.cfg.Role) {
		set[name] = struct{}{}
	}

	m.mu.Lock()
	for name := range m.topics {
		set[name] = struct{}{}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// heartbeat pings every HeartbeatInterval. Too many unanswered pings mean a
// half-open connection.
func (m *Manager) heartbeat(ctx context.Context, gen uint64, t Transport, outstanding *atomic.Int32) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if int(outstanding.Load()) >= m.cfg.MaxMissedHeartbeats {
			m.failed(gen, &TransportError{Op: "heartbeat", Err: ErrHeartbeatTimeout})
			return
		}

		seq++
		outstanding.Add(1)
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
		err := t.Send(sendCtx, protocol.Ping(seq))
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				m.failed(gen, &TransportError{Op: "ping", Err: err})
			}
			return
		}
	}
}

func (m *Manager) handle(msg protocol.Message, outstanding *atomic.Int32) {
	switch msg.Type {
	case protocol.TypePong:
		outstanding.Store(0)
	case protocol.TypeWelcome:
		m.logger.Debug().Str("session_id", msg.SessionID).Msg("session established")
	case protocol.TypeSnapshot:
		if msg.Snapshot != nil {
			m.reconciler.ApplySnapshot(*msg.Snapshot)
		}
	case protocol.TypeEvent:
		if msg.Event != nil {
			m.reconciler.ApplyEvent(*msg.Event)
		}
	case protocol.TypePresenceJoin:
		if msg.Member != nil && m.roster.Join(*msg.Member) {
			m.presence.Publish(PresenceChanged{Kind: presence.KindJoin, Member: *msg.Member, Size: m.roster.Size()})
		}
	case protocol.TypePresenceLeave:
		if msg.Member != nil && m.roster.Leave(msg.Member.Key()) {
			m.presence.Publish(PresenceChanged{Kind: presence.KindLeave, Member: *msg.Member, Size: m.roster.Size()})
		}
	case protocol.TypePresenceRoster:
		m.roster.Replace(msg.Roster)
		m.presence.Publish(PresenceChanged{Kind: PresenceRoster, Size: m.roster.Size()})
	case protocol.TypeNotification:
		if msg.Notification != nil {
			m.notifications.Publish(*msg.Notification)
		}
	case protocol.TypeError:
		if msg.Error != nil {
			m.logger.Warn().Str("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("gateway rejected request")
		}
	default:
		m.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
}
