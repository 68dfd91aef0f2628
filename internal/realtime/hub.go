// Package realtime is the server side of the sync transport: it accepts
// websocket sessions, groups them by topic, serves snapshots, fans entity
// changes and in-app notifications out to sessions, and keeps the presence
// roster of connected privileged clients.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/auth"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/presence"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/topic"
)

// Defaults for HubConfig.
const (
	DefaultSendBuffer   = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultIdleTimeout  = 45 * time.Second
	DefaultReadLimit    = 1 << 20
)

// ErrMissingPrincipal is returned when the request carries no authenticated caller.
var ErrMissingPrincipal = errors.New("missing principal")

// HubConfig configures a Hub.
type HubConfig struct {
	Presence  *presence.Tracker
	Snapshots changefeed.SnapshotSource
	// Principal returns the authenticated caller of an upgrade request.
	Principal func(ctx context.Context) (auth.Principal, bool)
	Metrics   *Metrics
	Logger    zerolog.Logger

	// OriginPatterns are passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
	SendBuffer     int
	WriteTimeout   time.Duration
	// IdleTimeout closes sessions that sent nothing, pings included, for this long.
	IdleTimeout time.Duration
	ReadLimit   int64
	Now         func() time.Time
}

// Hub owns every live session of this process.
type Hub struct {
	cfg    HubConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]map[*session]struct{}
	groups   map[string]map[*session]struct{}
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Hub{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "realtime").Logger(),
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[*session]struct{}),
		groups:   make(map[string]map[*session]struct{}),
	}
}

// Presence returns the tracker holding the privileged roster.
func (h *Hub) Presence() *presence.Tracker {
	return h.cfg.Presence
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// GroupSize returns the number of sessions joined to a topic.
func (h *Hub) GroupSize(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[name])
}

func (h *Hub) register(p auth.Principal, kick func(reason string)) *session {
	s := &session{
		id:     "ses_" + uuid.New().String()[:22],
		userID: p.UserID,
		role:   p.Role,
		send:   make(chan protocol.Message, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
		kick:   kick,
	}
	s.touch(h.cfg.Now())

	h.mu.Lock()
	h.sessions[s.id] = s
	if h.byUser[s.userID] == nil {
		h.byUser[s.userID] = make(map[*session]struct{})
	}
	h.byUser[s.userID][s] = struct{}{}
	h.mu.Unlock()

	h.cfg.Metrics.sessionOpened(context.Background(), s.role)
	h.logger.Debug().Str("session_id", s.id).Str("user_id", s.userID).Str("role", s.role).Msg("session opened")
	return s
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	if set := h.byUser[s.userID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	for name := range s.topics {
		h.removeFromGroupLocked(name, s)
	}
	h.mu.Unlock()

	s.close()
	h.cfg.Metrics.sessionClosed(context.Background(), s.role)

	if s.presenceIdentity() != "" {
		if ev, left := h.cfg.Presence.Leave(s.userID, s.id); left {
			h.Broadcast(topic.OrgAdmins, protocol.Message{Type: protocol.TypePresenceLeave, Member: &ev.Member})
		}
	}
	h.logger.Debug().Str("session_id", s.id).Str("user_id", s.userID).Msg("session closed")
}

func (h *Hub) join(s *session, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.topics[name] = struct{}{}
	if h.groups[name] == nil {
		h.groups[name] = make(map[*session]struct{})
	}
	h.groups[name][s] = struct{}{}
}

func (h *Hub) leave(s *session, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.topics, name)
	h.removeFromGroupLocked(name, s)
}

func (h *Hub) removeFromGroupLocked(name string, s *session) {
	set := h.groups[name]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.groups, name)
	}
}

// Broadcast queues msg for every session joined to the topic and returns how
// many sessions it was queued for.
func (h *Hub) Broadcast(name string, msg protocol.Message) int {
	return h.fanOut(h.targets([]string{name}), msg)
}

// PublishChange fans an entity change out to the groups derived from its class.
// A session joined to several of those groups receives the event once.
func (h *Hub) PublishChange(ev changefeed.ChangeEvent) int {
	groups := topic.ForChange(string(ev.EntityClass), ev.EntityID)
	return h.fanOut(h.targets(groups), protocol.EventOf(ev))
}

// NotifyUser pushes an in-app notification to every live session of userID.
func (h *Hub) NotifyUser(userID string, n protocol.Notification) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.byUser[userID]))
	for s := range h.byUser[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	return h.fanOut(targets, protocol.Message{Type: protocol.TypeNotification, Notification: &n})
}

func (h *Hub) targets(groups []string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*session]struct{})
	out := make([]*session, 0)
	for _, name := range groups {
		for s := range h.groups[name] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) fanOut(targets []*session, msg protocol.Message) int {
	delivered := 0
	for _, s := range targets {
		if h.enqueue(s, msg) {
			delivered++
		}
	}
	return delivered
}

// enqueue never blocks. A session whose buffer is full is disconnected and
// will resynchronise from a snapshot when it reconnects.
func (h *Hub) enqueue(s *session, msg protocol.Message) bool {
	switch s.offer(msg) {
	case offerQueued:
		return true
	case offerFull:
		h.cfg.Metrics.messageDropped(context.Background(), string(msg.Type))
		h.logger.Warn().Str("session_id", s.id).Str("user_id", s.userID).Msg("send buffer full, dropping session")
		s.kick("slow consumer")
	}
	return false
}

// PresenceEntry is a roster member with the number of sessions it holds.
type PresenceEntry struct {
	presence.Member
	Sessions int
}

// Roster returns the privileged roster with per-user session counts.
func (h *Hub) Roster() []PresenceEntry {
	members := h.cfg.Presence.Roster()

	h.mu.RLock()
	counts := make(map[string]int)
	for _, s := range h.sessions {
		if s.presenceIdentity() != "" {
			counts[s.userID]++
		}
	}
	h.mu.RUnlock()

	out := make([]PresenceEntry, 0, len(members))
	for _, m := range members {
		out = append(out, PresenceEntry{Member: m, Sessions: counts[m.UserID]})
	}
	return out
}

// Reap disconnects sessions idle longer than IdleTimeout and returns how many.
func (h *Hub) Reap(now time.Time) int {
	cutoff := now.Add(-h.cfg.IdleTimeout)

	h.mu.RLock()
	var idle []*session
	for _, s := range h.sessions {
		if s.lastSeen().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		h.logger.Info().Str("session_id", s.id).Str("user_id", s.userID).Msg("reaping idle session")
		s.kick("heartbeat timeout")
	}
	return len(idle)
}

// Run reaps idle sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.IdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(h.cfg.Now())
		}
	}
}

// Shutdown disconnects every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.kick("server shutting down")
	}
}

func (h *Hub) joinPresence(s *session, identity string) {
	if !topic.IsPrivilegedRole(s.role) {
		return
	}
	if !s.setPresenceIdentity(identity) {
		return
	}

	ev, joined := h.cfg.Presence.Join(presence.Member{UserID: s.userID, Identity: identity, Role: s.role, JoinedAt: h.cfg.Now()}, s.id)
	h.enqueue(s, protocol.Message{Type: protocol.TypePresenceRoster, Roster: h.cfg.Presence.Roster()})
	if joined {
		h.Broadcast(topic.OrgAdmins, protocol.Message{Type: protocol.TypePresenceJoin, Member: &ev.Member})
	}
}
