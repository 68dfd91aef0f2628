package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/topic"
)

// ServeHTTP upgrades an authenticated request and runs the session until
// either side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Principal == nil {
		h.logger.Error().Err(ErrMissingPrincipal).Msg("hub has no principal resolver")
		models.NewInternalError("", "realtime gateway misconfigured").Write(w)
		return
	}
	principal, ok := h.cfg.Principal(r.Context())
	if !ok || principal.UserID == "" {
		problem := models.NewUnauthorized("", "authentication required")
		problem.Instance = r.URL.Path
		problem.Write(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", principal.UserID).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// kick may run on a broadcaster's goroutine, so the close handshake is
	// left to its own goroutine.
	s := h.register(principal, func(reason string) {
		go func() { _ = conn.Close(websocket.StatusPolicyViolation, reason) }()
		cancel()
	})
	defer h.unregister(s)

	go h.writeLoop(ctx, conn, s)

	err = h.readLoop(ctx, conn, s)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		h.logger.Debug().Err(err).Str("session_id", s.id).Msg("session read ended")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, s *session) error {
	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		s.touch(h.cfg.Now())
		h.handle(ctx, s, msg)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Str("session_id", s.id).Msg("write failed")
				s.kick("write failed")
				return
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, s *session, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHello:
		identity := strings.TrimSpace(msg.Identity)
		if identity == "" {
			identity = s.userID
		}
		h.enqueue(s, protocol.Message{
			Type:      protocol.TypeWelcome,
			SessionID: s.id,
			Identity:  identity,
			Role:      s.role,
			Topics:    topic.DefaultTopics(s.role),
		})
		h.joinPresence(s, identity)

	case protocol.TypeJoin:
		for _, name := range msg.Topics {
			if err := h.authorizeTopic(s, name); err != nil {
				h.enqueue(s, topicError(name, err))
				continue
			}
			h.join(s, name)
		}

	case protocol.TypeLeave:
		for _, name := range msg.Topics {
			h.leave(s, name)
		}

	case protocol.TypePing:
		h.enqueue(s, protocol.Pong(msg.Seq))

	case protocol.TypeSnapshotRequest:
		h.serveSnapshots(ctx, s, msg.Classes)

	case protocol.TypeRosterRequest:
		if !topic.IsPrivilegedRole(s.role) {
			h.enqueue(s, protocol.ErrorOf(protocol.CodeForbidden, "roster is restricted to admins"))
			return
		}
		h.enqueue(s, protocol.Message{Type: protocol.TypePresenceRoster, Roster: h.cfg.Presence.Roster()})

	default:
		h.enqueue(s, protocol.ErrorOf(protocol.CodeBadRequest, fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

var errAdminTopic = errors.New("topic is restricted to admins")

// authorizeTopic rejects names outside the namespace and admin-only groups
// for unprivileged roles.
func (h *Hub) authorizeTopic(s *session, name string) error {
	if err := topic.Validate(name); err != nil {
		return err
	}
	if !topic.AllowedFor(s.role, name) {
		return errAdminTopic
	}
	return nil
}

func topicError(name string, err error) protocol.Message {
	if errors.Is(err, topic.ErrInvalidTopic) {
		return protocol.ErrorOf(protocol.CodeInvalidTopic, fmt.Sprintf("invalid topic %q", name))
	}
	return protocol.ErrorOf(protocol.CodeForbidden, fmt.Sprintf("%s: %s", err.Error(), name))
}

// ClassAllowed reports whether role may read snapshots of class. Unprivileged
// roles only see the public projection.
func ClassAllowed(role string, class changefeed.EntityClass) bool {
	if topic.IsPrivilegedRole(role) || role == topic.RoleCoordinator {
		return true
	}
	return class == changefeed.ClassPublicCase
}

func (h *Hub) serveSnapshots(ctx context.Context, s *session, classes []changefeed.EntityClass) {
	if len(classes) == 0 {
		classes = changefeed.Classes
	}

	for _, class := range classes {
		if !class.Valid() {
			h.enqueue(s, protocol.ErrorOf(protocol.CodeBadRequest, fmt.Sprintf("unknown entity class %q", class)))
			continue
		}
		if !ClassAllowed(s.role, class) {
			h.enqueue(s, protocol.ErrorOf(protocol.CodeForbidden, fmt.Sprintf("entity class %q is restricted", class)))
			continue
		}
		if h.cfg.Snapshots == nil {
			h.enqueue(s, protocol.ErrorOf(protocol.CodeUnavailable, "snapshots unavailable"))
			return
		}

		snap, err := h.cfg.Snapshots.Snapshot(ctx, class)
		if err != nil {
			h.logger.Error().Err(err).Str("entity_class", string(class)).Msg("snapshot failed")
			h.enqueue(s, protocol.ErrorOf(protocol.CodeUnavailable, fmt.Sprintf("snapshot of %q unavailable", class)))
			continue
		}
		h.enqueue(s, protocol.SnapshotOf(snap))
	}
}
