package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchlight/searchlight/internal/protocol"
)

type offerResult int

const (
	offerQueued offerResult = iota
	offerFull
	offerClosed
)

// session is one accepted websocket. topics is guarded by Hub.mu.
type session struct {
	id     string
	userID string
	role   string

	send chan protocol.Message
	done chan struct{}
	once sync.Once
	kick func(reason string)

	topics map[string]struct{}
	seen   atomic.Int64

	mu       sync.Mutex
	identity string
}

func (s *session) touch(now time.Time) {
	s.seen.Store(now.UnixNano())
}

func (s *session) lastSeen() time.Time {
	return time.Unix(0, s.seen.Load())
}

func (s *session) offer(msg protocol.Message) offerResult {
	select {
	case <-s.done:
		return offerClosed
	default:
	}

	select {
	case s.send <- msg:
		return offerQueued
	default:
		return offerFull
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// setPresenceIdentity records the identity announced in hello. It reports
// false when the session already announced one.
func (s *session) setPresenceIdentity(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != "" {
		return false
	}
	s.identity = identity
	return true
}

func (s *session) presenceIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}
