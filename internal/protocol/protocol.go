// Package protocol defines the JSON envelopes exchanged over the realtime
// websocket between the gateway and console clients.
package protocol

import (
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/presence"
)

// Type identifies a message.
type Type string

// Client to server.
const (
	TypeHello           Type = "hello"
	TypeJoin            Type = "join"
	TypeLeave           Type = "leave"
	TypePing            Type = "ping"
	TypeSnapshotRequest Type = "snapshot.request"
	TypeRosterRequest   Type = "roster.request"
)

// Server to client.
const (
	TypeWelcome        Type = "welcome"
	TypePong           Type = "pong"
	TypeSnapshot       Type = "snapshot"
	TypeEvent          Type = "event"
	TypePresenceJoin   Type = "presence.join"
	TypePresenceLeave  Type = "presence.leave"
	TypePresenceRoster Type = "presence.roster"
	TypeNotification   Type = "notification"
	TypeError          Type = "error"
)

// Message is the envelope of every frame. Only the fields relevant to Type
// are set.
type Message struct {
	Type         Type                     `json:"type"`
	Seq          int64                    `json:"seq,omitempty"`
	SessionID    string                   `json:"sessionId,omitempty"`
	Identity     string                   `json:"identity,omitempty"`
	Role         string                   `json:"role,omitempty"`
	Topics       []string                 `json:"topics,omitempty"`
	Classes      []changefeed.EntityClass `json:"classes,omitempty"`
	Event        *changefeed.ChangeEvent  `json:"event,omitempty"`
	Snapshot     *changefeed.Snapshot     `json:"snapshot,omitempty"`
	Member       *presence.Member         `json:"member,omitempty"`
	Roster       []presence.Member        `json:"roster,omitempty"`
	Notification *Notification            `json:"notification,omitempty"`
	Error        *Error                   `json:"error,omitempty"`
}

// Notification is an in-app notification pushed to a live session.
type Notification struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"`
	Topic    string         `json:"topic,omitempty"`
	CaseID   string         `json:"caseId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Error codes.
const (
	CodeBadRequest   = "bad_request"
	CodeInvalidTopic = "invalid_topic"
	CodeForbidden    = "forbidden"
	CodeUnavailable  = "unavailable"
)

// Error describes a rejected request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hello announces the client identity.
func Hello(identity, role string) Message {
	return Message{Type: TypeHello, Identity: identity, Role: role}
}

// Join asks the gateway to add the session to topic groups.
func Join(topics ...string) Message {
	return Message{Type: TypeJoin, Topics: topics}
}

// Leave asks the gateway to remove the session from topic groups.
func Leave(topics ...string) Message {
	return Message{Type: TypeLeave, Topics: topics}
}

// Ping is a liveness probe carrying a sequence number echoed by Pong.
func Ping(seq int64) Message {
	return Message{Type: TypePing, Seq: seq}
}

// Pong answers a Ping.
func Pong(seq int64) Message {
	return Message{Type: TypePong, Seq: seq}
}

// SnapshotRequest asks for complete snapshots of classes.
func SnapshotRequest(classes ...changefeed.EntityClass) Message {
	return Message{Type: TypeSnapshotRequest, Classes: classes}
}

// SnapshotOf wraps a snapshot.
func SnapshotOf(snap *changefeed.Snapshot) Message {
	return Message{Type: TypeSnapshot, Snapshot: snap}
}

// EventOf wraps a change event.
func EventOf(ev changefeed.ChangeEvent) Message {
	return Message{Type: TypeEvent, Event: &ev}
}

// ErrorOf builds an error frame.
func ErrorOf(code, message string) Message {
	return Message{Type: TypeError, Error: &Error{Code: code, Message: message}}
}
