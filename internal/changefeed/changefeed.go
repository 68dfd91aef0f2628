// Package changefeed defines the change-event protocol emitted by the record
// store and the snapshot sources that let clients resynchronise from scratch.
package changefeed

import (
	"context"
	"errors"
)

// ErrUnknownClass is returned for entity classes outside the tracked set.
var ErrUnknownClass = errors.New("unknown entity class")

// EntityClass names a tracked entity type.
type EntityClass string

const (
	ClassUser         EntityClass = "user"
	ClassAdminProfile EntityClass = "admin_profile"
	ClassRunner       EntityClass = "runner"
	ClassCase         EntityClass = "case"
	ClassPublicCase   EntityClass = "public_case"
)

// Classes lists every tracked entity class.
var Classes = []EntityClass{ClassUser, ClassAdminProfile, ClassRunner, ClassCase, ClassPublicCase}

// Valid reports whether c is a tracked class.
func (c EntityClass) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Operation is the kind of mutation a change event describes.
type Operation string

const (
	OpCreated     Operation = "created"
	OpUpdated     Operation = "updated"
	OpDeleted     Operation = "deleted"
	OpActivated   Operation = "activated"
	OpDeactivated Operation = "deactivated"
)

// ActiveField is the payload field patched by activated/deactivated events.
const ActiveField = "isActive"

// ChangeEvent describes one mutation of one entity. Watermarks are
// monotonically increasing per entity at the source.
type ChangeEvent struct {
	EntityClass EntityClass    `json:"entityClass" validate:"required,oneof=user admin_profile runner case public_case"`
	Operation   Operation      `json:"operation" validate:"required,oneof=created updated deleted activated deactivated"`
	EntityID    string         `json:"entityId" validate:"required,max=100"`
	Payload     map[string]any `json:"payload,omitempty"`
	Watermark   int64          `json:"watermark" validate:"gt=0"`
}

// Entity is one entry of a snapshot.
type Entity struct {
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Watermark int64          `json:"watermark"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Snapshot is the state of one entity class. Complete marks a full resync:
// receivers may drop cached ids that are absent from it. A partial snapshot
// only ever adds or replaces entries.
type Snapshot struct {
	EntityClass EntityClass `json:"entityClass"`
	Entities    []Entity    `json:"entities"`
	Complete    bool        `json:"complete"`
}

// SnapshotSource produces snapshots of a tracked entity class.
type SnapshotSource interface {
	Snapshot(ctx context.Context, class EntityClass) (*Snapshot, error)
}

// Publisher emits change events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev ChangeEvent) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev ChangeEvent) error {
	return f(ctx, ev)
}
