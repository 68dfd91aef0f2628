// Package reconcile keeps a local cache of tracked entities consistent with the
// record store.
//
// Live change events and full snapshots are merged by watermark: an input whose
// watermark is not newer than the cached one for that id is a no-op. All
// mutations and reads run on a single owner goroutine, so callers never lock.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/eventbus"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("reconciler closed")

// Source tells where an applied change came from.
type Source string

const (
	SourceEvent    Source = "event"
	SourceSnapshot Source = "snapshot"
)

// Change is published for every mutation that altered the cache.
type Change struct {
	Class     changefeed.EntityClass
	ID        string
	Operation changefeed.Operation
	Payload   map[string]any
	Watermark int64
	Source    Source
}

// SnapshotResult summarises one ApplySnapshot call.
type SnapshotResult struct {
	Replaced int
	Skipped  int
	Removed  int
}

type entry struct {
	payload   map[string]any
	watermark int64
	deleted   bool
}

type cache map[changefeed.EntityClass]map[string]*entry

func (c cache) class(class changefeed.EntityClass) map[string]*entry {
	m, ok := c[class]
	if !ok {
		m = make(map[string]*entry)
		c[class] = m
	}
	return m
}

// Reconciler is the single writer of a local entity cache.
type Reconciler struct {
	cmds    chan func(cache)
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	changes *eventbus.Bus[Change]
	logger  zerolog.Logger
}

// New starts a reconciler. Call Close to stop its goroutine.
func New(logger zerolog.Logger) *Reconciler {
	r := &Reconciler{
		cmds:    make(chan func(cache)),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		changes: eventbus.New[Change](),
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
	go r.loop()
	return r
}

func (r *Reconciler) loop() {
	defer close(r.stopped)
	c := make(cache)
	for {
		select {
		case cmd := <-r.cmds:
			cmd(c)
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (r *Reconciler) do(fn func(cache)) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func(c cache) { fn(c); close(done) }:
	case <-r.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// Changes returns the bus on which applied mutations are published.
func (r *Reconciler) Changes() *eventbus.Bus[Change] {
	return r.changes
}

// Close stops the owner goroutine and closes the change bus.
func (r *Reconciler) Close() {
	r.once.Do(func() {
		close(r.quit)
		<-r.stopped
		r.changes.Close()
	})
}

// ApplyEvent merges one live change event. It reports whether the cache
// changed; stale, duplicate and malformed events return false.
func (r *Reconciler) ApplyEvent(ev changefeed.ChangeEvent) bool {
	var applied bool
	_ = r.do(func(c cache) {
		applied = r.applyEvent(c, ev)
	})
	return applied
}

func (r *Reconciler) applyEvent(c cache, ev changefeed.ChangeEvent) bool {
	if !ev.EntityClass.Valid() || ev.EntityID == "" {
		return false
	}

	entries := c.class(ev.EntityClass)
	cur := entries[ev.EntityID]
	if cur != nil && ev.Watermark <= cur.watermark {
		return false
	}

	var next *entry
	switch ev.Operation {
	case changefeed.OpCreated, changefeed.OpUpdated:
		next = &entry{payload: copyPayload(ev.Payload)}
	case changefeed.OpDeleted:
		next = &entry{deleted: true}
	case changefeed.OpActivated, changefeed.OpDeactivated:
		payload := map[string]any{}
		if cur != nil && !cur.deleted {
			payload = copyPayload(cur.payload)
		}
		payload[changefeed.ActiveField] = ev.Operation == changefeed.OpActivated
		next = &entry{payload: payload}
	default:
		r.logger.Warn().
			Str("operation", string(ev.Operation)).
			Str("entity_id", ev.EntityID).
			Msg("ignoring change event with unknown operation")
		return false
	}
	next.watermark = ev.Watermark
	entries[ev.EntityID] = next

	r.changes.Publish(Change{
		Class:     ev.EntityClass,
		ID:        ev.EntityID,
		Operation: ev.Operation,
		Payload:   copyPayload(next.payload),
		Watermark: next.watermark,
		Source:    SourceEvent,
	})
	return true
}

// ApplySnapshot merges a snapshot. Entities at or above the cached watermark
// replace the cached entry. When the snapshot is complete, cached ids absent
// from it are removed (kept as tombstones so older events stay no-ops).
func (r *Reconciler) ApplySnapshot(snap changefeed.Snapshot) SnapshotResult {
	var res SnapshotResult
	_ = r.do(func(c cache) {
		res = r.applySnapshot(c, snap)
	})
	return res
}

func (r *Reconciler) applySnapshot(c cache, snap changefeed.Snapshot) SnapshotResult {
	var res SnapshotResult
	if !snap.EntityClass.Valid() {
		return res
	}

	entries := c.class(snap.EntityClass)
	seen := make(map[string]struct{}, len(snap.Entities))

	for _, ent := range snap.Entities {
		if ent.ID == "" {
			continue
		}
		seen[ent.ID] = struct{}{}

		cur := entries[ent.ID]
		if cur != nil && ent.Watermark < cur.watermark {
			res.Skipped++
			continue
		}

		next := &entry{watermark: ent.Watermark, deleted: ent.Deleted}
		if !ent.Deleted {
			next.payload = copyPayload(ent.Payload)
		}
		entries[ent.ID] = next
		res.Replaced++

		if cur != nil && cur.watermark == next.watermark && cur.deleted == next.deleted {
			continue
		}
		op := changefeed.OpUpdated
		switch {
		case next.deleted:
			op = changefeed.OpDeleted
		case cur == nil || cur.deleted:
			op = changefeed.OpCreated
		}
		r.changes.Publish(Change{
			Class:     snap.EntityClass,
			ID:        ent.ID,
			Operation: op,
			Payload:   copyPayload(next.payload),
			Watermark: next.watermark,
			Source:    SourceSnapshot,
		})
	}

	if snap.Complete {
		for id, cur := range entries {
			if _, ok := seen[id]; ok || cur.deleted {
				continue
			}
			cur.deleted = true
			cur.payload = nil
			res.Removed++
			r.changes.Publish(Change{
				Class:     snap.EntityClass,
				ID:        id,
				Operation: changefeed.OpDeleted,
				Watermark: cur.watermark,
				Source:    SourceSnapshot,
			})
		}
	}

	r.logger.Debug().
		Str("entity_class", string(snap.EntityClass)).
		Bool("complete", snap.Complete).
		Int("replaced", res.Replaced).
		Int("skipped", res.Skipped).
		Int("removed", res.Removed).
		Msg("snapshot applied")

	return res
}

// Query returns the live entities of class ordered by id.
func (r *Reconciler) Query(class changefeed.EntityClass) []changefeed.Entity {
	out := []changefeed.Entity{}
	_ = r.do(func(c cache) {
		out = collect(c[class], false)
	})
	return out
}

// Get returns one live entity.
func (r *Reconciler) Get(class changefeed.EntityClass, id string) (changefeed.Entity, bool) {
	var (
		out changefeed.Entity
		ok  bool
	)
	_ = r.do(func(c cache) {
		e, found := c[class][id]
		if !found || e.deleted {
			return
		}
		out = changefeed.Entity{ID: id, Payload: copyPayload(e.payload), Watermark: e.watermark}
		ok = true
	})
	return out, ok
}

// Watermark returns the cached watermark of id, tombstones included.
func (r *Reconciler) Watermark(class changefeed.EntityClass, id string) int64 {
	var wm int64
	_ = r.do(func(c cache) {
		if e, ok := c[class][id]; ok {
			wm = e.watermark
		}
	})
	return wm
}

// Snapshot exports class as a complete snapshot, tombstones included, so a
// reconciler can serve as the snapshot source for other clients.
func (r *Reconciler) Snapshot(ctx context.Context, class changefeed.EntityClass) (*changefeed.Snapshot, error) {
	if !class.Valid() {
		return nil, changefeed.ErrUnknownClass
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &changefeed.Snapshot{EntityClass: class, Complete: true}
	if err := r.do(func(c cache) {
		snap.Entities = collect(c[class], true)
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

func collect(entries map[string]*entry, withTombstones bool) []changefeed.Entity {
	out := make([]changefeed.Entity, 0, len(entries))
	for id, e := range entries {
		if e.deleted && !withTombstones {
			continue
		}
		out = append(out, changefeed.Entity{
			ID:        id,
			Payload:   copyPayload(e.payload),
			Watermark: e.watermark,
			Deleted:   e.deleted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}

var _ changefeed.SnapshotSource = (*Reconciler)(nil)
