package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/reconcile"
	"github.com/searchlight/searchlight/internal/topic"
	"github.com/searchlight/searchlight/internal/worker"
)

type recordedBroadcast struct {
	topic   string
	content notification.Content
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []recordedBroadcast
	fail  map[string]error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, name string, content notification.Content) (*notification.BroadcastResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedBroadcast{topic: name, content: content})
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	return &notification.BroadcastResult{Topic: name, Recipients: 1, Created: 1}, nil
}

type fakeGateway struct {
	mu     sync.Mutex
	events []changefeed.ChangeEvent
}

func (f *fakeGateway) PublishChange(ev changefeed.ChangeEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 3
}

func newProcessor(t *testing.T) (*worker.ChangeProcessor, *reconcile.Reconciler, *fakeGateway, *fakeBroadcaster) {
	t.Helper()
	projection := reconcile.New(zerolog.Nop())
	t.Cleanup(projection.Close)

	gw := &fakeGateway{}
	bc := &fakeBroadcaster{}
	p := worker.NewChangeProcessor(worker.ChangeProcessorConfig{
		Projection:    projection,
		Gateway:       gw,
		Notifications: bc,
		Logger:        zerolog.Nop(),
	})
	return p, projection, gw, bc
}

func caseCreated(id string, watermark int64, payload map[string]any) changefeed.ChangeEvent {
	return changefeed.ChangeEvent{
		EntityClass: changefeed.ClassCase,
		Operation:   changefeed.OpCreated,
		EntityID:    id,
		Payload:     payload,
		Watermark:   watermark,
	}
}

func TestChangeProcessor_NewCaseNotifiesNewCases(t *testing.T) {
	p, projection, gw, bc := newProcessor(t)

	res, err := p.Process(context.Background(), caseCreated("c1", 1, map[string]any{
		"title":    "Missing hiker",
		"priority": "normal",
		"region":   "north",
	}))
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, 3, res.Sessions)
	require.Len(t, bc.calls, 1)
	assert.Equal(t, topic.NewCases, bc.calls[0].topic)
	assert.Equal(t, notification.TypeNewCase, bc.calls[0].content.Type)
	assert.Equal(t, notification.PriorityNormal, bc.calls[0].content.Priority)
	assert.Equal(t, "New case: Missing hiker", bc.calls[0].content.Title)
	assert.Equal(t, "A new case was opened in north.", bc.calls[0].content.Body)
	require.NotNil(t, bc.calls[0].content.CaseID)
	assert.Equal(t, "c1", *bc.calls[0].content.CaseID)

	require.Len(t, gw.events, 1)
	_, ok := projection.Get(changefeed.ClassCase, "c1")
	assert.True(t, ok)
}

func TestChangeProcessor_UrgentCaseAlsoNotifiesPriorityTopic(t *testing.T) {
	for _, level := range []string{"urgent", "critical"} {
		t.Run(level, func(t *testing.T) {
			p, _, _, bc := newProcessor(t)

			_, err := p.Process(context.Background(), caseCreated("c1", 1, map[string]any{"priority": level}))
			require.NoError(t, err)

			require.Len(t, bc.calls, 2)
			assert.Equal(t, topic.NewCases, bc.calls[0].topic)
			assert.Equal(t, notification.PriorityUrgent, bc.calls[0].content.Priority)
			assert.Equal(t, topic.Priority(level), bc.calls[1].topic)
			assert.Equal(t, notification.TypeUrgent, bc.calls[1].content.Type)
		})
	}
}

func TestChangeProcessor_CaseUpdatedNotifiesCaseTopic(t *testing.T) {
	p, _, _, bc := newProcessor(t)

	_, err := p.Process(context.Background(), caseCreated("c1", 1, nil))
	require.NoError(t, err)

	_, err = p.Process(context.Background(), changefeed.ChangeEvent{
		EntityClass: changefeed.ClassCase,
		Operation:   changefeed.OpUpdated,
		EntityID:    "c1",
		Payload:     map[string]any{"status": "found"},
		Watermark:   2,
	})
	require.NoError(t, err)

	require.Len(t, bc.calls, 2)
	assert.Equal(t, topic.Case("c1"), bc.calls[1].topic)
	assert.Equal(t, notification.TypeCaseUpdated, bc.calls[1].content.Type)
	assert.Equal(t, "Status is now found.", bc.calls[1].content.Body)
}

func TestChangeProcessor_StaleEventIsNoOp(t *testing.T) {
	p, _, gw, bc := newProcessor(t)

	_, err := p.Process(context.Background(), caseCreated("c1", 5, nil))
	require.NoError(t, err)

	// Redelivery and older events change nothing and notify nobody.
	for _, wm := range []int64{5, 3} {
		res, err := p.Process(context.Background(), caseCreated("c1", wm, nil))
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}

	assert.Len(t, bc.calls, 1)
	assert.Len(t, gw.events, 1)
}

func TestChangeProcessor_NonCaseChangesDoNotNotify(t *testing.T) {
	p, _, gw, bc := newProcessor(t)

	res, err := p.Process(context.Background(), changefeed.ChangeEvent{
		EntityClass: changefeed.ClassRunner,
		Operation:   changefeed.OpDeactivated,
		EntityID:    "r1",
		Watermark:   1,
	})
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Empty(t, bc.calls)
	assert.Len(t, gw.events, 1)
}

func TestChangeProcessor_RejectsInvalidEvents(t *testing.T) {
	p, _, gw, _ := newProcessor(t)

	tests := []struct {
		name string
		ev   changefeed.ChangeEvent
	}{
		{"unknown class", changefeed.ChangeEvent{EntityClass: "shop_order", Operation: changefeed.OpCreated, EntityID: "o1", Watermark: 1}},
		{"unknown operation", changefeed.ChangeEvent{EntityClass: changefeed.ClassCase, Operation: "archived", EntityID: "c1", Watermark: 1}},
		{"missing id", changefeed.ChangeEvent{EntityClass: changefeed.ClassCase, Operation: changefeed.OpCreated, Watermark: 1}},
		{"zero watermark", changefeed.ChangeEvent{EntityClass: changefeed.ClassCase, Operation: changefeed.OpCreated, EntityID: "c1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), tt.ev)
			assert.ErrorIs(t, err, worker.ErrInvalidChange)
		})
	}
	assert.Empty(t, gw.events)
}

func TestChangeProcessor_BroadcastFailureLeavesEventUnapplied(t *testing.T) {
	p, projection, gw, bc := newProcessor(t)
	bc.fail = map[string]error{topic.NewCases: errors.New("database unavailable")}

	ev := caseCreated("c1", 1, map[string]any{"priority": "urgent"})
	res, err := p.Process(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "new_cases")

	// The priority broadcast went out; the event waits for redelivery.
	assert.False(t, res.Applied)
	require.Len(t, res.Broadcasts, 1)
	assert.Equal(t, topic.Priority("urgent"), res.Broadcasts[0].Topic)
	assert.Zero(t, projection.Watermark(changefeed.ClassCase, "c1"))
	assert.Empty(t, gw.events)

	bc.fail = nil
	res, err = p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.Len(t, res.Broadcasts, 1)
	assert.Equal(t, topic.NewCases, res.Broadcasts[0].Topic)
	assert.Equal(t, int64(1), projection.Watermark(changefeed.ClassCase, "c1"))
	assert.Len(t, gw.events, 1)

	// Three attempts in all: the failed one, the priority topic, the retry.
	require.Len(t, bc.calls, 3)
	assert.Equal(t, topic.NewCases, bc.calls[2].topic)

	res, err = p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, bc.calls, 3)
}

func TestChangeProcessor_SameEntityIsSerialized(t *testing.T) {
	p, projection, _, bc := newProcessor(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), caseCreated("c1", 4, nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, bc.calls, 1)
	assert.Equal(t, int64(4), projection.Watermark(changefeed.ClassCase, "c1"))
}

func TestHandleChangeMessage(t *testing.T) {
	p, _, _, bc := newProcessor(t)

	ok := []byte(`{"entityClass":"case","operation":"created","entityId":"c9","watermark":1,"payload":{"title":"Lost dog"}}`)
	assert.Equal(t, worker.Ack, worker.HandleChangeMessage(context.Background(), p, ok, zerolog.Nop()))
	require.Len(t, bc.calls, 1)

	assert.Equal(t, worker.Ack, worker.HandleChangeMessage(context.Background(), p, []byte(`{not json`), zerolog.Nop()))
	assert.Equal(t, worker.Ack, worker.HandleChangeMessage(context.Background(), p, []byte(`{"entityClass":"case"}`), zerolog.Nop()))

	bc.fail = map[string]error{topic.NewCases: errors.New("boom")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	again := []byte(`{"entityClass":"case","operation":"created","entityId":"c10","watermark":1}`)
	assert.Equal(t, worker.Nack, worker.HandleChangeMessage(ctx, p, again, zerolog.Nop()))
}

func TestHandleChangeMessage_RedeliveryAfterBroadcastFailure(t *testing.T) {
	p, _, _, bc := newProcessor(t)
	msg := []byte(`{"entityClass":"case","operation":"created","entityId":"c11","watermark":2,"payload":{"title":"Found cat"}}`)

	bc.fail = map[string]error{topic.NewCases: errors.New("database unavailable")}
	assert.Equal(t, worker.Nack, worker.HandleChangeMessage(context.Background(), p, msg, zerolog.Nop()))

	bc.fail = nil
	assert.Equal(t, worker.Ack, worker.HandleChangeMessage(context.Background(), p, msg, zerolog.Nop()))

	require.Len(t, bc.calls, 2)
	assert.Equal(t, topic.NewCases, bc.calls[1].topic)
	assert.Equal(t, "New case: Found cat", bc.calls[1].content.Title)
}
