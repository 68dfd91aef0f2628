package notification_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/notification"
	"github.com/searchlight/searchlight/internal/subscription"
)

func TestService_Send(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)

	assert.Contains(t, n.ID, "ntf_")
	assert.Equal(t, notification.StatusCreated, n.Status)
	assert.Equal(t, 3, n.MaxRetries)
	assert.Nil(t, n.Topic)
	assert.Equal(t, p.clock.Now().Add(notification.DefaultTTL), n.ExpiresAt)

	stored, err := p.repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", stored.RecipientUserID)

	require.Len(t, p.live.msgs["usr_1"], 1)
	assert.Equal(t, n.ID, p.live.msgs["usr_1"][0].ID)
}

func TestService_Send_Validation(t *testing.T) {
	p := newPipeline()

	c := content()
	c.Title = ""
	c.Type = "gossip"
	_, err := p.service.Send(context.Background(), notification.SendInput{Content: c})

	var verr *notification.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"title", "type", "recipientUserId"}, fields)
}

func TestService_Send_DefaultsPriorityAndTTL(t *testing.T) {
	p := newPipeline()

	c := content()
	c.Priority = ""
	c.TTL = time.Hour
	n, err := p.service.Send(context.Background(), notification.SendInput{RecipientUserID: "usr_1", Content: c})
	require.NoError(t, err)

	assert.Equal(t, notification.PriorityNormal, n.Priority)
	assert.Equal(t, p.clock.Now().Add(time.Hour), n.ExpiresAt)
}

func TestService_Broadcast_OneRowPerSubscriber(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	for _, id := range []string{"usr_1", "usr_2", "usr_3"} {
		p.addUser(t, id)
		_, err := p.subscriptions.Subscribe(ctx, id, "case_7", subscription.ReasonCaseFollow)
		require.NoError(t, err)
	}

	result, err := p.service.Broadcast(ctx, "case_7", content())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Recipients)
	assert.Equal(t, 3, result.Created)
	assert.Zero(t, result.Failed)
	require.Len(t, result.NotificationIDs, 3)

	recipients := map[string]bool{}
	for _, id := range result.NotificationIDs {
		n, err := p.repo.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, n.Topic)
		assert.Equal(t, "case_7", *n.Topic)
		recipients[n.RecipientUserID] = true
	}
	assert.Len(t, recipients, 3)
}

func TestService_Broadcast_SkipsInactiveUsers(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	p.addUser(t, "usr_1")
	p.addUser(t, "usr_2")
	for _, id := range []string{"usr_1", "usr_2"} {
		_, err := p.subscriptions.Subscribe(ctx, id, "new_cases", "")
		require.NoError(t, err)
	}
	p.directory.Put(directoryUser("usr_2", false))

	result, err := p.service.Broadcast(ctx, "new_cases", content())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestService_Broadcast_InvalidTopic(t *testing.T) {
	p := newPipeline()

	_, err := p.service.Broadcast(context.Background(), "not a topic", content())

	var verr *notification.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "topic", verr.Errors[0].Field)
}

func TestService_Broadcast_NoSubscribers(t *testing.T) {
	p := newPipeline()

	result, err := p.service.Broadcast(context.Background(), "org_all", content())
	require.NoError(t, err)
	assert.Zero(t, result.Recipients)
	assert.Empty(t, result.NotificationIDs)
}

// Subscribe U to priority_critical, broadcast, and check the row and the
// subscription counters.
func TestService_Broadcast_EndToEnd(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()
	p.addUser(t, "usr_u")

	_, err := p.subscriptions.Subscribe(ctx, "usr_u", "priority_critical", "")
	require.NoError(t, err)
	before, err := p.subRepo.Get(ctx, "usr_u", "priority_critical")
	require.NoError(t, err)
	require.Nil(t, before.LastNotificationSent)

	p.clock.Advance(time.Minute)
	result, err := p.service.Broadcast(ctx, "priority_critical", content())
	require.NoError(t, err)
	require.Len(t, result.NotificationIDs, 1)

	n, err := p.repo.Get(ctx, result.NotificationIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "usr_u", n.RecipientUserID)
	require.NotNil(t, n.Topic)
	assert.Equal(t, "priority_critical", *n.Topic)

	after, err := p.subRepo.Get(ctx, "usr_u", "priority_critical")
	require.NoError(t, err)
	assert.Equal(t, before.NotificationCount+1, after.NotificationCount)
	require.NotNil(t, after.LastNotificationSent)
	assert.Equal(t, p.clock.Now(), *after.LastNotificationSent)
}

func TestService_Acks(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()
	p.addUser(t, "usr_1")

	n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)

	// Acks before the push was accepted are rejected.
	_, err = p.service.MarkDelivered(ctx, "usr_1", n.ID)
	assert.ErrorIs(t, err, notification.ErrInvalidTransition)

	_, err = p.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	delivered, err := p.service.MarkDelivered(ctx, "usr_1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, delivered.Status)

	again, err := p.service.MarkDelivered(ctx, "usr_1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, again.Status)

	opened, err := p.service.MarkOpened(ctx, "usr_1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusOpened, opened.Status)
	assert.NotNil(t, opened.OpenedAt)

	late, err := p.service.MarkDelivered(ctx, "usr_1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusOpened, late.Status)
}

func TestService_Acks_WrongOwner(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)

	_, err = p.service.MarkOpened(ctx, "usr_2", n.ID)
	assert.True(t, notification.IsNotFound(err))
}

func TestService_ReportHardFailure(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()
	dev := p.addUser(t, "usr_1")

	n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)
	_, err = p.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	failed, err := p.service.ReportHardFailure(ctx, n.ID, dev.Token, "endpoint gone")
	require.NoError(t, err)
	assert.Equal(t, notification.StatusFailed, failed.Status)
	assert.False(t, failed.RetryPending())
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "endpoint gone", *failed.LastError)

	active, err := p.devices.ListActive(ctx, "usr_1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Repeated feedback is absorbed.
	_, err = p.service.ReportHardFailure(ctx, n.ID, dev.Token, "endpoint gone")
	require.NoError(t, err)
}

func TestService_ReportHardFailureStopsPendingRetry(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()
	dev := p.addUser(t, "usr_1")
	p.provider.FailNext(dev.Token, errors.New("timeout"))

	n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)
	_, err = p.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	pending, err := p.repo.Get(ctx, n.ID)
	require.NoError(t, err)
	require.True(t, pending.RetryPending())

	failed, err := p.service.ReportHardFailure(ctx, n.ID, dev.Token, "endpoint gone")
	require.NoError(t, err)
	assert.Equal(t, notification.StatusFailed, failed.Status)
	assert.False(t, failed.RetryPending())
	assert.Equal(t, "endpoint gone", *failed.LastError)

	// The retry never runs.
	p.clock.Advance(time.Hour)
	claimed, err := p.dispatcher.Claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Equal(t, 1, p.provider.Calls())
}

func TestService_ListForRecipient(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		n, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_1", Content: content()})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	_, err := p.service.Send(ctx, notification.SendInput{RecipientUserID: "usr_2", Content: content()})
	require.NoError(t, err)

	page, next, err := p.service.ListForRecipient(ctx, "usr_1", 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[2], next)

	rest, next, err := p.service.ListForRecipient(ctx, "usr_1", 3, next)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)
	assert.Empty(t, next)
}

func TestToAPI(t *testing.T) {
	p := newPipeline()

	n, err := p.service.Send(context.Background(), notification.SendInput{RecipientUserID: "usr_1", Content: content()})
	require.NoError(t, err)

	api := notification.ToAPI(n)
	assert.Equal(t, n.ID, api.ID)
	assert.Equal(t, "new_case", api.Type)
	assert.Equal(t, "created", api.Status)
	assert.Nil(t, api.SentAt)
}
