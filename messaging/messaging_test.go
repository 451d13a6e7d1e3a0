package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/handlers"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

type fakeApplications struct {
	submitted []handlers.SubmitApplicationCommand
	approved  []handlers.ReviewApplicationCommand
	err       error
}

func (f *fakeApplications) Submit(ctx context.Context, cmd handlers.SubmitApplicationCommand) (handlers.Result, error) {
	f.submitted = append(f.submitted, cmd)
	return handlers.Result{ID: cmd.ApplicationID, Version: 1}, f.err
}

func (f *fakeApplications) Update(ctx context.Context, cmd handlers.UpdateApplicationCommand) (handlers.Result, error) {
	return handlers.Result{}, f.err
}

func (f *fakeApplications) Approve(ctx context.Context, cmd handlers.ReviewApplicationCommand) (handlers.Result, error) {
	f.approved = append(f.approved, cmd)
	return handlers.Result{ID: cmd.ApplicationID, Version: 2}, f.err
}

func (f *fakeApplications) Reject(ctx context.Context, cmd handlers.ReviewApplicationCommand) (handlers.Result, error) {
	return handlers.Result{}, f.err
}

func (f *fakeApplications) Withdraw(ctx context.Context, cmd handlers.WithdrawApplicationCommand) (handlers.Result, error) {
	return handlers.Result{}, f.err
}

type fakeSuggestions struct {
	declined []handlers.DeclineMatchSuggestionCommand
}

func (f *fakeSuggestions) Generate(ctx context.Context, cmd handlers.GenerateMatchSuggestionCommand) (handlers.Result, error) {
	return handlers.Result{}, nil
}

func (f *fakeSuggestions) Accept(ctx context.Context, cmd handlers.AcceptMatchSuggestionCommand) (handlers.Result, error) {
	return handlers.Result{}, nil
}

func (f *fakeSuggestions) Decline(ctx context.Context, cmd handlers.DeclineMatchSuggestionCommand) (handlers.Result, error) {
	f.declined = append(f.declined, cmd)
	return handlers.Result{}, nil
}

func (f *fakeSuggestions) Expire(ctx context.Context, cmd handlers.ExpireMatchSuggestionCommand) (handlers.Result, error) {
	return handlers.Result{}, nil
}

func envelope(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(AzureBusMessage{EventType: eventType, Data: raw})
	require.NoError(t, err)
	return body
}

func TestProcessorDispatch(t *testing.T) {
	ctx := context.Background()
	apps := &fakeApplications{}
	suggestions := &fakeSuggestions{}
	p := NewProcessor(apps, suggestions)

	err := p.Dispatch(ctx, envelope(t, SubmitApplication, map[string]interface{}{
		"applicationId": "A1", "volunteerId": "V1", "opportunityId": "O1", "organizationId": "ORG1",
	}))
	require.NoError(t, err)
	require.Len(t, apps.submitted, 1)
	assert.Equal(t, "ORG1", apps.submitted[0].OrganizationID)

	require.NoError(t, p.Dispatch(ctx, envelope(t, ApproveApplication, map[string]string{"applicationId": "A1", "reviewerId": "R1"})))
	assert.Equal(t, "R1", apps.approved[0].ReviewerID)

	require.NoError(t, p.Dispatch(ctx, envelope(t, DeclineMatchSuggestion, map[string]string{"suggestionId": "M1", "reason": "busy"})))
	assert.Equal(t, "busy", suggestions.declined[0].Reason)
}

func TestProcessorErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed envelope", func(t *testing.T) {
		err := NewProcessor(&fakeApplications{}, &fakeSuggestions{}).Dispatch(ctx, []byte("{"))
		assert.True(t, errors.Is(err, ErrUnprocessable))
	})

	t.Run("unknown command", func(t *testing.T) {
		err := NewProcessor(&fakeApplications{}, &fakeSuggestions{}).Dispatch(ctx, envelope(t, "DeleteEverything", map[string]string{}))
		assert.True(t, errors.Is(err, ErrUnprocessable))
	})

	t.Run("unknown field in data", func(t *testing.T) {
		apps := &fakeApplications{}
		err := NewProcessor(apps, &fakeSuggestions{}).Dispatch(ctx, envelope(t, ApproveApplication, map[string]string{"applicationId": "A1", "score": "1"}))
		assert.True(t, errors.Is(err, ErrUnprocessable))
		assert.Empty(t, apps.approved)
	})

	t.Run("rejection is unprocessable", func(t *testing.T) {
		apps := &fakeApplications{err: domain.UniquenessViolation("test", "pair taken")}
		err := NewProcessor(apps, &fakeSuggestions{}).Dispatch(ctx, envelope(t, SubmitApplication, map[string]string{"volunteerId": "V1"}))
		assert.True(t, errors.Is(err, ErrUnprocessable))
		assert.True(t, errors.Is(err, domain.ErrUniquenessViolation))
	})

	t.Run("storage failure is redelivered", func(t *testing.T) {
		apps := &fakeApplications{err: domain.StorageUnavailable("test", errors.New("down"))}
		err := NewProcessor(apps, &fakeSuggestions{}).Dispatch(ctx, envelope(t, ApproveApplication, map[string]string{"applicationId": "A1"}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnprocessable))
	})
}

type fakeSettler struct {
	completed, abandoned, deadLettered int
	reason                             string
}

func (f *fakeSettler) CompleteMessage(ctx context.Context, m *azservicebus.ReceivedMessage, o *azservicebus.CompleteMessageOptions) error {
	f.completed++
	return nil
}

func (f *fakeSettler) AbandonMessage(ctx context.Context, m *azservicebus.ReceivedMessage, o *azservicebus.AbandonMessageOptions) error {
	f.abandoned++
	return nil
}

func (f *fakeSettler) DeadLetterMessage(ctx context.Context, m *azservicebus.ReceivedMessage, o *azservicebus.DeadLetterOptions) error {
	f.deadLettered++
	f.reason = *o.Reason
	return nil
}

func TestSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeSettler{}
	msg := &azservicebus.ReceivedMessage{MessageID: "m1"}
	settle(ctx, s, msg, nil)
	settle(ctx, s, msg, errors.New("db down"))
	settle(ctx, s, msg, ErrUnprocessable)

	assert.Equal(t, 1, s.completed)
	assert.Equal(t, 1, s.abandoned)
	assert.Equal(t, 1, s.deadLettered)
	assert.Equal(t, "unprocessable", s.reason)
}

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "SERAAJ_EVENTS", Sequence: uint64(len(f.msgs))}, nil
}

func TestNATSPublisher(t *testing.T) {
	js := &fakeJetStream{}
	p := &NATSPublisher{js: js, prefix: "seraaj.events"}

	event := domain.Event{
		ID:            "e1",
		AggregateID:   "A1",
		AggregateType: domain.AggregateTypeApplication,
		Type:          domain.ApplicationSubmitted,
		Version:       1,
		OccurredAt:    time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:       json.RawMessage(`{"volunteerId":"V1"}`),
	}
	require.NoError(t, p.Handle(context.Background(), projections.Projected{Event: event}))

	require.Len(t, js.msgs, 1)
	msg := js.msgs[0]
	assert.Equal(t, "seraaj.events.Application.ApplicationSubmitted", msg.Subject)
	assert.Equal(t, "e1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "A1", msg.Header.Get(HeaderAggregateID))
	assert.Equal(t, "1", msg.Header.Get(HeaderVersion))

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, event.ID, decoded.ID)

	js.err = errors.New("no responders")
	assert.Error(t, p.Handle(context.Background(), projections.Projected{Event: event}))
}

func TestNewNATSPublisherDisabled(t *testing.T) {
	p, err := NewNATSPublisher(context.Background(), config.NATSConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewNATSPublisher(context.Background(), config.NATSConfig{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}
