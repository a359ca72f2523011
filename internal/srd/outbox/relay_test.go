package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/outbox"
	"srdwatch/internal/srd/outbox/mocks"
	"srdwatch/internal/srd/store"
	"srdwatch/pkg/platform/circuit"
)

type RelaySuite struct {
	suite.Suite
	ctx       context.Context
	ctrl      *gomock.Controller
	store     *store.InMemoryStore
	publisher *mocks.MockPublisher
	metrics   *metrics.Metrics
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewInMemory()
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
}

// seed appends n events in one transaction and returns their ids in order.
func (s *RelaySuite) seed(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	aggregate := uuid.New()
	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		for i := range ids {
			ids[i] = uuid.New()
			err := tx.AppendEvent(ctx, &models.Event{
				ID:          ids[i],
				AggregateID: aggregate,
				Type:        models.EventStatusChanged,
				Payload:     []byte(`{}`),
				CreatedAt:   time.Date(2024, 5, 1, 10, 0, i, 0, time.UTC),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	s.Require().NoError(err)
	return ids
}

func (s *RelaySuite) pendingIDs() []uuid.UUID {
	events, err := s.store.PendingEvents(s.ctx, 0)
	s.Require().NoError(err)
	ids := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func hasID(id uuid.UUID) gomock.Matcher {
	return gomock.Cond(func(e models.Event) bool { return e.ID == id })
}

func (s *RelaySuite) TestRunOncePublishesInOrderAndMarks() {
	ids := s.seed(3)
	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[0])).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[1])).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[2])).Return(nil),
	)

	relay := outbox.New(s.store, s.publisher, outbox.WithMetrics(s.metrics))
	n, err := relay.RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(3, n)
	s.Empty(s.pendingIDs())
	s.Equal(float64(3), testutil.ToFloat64(s.metrics.OutboxPublished))
}

func (s *RelaySuite) TestRunOnceNothingPending() {
	relay := outbox.New(s.store, s.publisher)
	n, err := relay.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *RelaySuite) TestPublishFailureStopsBatchAndResumesNextTick() {
	ids := s.seed(3)
	brokerDown := errors.New("broker down")

	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[0])).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[1])).Return(brokerDown),
	)
	relay := outbox.New(s.store, s.publisher, outbox.WithMetrics(s.metrics))

	n, err := relay.RunOnce(s.ctx)
	s.Require().ErrorIs(err, brokerDown)
	s.Equal(1, n)
	s.Equal([]uuid.UUID{ids[1], ids[2]}, s.pendingIDs())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.OutboxFailures))

	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[1])).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[2])).Return(nil),
	)
	n, err = relay.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Empty(s.pendingIDs())
}

func (s *RelaySuite) TestBatchSizeCapsOneTick() {
	ids := s.seed(5)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	relay := outbox.New(s.store, s.publisher, outbox.WithBatchSize(2))
	n, err := relay.RunOnce(s.ctx)

	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(ids[2:], s.pendingIDs())
}

func (s *RelaySuite) TestPendingEventsErrorIsReturned() {
	source := mocks.NewMockSource(s.ctrl)
	source.EXPECT().PendingEvents(gomock.Any(), 100).Return(nil, errors.New("db gone"))

	relay := outbox.New(source, s.publisher)
	_, err := relay.RunOnce(s.ctx)
	s.Require().ErrorContains(err, "db gone")
}

func (s *RelaySuite) TestMarkPublishedErrorIsReturned() {
	event := models.Event{ID: uuid.New(), Type: models.EventOutcomeRecorded}
	source := mocks.NewMockSource(s.ctrl)
	source.EXPECT().PendingEvents(gomock.Any(), gomock.Any()).Return([]models.Event{event}, nil)
	source.EXPECT().MarkPublished(gomock.Any(), []uuid.UUID{event.ID}, gomock.Any()).Return(errors.New("read only"))
	s.publisher.EXPECT().Publish(gomock.Any(), hasID(event.ID)).Return(nil)

	relay := outbox.New(source, s.publisher, outbox.WithMetrics(s.metrics))
	n, err := relay.RunOnce(s.ctx)

	s.Require().ErrorContains(err, "read only")
	s.Zero(n)
	s.Zero(testutil.ToFloat64(s.metrics.OutboxPublished))
}

func (s *RelaySuite) TestRunMarksEventsPublishedBeforeShutdown() {
	ids := s.seed(1)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[0])).DoAndReturn(
		func(context.Context, models.Event) error {
			cancel()
			return nil
		})

	relay := outbox.New(s.store, s.publisher, outbox.WithInterval(time.Hour))
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case err := <-done:
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.FailNow("relay did not stop")
	}
	s.Empty(s.pendingIDs())
}

func (s *RelaySuite) TestBreakerPausesPublishingUntilCooldown() {
	ids := s.seed(2)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	breaker := circuit.New("broker",
		circuit.WithFailureThreshold(1),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	relay := outbox.New(s.store, s.publisher, outbox.WithBreaker(breaker))

	s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[0])).Return(errors.New("broker down"))
	_, err := relay.RunOnce(s.ctx)
	s.Require().Error(err)
	s.True(breaker.IsOpen())

	_, err = relay.RunOnce(s.ctx)
	s.Require().ErrorIs(err, outbox.ErrCircuitOpen)

	now = now.Add(time.Minute)
	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[0])).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), hasID(ids[1])).Return(nil),
	)
	n, err := relay.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.False(breaker.IsOpen())
}
