package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"srdwatch/internal/srd/fetcher"
	"srdwatch/internal/srd/locker"
	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/reconciler"
	"srdwatch/internal/srd/service"
	"srdwatch/internal/srd/service/mocks"
	"srdwatch/internal/srd/store"
	dErrors "srdwatch/pkg/domain-errors"
)

const (
	idNumber = "9206160000085"
	mobile   = "0821234567"
)

type ServiceSuite struct {
	suite.Suite
	ctx        context.Context
	ctrl       *gomock.Controller
	fetcher    *mocks.MockFetcher
	reconciler *mocks.MockReconciler
	reader     *mocks.MockSnapshotReader
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.reconciler = mocks.NewMockReconciler(s.ctrl)
	s.reader = mocks.NewMockSnapshotReader(s.ctrl)
}

func (s *ServiceSuite) newService(opts ...service.Option) *service.Service {
	return service.New(s.fetcher, s.reconciler, s.reader, opts...)
}

func payload() *models.Payload {
	return &models.Payload{AppID: "667123", Sapo: "Not Selected", Status: "Application complete", Outcomes: []models.PayloadOutcome{}}
}

func (s *ServiceSuite) TestCheckFetchesThenReconciles() {
	p := payload()
	snap := &models.Snapshot{Application: models.Application{Status: p.Status}}
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(p, nil),
		s.reconciler.EXPECT().Reconcile(gomock.Any(), idNumber, mobile, p).Return(snap, nil),
	)

	got, err := s.newService().Check(s.ctx, idNumber, mobile)

	s.Require().NoError(err)
	s.Same(snap, got)
}

func (s *ServiceSuite) TestCheckRejectsMissingKeyWithoutCalls() {
	_, err := s.newService().Check(s.ctx, "", mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestFetchFailuresNeverReachReconciler() {
	tests := []struct {
		name string
		err  error
		code dErrors.Code
	}{
		{
			name: "unreachable",
			err:  &fetcher.Error{Kind: fetcher.KindUnreachable, Message: "timeout", Underlying: context.DeadlineExceeded, Retryable: true},
			code: dErrors.CodeTimeout,
		},
		{
			name: "rejected",
			err:  &fetcher.Error{Kind: fetcher.KindRejectedByServer, StatusCode: 404},
			code: dErrors.CodeBadGateway,
		},
		{
			name: "malformed",
			err:  &fetcher.Error{Kind: fetcher.KindMalformed, Message: "not json"},
			code: dErrors.CodeBadGateway,
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(nil, tt.err)

			_, err := s.newService().Check(s.ctx, idNumber, mobile)

			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
			var fe *fetcher.Error
			s.Require().ErrorAs(err, &fe)
			s.Equal(tt.err, fe)
		})
	}
}

func (s *ServiceSuite) TestRetryableFetchIsRetried() {
	unavailable := &fetcher.Error{Kind: fetcher.KindRejectedByServer, StatusCode: 503, Retryable: true}
	p := payload()
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(nil, unavailable).Times(2),
		s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(p, nil),
	)
	s.reconciler.EXPECT().Reconcile(gomock.Any(), idNumber, mobile, p).Return(&models.Snapshot{}, nil)

	svc := s.newService(service.WithRetry(service.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}))
	_, err := svc.Check(s.ctx, idNumber, mobile)

	s.NoError(err)
}

func (s *ServiceSuite) TestRetriesStopAtMaxAttempts() {
	unreachable := &fetcher.Error{Kind: fetcher.KindUnreachable, Retryable: true}
	s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(nil, unreachable).Times(2)

	svc := s.newService(service.WithRetry(service.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}))
	_, err := svc.Check(s.ctx, idNumber, mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *ServiceSuite) TestPermanentFetchFailureIsNotRetried() {
	malformed := &fetcher.Error{Kind: fetcher.KindMalformed}
	s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(nil, malformed).Times(1)

	svc := s.newService(service.WithRetry(service.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond}))
	_, err := svc.Check(s.ctx, idNumber, mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeBadGateway))
}

func (s *ServiceSuite) TestReconcileFailuresAreCoded() {
	tests := []struct {
		name string
		err  error
		code dErrors.Code
	}{
		{name: "conflict", err: &reconciler.Error{Kind: reconciler.KindPersistence, Err: fmt.Errorf("create application: %w", store.ErrConflict)}, code: dErrors.CodeConflict},
		{name: "storage", err: &reconciler.Error{Kind: reconciler.KindPersistence, Err: errors.New("disk full")}, code: dErrors.CodeInternal},
		{name: "cancelled", err: &reconciler.Error{Kind: reconciler.KindPersistence, Err: context.Canceled}, code: dErrors.CodeTimeout},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(payload(), nil)
			s.reconciler.EXPECT().Reconcile(gomock.Any(), idNumber, mobile, gomock.Any()).Return(nil, tt.err)

			_, err := s.newService().Check(s.ctx, idNumber, mobile)

			s.Equal(tt.code, dErrors.CodeOf(err))
		})
	}
}

func (s *ServiceSuite) TestCheckWhileLockedIsConflict() {
	l := locker.NewSharded()
	_, release, err := l.Acquire(s.ctx, models.Key{IDNumber: idNumber, Mobile: mobile}.LockKey())
	s.Require().NoError(err)
	defer release()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.newService(service.WithLocker(l)).Check(ctx, idNumber, mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.ErrorIs(err, locker.ErrLockNotObtained)
}

// expiringLocker hands out a hold that is lost as soon as expire is called.
type expiringLocker struct {
	expire context.CancelCauseFunc
}

func (l *expiringLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	l.expire = func(error) { cancel(fmt.Errorf("%w: %s", locker.ErrLockLost, key)) }
	return held, func() { cancel(nil) }, nil
}

func (s *ServiceSuite) TestLockLostDuringFetchSkipsReconcile() {
	l := &expiringLocker{}
	s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).DoAndReturn(
		func(ctx context.Context, _, _ string) (*models.Payload, error) {
			l.expire(nil)
			return nil, ctx.Err()
		})

	_, err := s.newService(service.WithLocker(l)).Check(s.ctx, idNumber, mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.ErrorIs(err, locker.ErrLockLost)
}

func (s *ServiceSuite) TestLockLostDuringReconcileIsConflict() {
	l := &expiringLocker{}
	s.fetcher.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(payload(), nil)
	s.reconciler.EXPECT().Reconcile(gomock.Any(), idNumber, mobile, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _, _ string, _ *models.Payload) (*models.Snapshot, error) {
			l.expire(nil)
			return nil, ctx.Err()
		})

	_, err := s.newService(service.WithLocker(l)).Check(s.ctx, idNumber, mobile)

	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.ErrorIs(err, locker.ErrLockLost)
}

func (s *ServiceSuite) TestLatest() {
	key := models.Key{IDNumber: idNumber, Mobile: mobile}

	s.Run("found", func() {
		snap := &models.Snapshot{}
		s.reader.EXPECT().FindSnapshot(gomock.Any(), key).Return(snap, nil)
		got, err := s.newService().Latest(s.ctx, idNumber, mobile)
		s.Require().NoError(err)
		s.Same(snap, got)
	})

	s.Run("not found", func() {
		s.reader.EXPECT().FindSnapshot(gomock.Any(), key).Return(nil, store.ErrNotFound)
		_, err := s.newService().Latest(s.ctx, idNumber, mobile)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRecheckAllContinuesPastFailures() {
	keys := []models.Key{
		{IDNumber: "1", Mobile: "0820000001"},
		{IDNumber: "2", Mobile: "0820000002"},
		{IDNumber: "3", Mobile: "0820000003"},
	}
	s.reader.EXPECT().ListKeys(gomock.Any()).Return(keys, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "1", "0820000001").Return(payload(), nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "2", "0820000002").Return(nil, &fetcher.Error{Kind: fetcher.KindUnreachable})
	s.fetcher.EXPECT().Fetch(gomock.Any(), "3", "0820000003").Return(payload(), nil)
	s.reconciler.EXPECT().Reconcile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&models.Snapshot{}, nil).Times(2)

	results, err := s.newService().RecheckAll(s.ctx, 2)

	s.Require().NoError(err)
	s.Require().Len(results, 3)
	for i, r := range results {
		s.Equal(keys[i], r.Key)
	}
	s.NoError(results[0].Err)
	s.True(dErrors.HasCode(results[1].Err, dErrors.CodeTimeout))
	s.NoError(results[2].Err)
}

// TestFetchFailureLeavesStoreUntouched runs the real reconciler and store
// behind a failing fetcher.
func TestFetchFailureLeavesStoreUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := mocks.NewMockFetcher(ctrl)
	st := store.NewInMemory()
	svc := service.New(f, reconciler.New(st), st)
	ctx := context.Background()

	f.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(payload(), nil)
	_, err := svc.Check(ctx, idNumber, mobile)
	require.NoError(t, err)
	before, err := st.FindSnapshot(ctx, models.Key{IDNumber: idNumber, Mobile: mobile})
	require.NoError(t, err)
	counts := st.Counts()

	f.EXPECT().Fetch(gomock.Any(), idNumber, mobile).Return(nil, &fetcher.Error{Kind: fetcher.KindUnreachable, Retryable: true})
	_, err = svc.Check(ctx, idNumber, mobile)

	kind, ok := fetcher.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fetcher.KindUnreachable, kind)
	assert.Equal(t, counts, st.Counts())
	after, err := st.FindSnapshot(ctx, models.Key{IDNumber: idNumber, Mobile: mobile})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
