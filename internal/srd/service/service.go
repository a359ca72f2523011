// Package service runs status checks: lock the applicant, fetch, reconcile.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"srdwatch/internal/srd/fetcher"
	"srdwatch/internal/srd/locker"
	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/reconciler"
	"srdwatch/internal/srd/store"
	"srdwatch/pkg/attrs"
	dErrors "srdwatch/pkg/domain-errors"
	"srdwatch/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Fetcher,Reconciler,SnapshotReader

// Fetcher retrieves the current payload from the status API.
type Fetcher interface {
	Fetch(ctx context.Context, idNumber, mobile string) (*models.Payload, error)
}

// Reconciler persists a payload atomically.
type Reconciler interface {
	Reconcile(ctx context.Context, idNumber, mobile string, payload *models.Payload) (*models.Snapshot, error)
}

// SnapshotReader reads committed state.
type SnapshotReader interface {
	FindSnapshot(ctx context.Context, key models.Key) (*models.Snapshot, error)
	ListKeys(ctx context.Context) ([]models.Key, error)
}

// RetryPolicy is the caller-side retry applied to retryable fetch failures.
// MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

const defaultRecheckConcurrency = 4

type Service struct {
	fetcher    Fetcher
	reconciler Reconciler
	store      SnapshotReader
	locker     locker.Locker
	retry      RetryPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLocker replaces the in-process locker, e.g. with a Redis locker shared across replicas.
func WithLocker(l locker.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithRetry(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

func New(f Fetcher, r Reconciler, st SnapshotReader, opts ...Option) *Service {
	s := &Service{
		fetcher:    f,
		reconciler: r,
		store:      st,
		locker:     locker.NewSharded(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check fetches the applicant's status and reconciles it into the store.
// A fetch failure never reaches the store.
func (s *Service) Check(ctx context.Context, idNumber, mobile string) (*models.Snapshot, error) {
	key := models.Key{IDNumber: idNumber, Mobile: mobile}
	if err := key.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}

	waitStart := time.Now()
	held, release, err := s.locker.Acquire(ctx, key.LockKey())
	s.metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		s.metrics.IncrementCheck("locked")
		if errors.Is(err, locker.ErrLockNotObtained) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "a check for this applicant is already in progress")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "lock service unavailable")
	}
	defer release()

	payload, err := s.fetch(held, key)
	if lost := lockLost(held); lost != nil {
		s.metrics.IncrementCheck("lock_lost")
		return nil, lost
	}
	if err != nil {
		result := "fetch_error"
		if kind, ok := fetcher.KindOf(err); ok {
			result = "fetch_" + string(kind)
		}
		s.metrics.IncrementCheck(result)
		return nil, fetchFailure(err)
	}

	snapshot, err := s.reconciler.Reconcile(held, key.IDNumber, key.Mobile, payload)
	if lost := lockLost(held); err != nil && lost != nil {
		s.metrics.IncrementCheck("lock_lost")
		return nil, lost
	}
	if err != nil {
		s.metrics.IncrementCheck("persistence")
		return nil, reconcileFailure(err)
	}

	s.metrics.IncrementCheck("ok")
	s.logger.InfoContext(ctx, "status check completed",
		attrs.IDNumber(idNumber),
		attrs.Mobile(mobile),
		"trigger", requestcontext.Trigger(ctx),
		"request_id", requestcontext.RequestID(ctx),
		"status", snapshot.Application.Status,
		"outcomes", len(snapshot.Outcomes),
		"warnings", len(snapshot.Warnings),
	)
	return snapshot, nil
}

func (s *Service) fetch(ctx context.Context, key models.Key) (*models.Payload, error) {
	if s.retry.MaxAttempts <= 1 {
		return s.fetcher.Fetch(ctx, key.IDNumber, key.Mobile)
	}

	policy := backoff.NewExponentialBackOff()
	if s.retry.InitialInterval > 0 {
		policy.InitialInterval = s.retry.InitialInterval
	}
	if s.retry.MaxInterval > 0 {
		policy.MaxInterval = s.retry.MaxInterval
	}
	policy.MaxElapsedTime = 0

	var (
		payload *models.Payload
		lastErr error
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		p, err := s.fetcher.Fetch(ctx, key.IDNumber, key.Mobile)
		if err != nil {
			lastErr = err
			if !fetcher.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = p
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retry.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			s.logger.WarnContext(ctx, "retrying status api call",
				attrs.Mobile(key.Mobile),
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		})
	if err != nil {
		// The policy reports ctx.Err() when ctx ends between attempts; keep the fetch classification.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return payload, nil
}

// Latest returns the stored snapshot without calling the status API.
func (s *Service) Latest(ctx context.Context, idNumber, mobile string) (*models.Snapshot, error) {
	key := models.Key{IDNumber: idNumber, Mobile: mobile}
	if err := key.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	snapshot, err := s.store.FindSnapshot(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no stored check for this applicant")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load stored check")
	}
	return snapshot, nil
}

// RecheckResult is the outcome of one key in a sweep.
type RecheckResult struct {
	Key      models.Key
	Snapshot *models.Snapshot
	Err      error
}

// RecheckAll re-runs Check for every stored applicant with at most concurrency
// checks in flight. One key failing does not stop the others; the returned
// error is only set when the sweep itself could not run or ctx ended.
func (s *Service) RecheckAll(ctx context.Context, concurrency int) ([]RecheckResult, error) {
	if concurrency <= 0 {
		concurrency = defaultRecheckConcurrency
	}
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stored applicants")
	}

	ctx = requestcontext.WithTrigger(ctx, "recheck")
	results := make([]RecheckResult, len(keys))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, key := range keys {
		g.Go(func() error {
			keyCtx := requestcontext.WithTime(ctx, time.Now())
			snapshot, err := s.Check(keyCtx, key.IDNumber, key.Mobile)
			results[i] = RecheckResult{Key: key, Snapshot: snapshot, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.InfoContext(ctx, "recheck sweep finished",
		"total", len(results),
		"failed", failed,
	)
	if err := ctx.Err(); err != nil {
		return results, dErrors.Wrap(err, dErrors.CodeTimeout, "recheck sweep interrupted")
	}
	return results, nil
}

// lockLost reports whether held ended because another holder may now own the key.
func lockLost(held context.Context) error {
	if cause := context.Cause(held); errors.Is(cause, locker.ErrLockLost) {
		return dErrors.Wrap(cause, dErrors.CodeConflict, "applicant lock expired before the check finished")
	}
	return nil
}

func fetchFailure(err error) error {
	if errors.Is(err, fetcher.ErrMissingKey) {
		return dErrors.Wrap(err, dErrors.CodeValidation, "id number and mobile are required")
	}
	kind, ok := fetcher.KindOf(err)
	switch {
	case !ok:
		return dErrors.Wrap(err, dErrors.CodeInternal, "status check failed")
	case kind == fetcher.KindUnreachable:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "status API unreachable")
	case kind == fetcher.KindRejectedByServer:
		return dErrors.Wrap(err, dErrors.CodeBadGateway, "status API rejected the request")
	default:
		return dErrors.Wrap(err, dErrors.CodeBadGateway, "status API returned an unreadable response")
	}
}

func reconcileFailure(err error) error {
	if store.IsConflict(err) {
		return dErrors.Wrap(err, dErrors.CodeConflict, "stored records conflict with the fetched application")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "check cancelled before it was saved")
	}
	if kind, ok := reconciler.KindOf(err); ok && kind == reconciler.KindEmptyPayload {
		return dErrors.Wrap(err, dErrors.CodeBadGateway, "status API returned no data")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save status check")
}
