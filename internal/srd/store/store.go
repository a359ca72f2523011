// Package store persists the Identity → Application → StatusCheck → Outcome
// hierarchy and the outbox rows written alongside it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"srdwatch/internal/srd/models"
	"srdwatch/pkg/platform/sentinel"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = sentinel.ErrNotFound

	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = sentinel.ErrConflict
)

// Tx is the view of the store inside one unit of work. Nothing written
// through a Tx is visible to other callers until RunInTx commits.
type Tx interface {
	// ResolveIdentity returns the identity for mobile, creating it when absent.
	ResolveIdentity(ctx context.Context, mobile string, now time.Time) (*models.Identity, bool, error)
	FindIdentity(ctx context.Context, mobile string) (*models.Identity, error)

	FindApplication(ctx context.Context, identityID uuid.UUID, idNumber string) (*models.Application, error)
	CreateApplication(ctx context.Context, app *models.Application) error
	UpdateApplication(ctx context.Context, app *models.Application) error

	// LatestStatusCheck returns the check with the greatest checked_at.
	LatestStatusCheck(ctx context.Context, applicationID uuid.UUID) (*models.StatusCheck, error)
	CreateStatusCheck(ctx context.Context, check *models.StatusCheck) error
	UpdateStatusCheck(ctx context.Context, check *models.StatusCheck) error

	FindOutcome(ctx context.Context, statusCheckID uuid.UUID, period string) (*models.Outcome, error)
	CreateOutcome(ctx context.Context, outcome *models.Outcome) error
	UpdateOutcome(ctx context.Context, outcome *models.Outcome) error
	// ListOutcomes returns a check's outcomes ordered by period.
	ListOutcomes(ctx context.Context, statusCheckID uuid.UUID) ([]models.Outcome, error)

	AppendEvent(ctx context.Context, event *models.Event) error
}

// TxFunc is a unit of work. ctx carries the transaction for collaborators.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is implemented by InMemoryStore and SQLStore.
type Store interface {
	// RunInTx commits everything fn writes, or nothing if fn fails or ctx ends first.
	RunInTx(ctx context.Context, fn TxFunc) error
	FindSnapshot(ctx context.Context, key models.Key) (*models.Snapshot, error)
	ListKeys(ctx context.Context) ([]models.Key, error)
	PendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// snapshotReader is the subset of Tx needed to rebuild a stored snapshot.
type snapshotReader interface {
	FindIdentity(ctx context.Context, mobile string) (*models.Identity, error)
	FindApplication(ctx context.Context, identityID uuid.UUID, idNumber string) (*models.Application, error)
	LatestStatusCheck(ctx context.Context, applicationID uuid.UUID) (*models.StatusCheck, error)
	ListOutcomes(ctx context.Context, statusCheckID uuid.UUID) ([]models.Outcome, error)
}

// loadSnapshot rebuilds the latest stored snapshot for key.
func loadSnapshot(ctx context.Context, r snapshotReader, key models.Key) (*models.Snapshot, error) {
	identity, err := r.FindIdentity(ctx, key.Mobile)
	if err != nil {
		return nil, err
	}
	app, err := r.FindApplication(ctx, identity.ID, key.IDNumber)
	if err != nil {
		return nil, err
	}
	check, err := r.LatestStatusCheck(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	outcomes, err := r.ListOutcomes(ctx, check.ID)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		Identity:    *identity,
		Application: *app,
		StatusCheck: *check,
		Outcomes:    outcomes,
	}, nil
}

// IsConflict reports whether err came from a uniqueness constraint.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}
