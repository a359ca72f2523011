// Package reconciler applies a fetched status payload to the stored
// Identity → Application → StatusCheck → Outcome hierarchy as one atomic unit.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/store"
	"srdwatch/pkg/attrs"
	"srdwatch/pkg/requestcontext"
)

var tracer = otel.Tracer("srdwatch/internal/srd/reconciler")

// HistoryMode controls how status checks accumulate.
type HistoryMode string

const (
	// HistoryLatest keeps one status check per application, updated in place.
	HistoryLatest HistoryMode = "latest"
	// HistoryAppend adds a status check per reconciliation.
	HistoryAppend HistoryMode = "append"
)

// ParseHistoryMode accepts "latest", "append" or empty (latest).
func ParseHistoryMode(s string) (HistoryMode, error) {
	switch HistoryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", HistoryLatest:
		return HistoryLatest, nil
	case HistoryAppend:
		return HistoryAppend, nil
	default:
		return "", fmt.Errorf("unknown history mode %q", s)
	}
}

// TxRunner is the transactional boundary the reconciler writes through.
type TxRunner interface {
	RunInTx(ctx context.Context, fn store.TxFunc) error
}

// Reconciler writes payloads through a TxRunner.
type Reconciler struct {
	store   TxRunner
	logger  *slog.Logger
	metrics *metrics.Metrics
	history HistoryMode
	clock   func(ctx context.Context) time.Time
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithHistoryMode selects latest (default) or append status check history.
func WithHistoryMode(mode HistoryMode) Option {
	return func(r *Reconciler) {
		if mode != "" {
			r.history = mode
		}
	}
}

// WithClock overrides the request-scoped time used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.clock = func(context.Context) time.Time { return now() }
		}
	}
}

func New(s TxRunner, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		logger:  slog.New(slog.DiscardHandler),
		history: HistoryLatest,
		clock:   requestcontext.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// write is one committed entity mutation, reported once the unit of work commits.
type write struct {
	entity string
	op     string
	msg    string
	args   []any
}

type run struct {
	key      models.Key
	payload  *models.Payload
	now      time.Time
	writes   []write
	warnings []models.ValidationWarning
}

func (r *run) record(entity, op, msg string, args ...any) {
	r.writes = append(r.writes, write{entity: entity, op: op, msg: msg, args: args})
}

// Reconcile applies payload for (idNumber, mobile). Nothing is persisted
// unless every step succeeds and ctx is still live at commit.
func (r *Reconciler) Reconcile(ctx context.Context, idNumber, mobile string, payload *models.Payload) (*models.Snapshot, error) {
	if payload == nil {
		r.logger.WarnContext(ctx, "no payload to reconcile", attrs.IDNumber(idNumber), attrs.Mobile(mobile))
		return nil, &Error{Kind: KindEmptyPayload}
	}

	ctx, span := tracer.Start(ctx, "srd.reconcile", trace.WithAttributes(
		attribute.String("srd.history_mode", string(r.history)),
		attribute.Int("srd.outcomes", len(payload.Outcomes)),
	))
	defer span.End()

	start := time.Now()
	state := &run{
		key:     models.Key{IDNumber: idNumber, Mobile: mobile},
		payload: payload,
		now:     r.clock(ctx).UTC().Truncate(time.Microsecond),
	}

	var snapshot *models.Snapshot
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		state.writes = state.writes[:0]
		state.warnings = state.warnings[:0]
		snap, err := r.apply(ctx, tx, state)
		if err != nil {
			return err
		}
		snapshot = snap
		return nil
	})
	r.metrics.ObserveReconcile(time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		level := slog.LevelError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "reconciliation rolled back",
			attrs.IDNumber(idNumber),
			attrs.Mobile(mobile),
			"conflict", store.IsConflict(err),
			"error", err,
		)
		return nil, &Error{Kind: KindPersistence, Err: err}
	}

	for _, w := range state.writes {
		r.metrics.IncrementWrite(w.entity, w.op)
		r.logger.InfoContext(ctx, w.msg, w.args...)
	}
	for _, warning := range state.warnings {
		r.metrics.IncrementWarning(string(warning.Kind))
		r.logger.WarnContext(ctx, "outcome entry recovered",
			attrs.Mobile(mobile),
			"index", warning.Index,
			"kind", warning.Kind,
			"period", warning.Period,
			"detail", warning.Detail,
		)
	}
	span.SetAttributes(
		attribute.Bool("srd.identity_created", snapshot.IdentityCreated),
		attribute.Int("srd.warnings", len(snapshot.Warnings)),
	)
	return snapshot, nil
}

func (r *Reconciler) apply(ctx context.Context, tx store.Tx, st *run) (*models.Snapshot, error) {
	identity, identityCreated, err := tx.ResolveIdentity(ctx, st.key.Mobile, st.now)
	if err != nil {
		return nil, err
	}
	if identityCreated {
		st.record("identity", "create", "created identity", attrs.Mobile(st.key.Mobile), "identity_id", identity.ID)
	} else {
		st.record("identity", "reuse", "identity already exists", attrs.Mobile(st.key.Mobile), "identity_id", identity.ID)
	}

	app, previousStatus, statusChanged, err := r.upsertApplication(ctx, tx, st, identity)
	if err != nil {
		return nil, err
	}

	entries, lastPeriod := r.validateOutcomes(st)

	check, previous, err := r.upsertStatusCheck(ctx, tx, st, app, lastPeriod)
	if err != nil {
		return nil, err
	}

	if statusChanged {
		if err := appendEvent(ctx, tx, app.ID, models.EventStatusChanged, st.now, models.StatusChangedPayload{
			ApplicationID: app.ID,
			AppID:         app.AppID,
			Mobile:        st.key.Mobile,
			Previous:      previousStatus,
			Current:       app.Status,
			CheckedAt:     check.CheckedAt,
		}); err != nil {
			return nil, err
		}
	}

	for _, entry := range entries {
		if err := r.upsertOutcome(ctx, tx, st, app, check, previous, entry); err != nil {
			return nil, err
		}
	}

	outcomes, err := tx.ListOutcomes(ctx, check.ID)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		Identity:        *identity,
		Application:     *app,
		StatusCheck:     *check,
		Outcomes:        outcomes,
		IdentityCreated: identityCreated,
		Warnings:        append([]models.ValidationWarning(nil), st.warnings...),
	}, nil
}

func (r *Reconciler) upsertApplication(ctx context.Context, tx store.Tx, st *run, identity *models.Identity) (app *models.Application, previousStatus string, statusChanged bool, err error) {
	app, err = tx.FindApplication(ctx, identity.ID, st.key.IDNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		app = models.NewApplication(identity.ID, st.key.IDNumber, st.key.Mobile, st.payload, st.now)
		if err := tx.CreateApplication(ctx, app); err != nil {
			return nil, "", false, err
		}
		st.record("application", "create", "created application",
			attrs.IDNumber(st.key.IDNumber), "application_id", app.ID, "app_id", app.AppID, "status", app.Status)
		return app, "", true, nil
	case err != nil:
		return nil, "", false, err
	}

	if app.AppID != st.payload.AppID {
		st.record("application", "drift", "app id drift",
			"application_id", app.ID, "stored_app_id", app.AppID, "fetched_app_id", st.payload.AppID)
	}
	previousStatus = app.Status
	statusChanged = app.Apply(st.payload, st.now)
	if err := tx.UpdateApplication(ctx, app); err != nil {
		return nil, "", false, err
	}
	st.record("application", "update", "updated application",
		attrs.IDNumber(st.key.IDNumber), "application_id", app.ID, "status", app.Status, "status_changed", statusChanged)
	return app, previousStatus, statusChanged, nil
}

// upsertStatusCheck returns the check to write outcomes under and the check
// that was latest before this reconciliation (nil when there was none).
func (r *Reconciler) upsertStatusCheck(ctx context.Context, tx store.Tx, st *run, app *models.Application, lastPeriod *string) (check, previous *models.StatusCheck, err error) {
	previous, err = tx.LatestStatusCheck(ctx, app.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		previous = nil
	case err != nil:
		return nil, nil, err
	}

	if previous != nil && r.history == HistoryLatest {
		check = previous
		check.Status = app.Status
		if lastPeriod != nil {
			check.OutcomePeriod = lastPeriod
		}
		check.UpdatedAt = st.now
		if err := tx.UpdateStatusCheck(ctx, check); err != nil {
			return nil, nil, err
		}
		st.record("status_check", "update", "updated status check",
			"application_id", app.ID, "status_check_id", check.ID, "status", check.Status)
		prev := *check
		return check, &prev, nil
	}

	check = models.NewStatusCheck(app.ID, app.Status, st.now)
	check.OutcomePeriod = lastPeriod
	if err := tx.CreateStatusCheck(ctx, check); err != nil {
		return nil, nil, err
	}
	st.record("status_check", "create", "created status check",
		"application_id", app.ID, "status_check_id", check.ID, "status", check.Status)
	return check, previous, nil
}

// validEntry is an outcome entry that passed validation, already converted.
type validEntry struct {
	outcome models.Outcome
}

// validateOutcomes drops entries without a period and downgrades bad filed
// timestamps to NULL, recording a warning for each.
func (r *Reconciler) validateOutcomes(st *run) ([]validEntry, *string) {
	var (
		entries    []validEntry
		lastPeriod *string
	)
	for i, raw := range st.payload.Outcomes {
		if raw.Period == nil || strings.TrimSpace(*raw.Period) == "" {
			st.warnings = append(st.warnings, models.ValidationWarning{
				Index:  i,
				Kind:   models.WarningMissingPeriod,
				Detail: "entry has no period",
			})
			continue
		}
		period := strings.TrimSpace(*raw.Period)

		filed, err := parseFiled(raw.Filed)
		if err != nil {
			st.warnings = append(st.warnings, models.ValidationWarning{
				Index:  i,
				Kind:   models.WarningInvalidFiled,
				Period: period,
				Detail: err.Error(),
			})
		}

		outcome := models.NotAvailable
		if raw.Outcome != nil {
			outcome = *raw.Outcome
		}
		entries = append(entries, validEntry{
			outcome: models.Outcome{
				Period:  period,
				Paid:    raw.Paid,
				Filed:   filed,
				Payday:  raw.Payday,
				Outcome: outcome,
				Reason:  raw.Reason,
			},
		})
		p := period
		lastPeriod = &p
	}
	return entries, lastPeriod
}

func (r *Reconciler) upsertOutcome(ctx context.Context, tx store.Tx, st *run, app *models.Application, check, previous *models.StatusCheck, entry validEntry) error {
	candidate := entry.outcome

	var prior *models.Outcome
	if previous != nil {
		found, err := tx.FindOutcome(ctx, previous.ID, candidate.Period)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			prior = found
		}
	}

	// Decided before the update below, which may rewrite prior in place.
	moved := prior == nil || outcomeMoved(prior, &candidate)

	var existing *models.Outcome
	if prior != nil && prior.StatusCheckID == check.ID {
		existing = prior
	} else {
		// A repeated period within one payload lands on the row created earlier in this run.
		found, err := tx.FindOutcome(ctx, check.ID, candidate.Period)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			existing = found
		}
	}

	switch {
	case existing == nil:
		row := candidate
		row.ID = uuid.New()
		row.StatusCheckID = check.ID
		row.CreatedAt = st.now
		row.UpdatedAt = st.now
		if err := tx.CreateOutcome(ctx, &row); err != nil {
			return err
		}
		st.record("outcome", "create", "created outcome",
			"status_check_id", check.ID, "period", row.Period, "outcome", row.Outcome)
	case existing.SameFields(&candidate):
		st.record("outcome", "unchanged", "outcome unchanged",
			"status_check_id", check.ID, "period", existing.Period)
	default:
		existing.CopyFields(&candidate, st.now)
		if err := tx.UpdateOutcome(ctx, existing); err != nil {
			return err
		}
		st.record("outcome", "update", "updated outcome",
			"status_check_id", check.ID, "period", existing.Period, "outcome", existing.Outcome)
	}

	if !moved {
		return nil
	}
	return appendEvent(ctx, tx, app.ID, models.EventOutcomeRecorded, st.now, models.OutcomeRecordedPayload{
		ApplicationID: app.ID,
		Mobile:        st.key.Mobile,
		Period:        candidate.Period,
		Outcome:       candidate.Outcome,
		Paid:          candidate.Paid,
		Payday:        candidate.Payday,
	})
}

// outcomeMoved reports a change subscribers care about: outcome, paid or payday.
func outcomeMoved(before, after *models.Outcome) bool {
	return before.Outcome != after.Outcome ||
		!samePtr(before.Paid, after.Paid) ||
		!samePtr(before.Payday, after.Payday)
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func appendEvent(ctx context.Context, tx store.Tx, aggregate uuid.UUID, eventType models.EventType, now time.Time, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return tx.AppendEvent(ctx, &models.Event{
		ID:          uuid.New(),
		AggregateID: aggregate,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   now,
	})
}
