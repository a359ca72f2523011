package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"srdwatch/internal/srd/models"
	txcontext "srdwatch/pkg/platform/tx"
)

// Dialect selects placeholder style and schema for a SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// markPublishedChunk bounds the IN list of one MarkPublished statement.
const markPublishedChunk = 500

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLStore persists the hierarchy in PostgreSQL or SQLite through database/sql.
// Queries are written with ? placeholders and rebound for the dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL constructs a SQL-backed store.
func NewSQL(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("read schema for %s: %w", s.dialect, err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// RunInTx runs fn inside a database transaction. When ctx already carries a
// transaction, fn joins it and the outer caller owns commit.
func (s *SQLStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if existing, ok := txcontext.From(ctx); ok {
		return fn(ctx, s.tx(existing))
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, sqlTx), s.tx(sqlTx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) tx(exec txcontext.Executor) *sqlTx {
	return &sqlTx{exec: exec, dialect: s.dialect}
}

// FindSnapshot returns the latest committed snapshot for key.
func (s *SQLStore) FindSnapshot(ctx context.Context, key models.Key) (*models.Snapshot, error) {
	return loadSnapshot(ctx, s.tx(txcontext.ExecutorFrom(ctx, s.db)), key)
}

// ListKeys returns every known (id number, mobile) pair ordered by mobile.
func (s *SQLStore) ListKeys(ctx context.Context) ([]models.Key, error) {
	query := rebind(s.dialect, `
		SELECT a.id_number, i.mobile
		FROM applications a
		JOIN identities i ON i.id = a.identity_id
		ORDER BY i.mobile, a.id_number
	`)
	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []models.Key{}
	for rows.Next() {
		var key models.Key
		if err := rows.Scan(&key.IDNumber, &key.Mobile); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// PendingEvents returns up to limit unpublished events, oldest first.
// A non-positive limit returns all of them.
func (s *SQLStore) PendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, payload, created_at, published_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e           models.Event
			eventType   string
			payload     []byte
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &eventType, &payload, &e.CreatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = models.EventType(eventType)
		e.Payload = payload
		e.CreatedAt = e.CreatedAt.UTC()
		e.PublishedAt = timePtr(publishedAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkPublished stamps the given events as published.
func (s *SQLStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	exec := txcontext.ExecutorFrom(ctx, s.db)
	for start := 0; start < len(ids); start += markPublishedChunk {
		end := min(start+markPublishedChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, at)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := rebind(s.dialect, `UPDATE outbox SET published_at = ? WHERE id IN (`+placeholders+`)`)
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
	}
	return nil
}

// sqlTx implements Tx over an executor that is normally a *sql.Tx.
type sqlTx struct {
	exec    txcontext.Executor
	dialect Dialect
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.exec.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func (t *sqlTx) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := t.exec.ExecContext(ctx, rebind(t.dialect, query), args...)
	if err != nil {
		return mapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (t *sqlTx) ResolveIdentity(ctx context.Context, mobile string, now time.Time) (*models.Identity, bool, error) {
	res, err := t.exec.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO identities (id, mobile, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (mobile) DO NOTHING
	`), uuid.New(), mobile, now)
	if err != nil {
		return nil, false, mapErr("resolve identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("resolve identity rows affected: %w", err)
	}
	identity, err := t.FindIdentity(ctx, mobile)
	if err != nil {
		return nil, false, err
	}
	return identity, n == 1, nil
}

func (t *sqlTx) FindIdentity(ctx context.Context, mobile string) (*models.Identity, error) {
	var identity models.Identity
	err := t.queryRow(ctx, `SELECT id, mobile, created_at FROM identities WHERE mobile = ?`, mobile).
		Scan(&identity.ID, &identity.Mobile, &identity.CreatedAt)
	if err != nil {
		return nil, mapErr("find identity", err)
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	return &identity, nil
}

func (t *sqlTx) FindApplication(ctx context.Context, identityID uuid.UUID, idNumber string) (*models.Application, error) {
	var app models.Application
	err := t.queryRow(ctx, `
		SELECT id, identity_id, app_id, id_number, phone_number, sapo, status, risk, created_at, updated_at
		FROM applications
		WHERE identity_id = ? AND id_number = ?
	`, identityID, idNumber).Scan(
		&app.ID, &app.IdentityID, &app.AppID, &app.IDNumber, &app.PhoneNumber,
		&app.Sapo, &app.Status, &app.Risk, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr("find application", err)
	}
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	return &app, nil
}

func (t *sqlTx) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := t.exec.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO applications (id, identity_id, app_id, id_number, phone_number, sapo, status, risk, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), app.ID, app.IdentityID, app.AppID, app.IDNumber, app.PhoneNumber,
		app.Sapo, app.Status, app.Risk, app.CreatedAt, app.UpdatedAt)
	return mapErr("create application", err)
}

func (t *sqlTx) UpdateApplication(ctx context.Context, app *models.Application) error {
	return t.execOne(ctx, "update application", `
		UPDATE applications
		SET sapo = ?, status = ?, risk = ?, updated_at = ?
		WHERE id = ?
	`, app.Sapo, app.Status, app.Risk, app.UpdatedAt, app.ID)
}

func (t *sqlTx) LatestStatusCheck(ctx context.Context, applicationID uuid.UUID) (*models.StatusCheck, error) {
	var (
		check  models.StatusCheck
		period sql.NullString
	)
	err := t.queryRow(ctx, `
		SELECT id, application_id, status, checked_at, outcome_period, updated_at
		FROM status_checks
		WHERE application_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT 1
	`, applicationID).Scan(&check.ID, &check.ApplicationID, &check.Status, &check.CheckedAt, &period, &check.UpdatedAt)
	if err != nil {
		return nil, mapErr("latest status check", err)
	}
	check.CheckedAt = check.CheckedAt.UTC()
	check.UpdatedAt = check.UpdatedAt.UTC()
	check.OutcomePeriod = stringPtr(period)
	return &check, nil
}

func (t *sqlTx) CreateStatusCheck(ctx context.Context, check *models.StatusCheck) error {
	_, err := t.exec.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO status_checks (id, application_id, status, checked_at, outcome_period, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), check.ID, check.ApplicationID, check.Status, check.CheckedAt, check.OutcomePeriod, check.UpdatedAt)
	return mapErr("create status check", err)
}

func (t *sqlTx) UpdateStatusCheck(ctx context.Context, check *models.StatusCheck) error {
	return t.execOne(ctx, "update status check", `
		UPDATE status_checks
		SET status = ?, checked_at = ?, outcome_period = ?, updated_at = ?
		WHERE id = ?
	`, check.Status, check.CheckedAt, check.OutcomePeriod, check.UpdatedAt, check.ID)
}

const outcomeColumns = `id, status_check_id, period, paid, filed, payday, outcome, reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*models.Outcome, error) {
	var (
		o      models.Outcome
		paid   sql.NullBool
		filed  sql.NullTime
		payday sql.NullInt64
		reason sql.NullString
	)
	if err := row.Scan(&o.ID, &o.StatusCheckID, &o.Period, &paid, &filed, &payday, &o.Outcome, &reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if paid.Valid {
		v := paid.Bool
		o.Paid = &v
	}
	if payday.Valid {
		v := int(payday.Int64)
		o.Payday = &v
	}
	o.Filed = timePtr(filed)
	o.Reason = stringPtr(reason)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func (t *sqlTx) FindOutcome(ctx context.Context, statusCheckID uuid.UUID, period string) (*models.Outcome, error) {
	o, err := scanOutcome(t.queryRow(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE status_check_id = ? AND period = ?`,
		statusCheckID, period))
	if err != nil {
		return nil, mapErr("find outcome", err)
	}
	return o, nil
}

func (t *sqlTx) CreateOutcome(ctx context.Context, o *models.Outcome) error {
	_, err := t.exec.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), o.ID, o.StatusCheckID, o.Period, o.Paid, o.Filed, o.Payday, o.Outcome, o.Reason, o.CreatedAt, o.UpdatedAt)
	return mapErr("create outcome", err)
}

func (t *sqlTx) UpdateOutcome(ctx context.Context, o *models.Outcome) error {
	return t.execOne(ctx, "update outcome", `
		UPDATE outcomes
		SET paid = ?, filed = ?, payday = ?, outcome = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`, o.Paid, o.Filed, o.Payday, o.Outcome, o.Reason, o.UpdatedAt, o.ID)
}

func (t *sqlTx) ListOutcomes(ctx context.Context, statusCheckID uuid.UUID) ([]models.Outcome, error) {
	rows, err := t.exec.QueryContext(ctx, rebind(t.dialect,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE status_check_id = ? ORDER BY period`), statusCheckID)
	if err != nil {
		return nil, mapErr("list outcomes", err)
	}
	defer rows.Close()

	outcomes := []models.Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, e *models.Event) error {
	// lib/pq sends []byte as bytea, which jsonb rejects.
	_, err := t.exec.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), e.ID, e.AggregateID, string(e.Type), string(e.Payload), e.CreatedAt)
	return mapErr("append event", err)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// mapErr translates driver errors into store sentinels.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
