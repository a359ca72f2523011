package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"srdwatch/internal/srd/models"
)

// memState is one consistent version of the data. Entity pointer fields are
// never mutated in place, so a shallow copy of each struct is a full copy.
type memState struct {
	identities   map[uuid.UUID]models.Identity
	applications map[uuid.UUID]models.Application
	checks       map[uuid.UUID]models.StatusCheck
	outcomes     map[uuid.UUID]models.Outcome
	events       []models.Event
}

func newMemState() *memState {
	return &memState{
		identities:   make(map[uuid.UUID]models.Identity),
		applications: make(map[uuid.UUID]models.Application),
		checks:       make(map[uuid.UUID]models.StatusCheck),
		outcomes:     make(map[uuid.UUID]models.Outcome),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		identities:   make(map[uuid.UUID]models.Identity, len(s.identities)),
		applications: make(map[uuid.UUID]models.Application, len(s.applications)),
		checks:       make(map[uuid.UUID]models.StatusCheck, len(s.checks)),
		outcomes:     make(map[uuid.UUID]models.Outcome, len(s.outcomes)),
		events:       make([]models.Event, len(s.events)),
	}
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.checks {
		c.checks[k] = v
	}
	for k, v := range s.outcomes {
		c.outcomes[k] = v
	}
	copy(c.events, s.events)
	return c
}

// InMemoryStore keeps everything in process. Each unit of work runs against a
// staged copy that replaces the committed state only when it succeeds, so a
// failed or cancelled unit leaves no trace. Units of work are serialized.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{state: newMemState()}
}

// RunInTx runs fn against a staged copy and commits it if fn succeeds and ctx is still live.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(ctx, &memTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// FindSnapshot returns the latest committed snapshot for key.
func (s *InMemoryStore) FindSnapshot(ctx context.Context, key models.Key) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadSnapshot(ctx, &memTx{st: s.state}, key)
}

// ListKeys returns every known (id number, mobile) pair ordered by mobile.
func (s *InMemoryStore) ListKeys(_ context.Context) ([]models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]models.Key, 0, len(s.state.applications))
	for _, app := range s.state.applications {
		identity := s.state.identities[app.IdentityID]
		keys = append(keys, models.Key{IDNumber: app.IDNumber, Mobile: identity.Mobile})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Mobile != keys[j].Mobile {
			return keys[i].Mobile < keys[j].Mobile
		}
		return keys[i].IDNumber < keys[j].IDNumber
	})
	return keys, nil
}

// PendingEvents returns up to limit unpublished events, oldest first.
// A non-positive limit returns all of them.
func (s *InMemoryStore) PendingEvents(_ context.Context, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.Event
	for _, e := range s.state.events {
		if e.PublishedAt != nil {
			continue
		}
		pending = append(pending, e)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

// MarkPublished stamps the given events as published.
func (s *InMemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.state.events {
		if _, ok := want[s.state.events[i].ID]; ok {
			published := at
			s.state.events[i].PublishedAt = &published
		}
	}
	return nil
}

// Counts reports committed row counts per table; used by tests and diagnostics.
func (s *InMemoryStore) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		"identities":    len(s.state.identities),
		"applications":  len(s.state.applications),
		"status_checks": len(s.state.checks),
		"outcomes":      len(s.state.outcomes),
		"outbox":        len(s.state.events),
	}
}

// memTx mutates a staged state and enforces the same uniqueness rules as the SQL schema.
type memTx struct {
	st *memState
}

func (t *memTx) ResolveIdentity(ctx context.Context, mobile string, now time.Time) (*models.Identity, bool, error) {
	if identity, err := t.FindIdentity(ctx, mobile); err == nil {
		return identity, false, nil
	}
	identity := models.Identity{ID: uuid.New(), Mobile: mobile, CreatedAt: now}
	t.st.identities[identity.ID] = identity
	return &identity, true, nil
}

func (t *memTx) FindIdentity(_ context.Context, mobile string) (*models.Identity, error) {
	for _, identity := range t.st.identities {
		if identity.Mobile == mobile {
			found := identity
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) FindApplication(_ context.Context, identityID uuid.UUID, idNumber string) (*models.Application, error) {
	for _, app := range t.st.applications {
		if app.IdentityID == identityID && app.IDNumber == idNumber {
			found := app
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreateApplication(_ context.Context, app *models.Application) error {
	if _, ok := t.st.identities[app.IdentityID]; !ok {
		return fmt.Errorf("create application: identity %s does not exist", app.IdentityID)
	}
	for _, existing := range t.st.applications {
		if existing.IdentityID == app.IdentityID {
			return conflictf("create application: identity %s already has an application", app.IdentityID)
		}
		if existing.AppID == app.AppID {
			return conflictf("create application: app id %q already exists", app.AppID)
		}
	}
	t.st.applications[app.ID] = *app
	return nil
}

func (t *memTx) UpdateApplication(_ context.Context, app *models.Application) error {
	if _, ok := t.st.applications[app.ID]; !ok {
		return fmt.Errorf("update application %s: %w", app.ID, ErrNotFound)
	}
	t.st.applications[app.ID] = *app
	return nil
}

func (t *memTx) LatestStatusCheck(_ context.Context, applicationID uuid.UUID) (*models.StatusCheck, error) {
	var latest *models.StatusCheck
	for _, check := range t.st.checks {
		if check.ApplicationID != applicationID {
			continue
		}
		if latest == nil || check.CheckedAt.After(latest.CheckedAt) ||
			(check.CheckedAt.Equal(latest.CheckedAt) && strings.Compare(check.ID.String(), latest.ID.String()) > 0) {
			c := check
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (t *memTx) CreateStatusCheck(_ context.Context, check *models.StatusCheck) error {
	if _, ok := t.st.applications[check.ApplicationID]; !ok {
		return fmt.Errorf("create status check: application %s does not exist", check.ApplicationID)
	}
	for _, existing := range t.st.checks {
		if existing.ApplicationID == check.ApplicationID && existing.CheckedAt.Equal(check.CheckedAt) {
			return conflictf("create status check: application %s already checked at %s", check.ApplicationID, check.CheckedAt)
		}
	}
	t.st.checks[check.ID] = *check
	return nil
}

func (t *memTx) UpdateStatusCheck(_ context.Context, check *models.StatusCheck) error {
	if _, ok := t.st.checks[check.ID]; !ok {
		return fmt.Errorf("update status check %s: %w", check.ID, ErrNotFound)
	}
	t.st.checks[check.ID] = *check
	return nil
}

func (t *memTx) FindOutcome(_ context.Context, statusCheckID uuid.UUID, period string) (*models.Outcome, error) {
	for _, o := range t.st.outcomes {
		if o.StatusCheckID == statusCheckID && o.Period == period {
			found := o
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreateOutcome(ctx context.Context, outcome *models.Outcome) error {
	if _, ok := t.st.checks[outcome.StatusCheckID]; !ok {
		return fmt.Errorf("create outcome: status check %s does not exist", outcome.StatusCheckID)
	}
	if _, err := t.FindOutcome(ctx, outcome.StatusCheckID, outcome.Period); err == nil {
		return conflictf("create outcome: period %q already recorded", outcome.Period)
	}
	t.st.outcomes[outcome.ID] = *outcome
	return nil
}

func (t *memTx) UpdateOutcome(_ context.Context, outcome *models.Outcome) error {
	if _, ok := t.st.outcomes[outcome.ID]; !ok {
		return fmt.Errorf("update outcome %s: %w", outcome.ID, ErrNotFound)
	}
	t.st.outcomes[outcome.ID] = *outcome
	return nil
}

func (t *memTx) ListOutcomes(_ context.Context, statusCheckID uuid.UUID) ([]models.Outcome, error) {
	outcomes := []models.Outcome{}
	for _, o := range t.st.outcomes {
		if o.StatusCheckID == statusCheckID {
			outcomes = append(outcomes, o)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Period < outcomes[j].Period })
	return outcomes, nil
}

func (t *memTx) AppendEvent(_ context.Context, event *models.Event) error {
	for _, e := range t.st.events {
		if e.ID == event.ID {
			return conflictf("append event: %s already exists", event.ID)
		}
	}
	t.st.events = append(t.st.events, *event)
	return nil
}
