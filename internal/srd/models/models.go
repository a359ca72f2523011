package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NotAvailable is stored for string fields the status API omitted.
const NotAvailable = "N/A"

// Key identifies the applicant a check runs for.
type Key struct {
	IDNumber string `json:"id_number"`
	Mobile   string `json:"mobile"`
}

// LockKey is the serialization key for reconciliations of this pair.
func (k Key) LockKey() string {
	return fmt.Sprintf("srd:%s:%s", k.Mobile, k.IDNumber)
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.IDNumber) == "" {
		return fmt.Errorf("id number is required")
	}
	if strings.TrimSpace(k.Mobile) == "" {
		return fmt.Errorf("mobile is required")
	}
	return nil
}

// Identity is the person a set of checks belongs to. Mobile is only a
// lookup key; the identity itself is the UUID.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	Mobile    string    `json:"mobile"`
	CreatedAt time.Time `json:"created_at"`
}

// Application mirrors the applicant's SRD application. Sapo and Risk are
// opaque provider fields stored verbatim.
type Application struct {
	ID          uuid.UUID `json:"id"`
	IdentityID  uuid.UUID `json:"identity_id"`
	AppID       string    `json:"app_id"`
	IDNumber    string    `json:"id_number"`
	PhoneNumber string    `json:"phone_number"`
	Sapo        string    `json:"sapo"`
	Status      string    `json:"status"`
	Risk        bool      `json:"risk"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewApplication builds an application from the first payload seen for an identity.
func NewApplication(identityID uuid.UUID, idNumber, phone string, p *Payload, now time.Time) *Application {
	return &Application{
		ID:          uuid.New(),
		IdentityID:  identityID,
		AppID:       p.AppID,
		IDNumber:    idNumber,
		PhoneNumber: phone,
		Sapo:        p.Sapo,
		Status:      p.Status,
		Risk:        p.Risk,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Apply overwrites the mutable fields. AppID and PhoneNumber are creation-only.
func (a *Application) Apply(p *Payload, now time.Time) (statusChanged bool) {
	statusChanged = a.Status != p.Status
	a.Sapo = p.Sapo
	a.Status = p.Status
	a.Risk = p.Risk
	a.UpdatedAt = now
	return statusChanged
}

// StatusCheck is the status snapshot taken by a reconciliation.
type StatusCheck struct {
	ID            uuid.UUID `json:"id"`
	ApplicationID uuid.UUID `json:"application_id"`
	Status        string    `json:"status"`
	CheckedAt     time.Time `json:"checked_at"`
	OutcomePeriod *string   `json:"outcome_period,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewStatusCheck(applicationID uuid.UUID, status string, now time.Time) *StatusCheck {
	return &StatusCheck{
		ID:            uuid.New(),
		ApplicationID: applicationID,
		Status:        status,
		CheckedAt:     now,
		UpdatedAt:     now,
	}
}

// Outcome is one period's payment/decision result under a status check.
type Outcome struct {
	ID            uuid.UUID  `json:"id"`
	StatusCheckID uuid.UUID  `json:"status_check_id"`
	Period        string     `json:"period"`
	Paid          *bool      `json:"paid"`
	Filed         *time.Time `json:"filed"`
	Payday        *int       `json:"payday"`
	Outcome       string     `json:"outcome"`
	Reason        *string    `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SameFields reports whether o already holds the values in other.
func (o *Outcome) SameFields(other *Outcome) bool {
	return equalPtr(o.Paid, other.Paid) &&
		equalTimePtr(o.Filed, other.Filed) &&
		equalPtr(o.Payday, other.Payday) &&
		o.Outcome == other.Outcome &&
		equalPtr(o.Reason, other.Reason)
}

// CopyFields overwrites every mutable field with other's values.
func (o *Outcome) CopyFields(other *Outcome, now time.Time) {
	o.Paid = other.Paid
	o.Filed = other.Filed
	o.Payday = other.Payday
	o.Outcome = other.Outcome
	o.Reason = other.Reason
	o.UpdatedAt = now
}

// Snapshot is what a successful reconciliation returns.
type Snapshot struct {
	Identity        Identity            `json:"identity"`
	Application     Application         `json:"application"`
	StatusCheck     StatusCheck         `json:"status_check"`
	Outcomes        []Outcome           `json:"outcomes"`
	IdentityCreated bool                `json:"identity_created"`
	Warnings        []ValidationWarning `json:"warnings,omitempty"`
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
