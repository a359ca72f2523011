package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an outbox event.
type EventType string

const (
	EventStatusChanged   EventType = "application.status_changed"
	EventOutcomeRecorded EventType = "outcome.recorded"
)

// Event is an outbox row written in the same transaction as the change it describes.
type Event struct {
	ID          uuid.UUID  `json:"id"`
	AggregateID uuid.UUID  `json:"aggregate_id"`
	Type        EventType  `json:"type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// StatusChangedPayload is the body of an application.status_changed event.
type StatusChangedPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
	AppID         string    `json:"app_id"`
	Mobile        string    `json:"mobile"`
	Previous      string    `json:"previous_status,omitempty"`
	Current       string    `json:"current_status"`
	CheckedAt     time.Time `json:"checked_at"`
}

// OutcomeRecordedPayload is the body of an outcome.recorded event.
type OutcomeRecordedPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
	Mobile        string    `json:"mobile"`
	Period        string    `json:"period"`
	Outcome       string    `json:"outcome"`
	Paid          *bool     `json:"paid"`
	Payday        *int      `json:"payday"`
}
