package models

// Payload is a decoded status API response with defaults applied to the
// top-level fields. Outcome entries keep absence as nil.
type Payload struct {
	AppID    string           `json:"appId"`
	Sapo     string           `json:"sapo"`
	Status   string           `json:"status"`
	Risk     bool             `json:"risk"`
	Outcomes []PayloadOutcome `json:"outcomes"`
}

// PayloadOutcome is one entry of the outcomes array. Filed stays raw so a bad
// timestamp downgrades to a warning instead of rejecting the whole payload.
type PayloadOutcome struct {
	Period  *string `json:"period"`
	Paid    *bool   `json:"paid"`
	Filed   *string `json:"filed"`
	Payday  *int    `json:"payday"`
	Outcome *string `json:"outcome"`
	Reason  *string `json:"reason"`
}

// WarningKind names a per-entry validation problem that does not abort a reconciliation.
type WarningKind string

const (
	WarningMissingPeriod WarningKind = "missing_period"
	WarningInvalidFiled  WarningKind = "invalid_filed"
)

// ValidationWarning records a recovered problem with one outcome entry.
type ValidationWarning struct {
	Index  int         `json:"index"`
	Kind   WarningKind `json:"kind"`
	Period string      `json:"period,omitempty"`
	Detail string      `json:"detail,omitempty"`
}
