package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"srdwatch/internal/srd/models"
)

// wirePayload keeps every field optional so absence can be defaulted.
type wirePayload struct {
	AppID    *string                 `json:"appId"`
	Sapo     *string                 `json:"sapo"`
	Status   *string                 `json:"status"`
	Risk     *bool                   `json:"risk"`
	Outcomes []models.PayloadOutcome `json:"outcomes"`
}

// parsePayload decodes a status API body, defaulting absent strings to "N/A"
// and an absent risk flag to false.
func parsePayload(body []byte) (*models.Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var w wirePayload
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, err
	}
	p := &models.Payload{
		AppID:    orNotAvailable(w.AppID),
		Sapo:     orNotAvailable(w.Sapo),
		Status:   orNotAvailable(w.Status),
		Outcomes: w.Outcomes,
	}
	if w.Risk != nil {
		p.Risk = *w.Risk
	}
	if p.Outcomes == nil {
		p.Outcomes = []models.PayloadOutcome{}
	}
	return p, nil
}

func orNotAvailable(v *string) string {
	if v == nil {
		return models.NotAvailable
	}
	return *v
}
