package tracking

import (
	"beacon/cmd/internal/alert"
	v1 "beacon/shared/contracts/beacon/v1"
)

const (
	msgNotFound    = "Alert not found."
	msgFetchFailed = "Failed to fetch tracking data."
)

func alertPayload(a alert.Alert) v1.AlertPayload {
	return v1.AlertPayload{
		ID:        a.ID,
		SessionID: a.SessionID,
		Status:    string(a.Status),
		Location: v1.Location{
			Lat:         a.Location.Lat,
			Lng:         a.Location.Lng,
			Accuracy:    a.Location.Accuracy,
			Unavailable: a.Location.Unavailable,
		},
		CreatedAt:   a.CreatedAt,
		LastUpdated: a.LastUpdated,
		ExpiresAt:   a.ExpiresAt,
		EndedAt:     a.EndedAt,
	}
}
