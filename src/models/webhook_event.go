package models

import "time"

// WebhookEvent is a verified aggregator notification, kept for audit and
// deduplication by EventID.
type WebhookEvent struct {
	EventID    string    `json:"event_id"`
	ItemID     string    `json:"item_id,omitempty"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}
