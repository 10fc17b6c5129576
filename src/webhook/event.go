package webhook

import (
	"encoding/json"
	"errors"
	"strings"

	"link-server/src/util"
)

// Kind is the closed set of events the router acts on. Anything else is
// KindUnknown and only logged.
type Kind string

const (
	KindItemError         Kind = "ITEM_ERROR"
	KindPermissionRevoked Kind = "PERMISSION_REVOKED"
	KindPendingExpiration Kind = "PENDING_EXPIRATION"
	KindUnknown           Kind = "UNKNOWN"
)

type ItemError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Event is a parsed, already verified notification.
type Event struct {
	ID     string
	ItemID string
	Kind   Kind
	// Type is the type as sent, kept for audit when Kind is KindUnknown.
	Type  string
	Error *ItemError
}

type payload struct {
	EventID     string     `json:"event_id"`
	ItemID      string     `json:"item_id"`
	Type        string     `json:"type"`
	WebhookType string     `json:"webhook_type"`
	WebhookCode string     `json:"webhook_code"`
	Error       *ItemError `json:"error"`
}

var ErrMalformedPayload = errors.New("malformed webhook payload")

// ParseEvent decodes body. Bodies without an event_id are keyed by their
// SHA-256 so identical redeliveries still deduplicate.
func ParseEvent(body []byte) (*Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrMalformedPayload
	}

	evt := &Event{
		ID:     strings.TrimSpace(p.EventID),
		ItemID: strings.TrimSpace(p.ItemID),
		Error:  p.Error,
	}
	if evt.ID == "" {
		evt.ID = "sha256:" + util.BodySHA256(body)
	}

	evt.Type = strings.ToUpper(strings.TrimSpace(p.Type))
	if evt.Type == "" && p.WebhookType != "" {
		evt.Type = strings.ToUpper(p.WebhookType + "/" + p.WebhookCode)
	}
	evt.Kind = kindOf(evt.Type)
	return evt, nil
}

func kindOf(eventType string) Kind {
	switch eventType {
	case "ITEM_ERROR", "ITEM/ERROR":
		return KindItemError
	case "PERMISSION_REVOKED", "ITEM/USER_PERMISSION_REVOKED", "ITEM/USER_ACCOUNT_REVOKED":
		return KindPermissionRevoked
	case "PENDING_EXPIRATION", "ITEM/PENDING_EXPIRATION", "ITEM/PENDING_DISCONNECT":
		return KindPendingExpiration
	default:
		return KindUnknown
	}
}
