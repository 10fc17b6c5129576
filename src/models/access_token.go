package models

import "time"

// AccessToken is the durable aggregator credential for one linked item.
// Value is sensitive: it is never serialized or logged.
type AccessToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ItemID    string     `json:"item_id"`
	Value     string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (t *AccessToken) Active() bool {
	return t.RevokedAt == nil
}
