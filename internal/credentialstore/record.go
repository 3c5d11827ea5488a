package credentialstore

import "time"

// ClientRecord is the authoritative record of one backup client.
// clientId and CreatedAt are immutable after the first Put; all other
// fields change only through Update or a repeated Put of the same
// clientId.
type ClientRecord struct {
	ClientID     string    `json:"clientId"`
	HashedSecret string    `json:"hashedSecret"` // salted, one-way
	Salt         string    `json:"salt"`         // hex
	DisplayName  string    `json:"displayName"`
	Permissions  []string  `json:"permissions"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the record has passed its ExpiresAt, if set.
func (r *ClientRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// HasPermission reports whether any of r.Permissions matches the
// requested permission, supporting glob wildcards (e.g. "backup.*").
func (r *ClientRecord) HasPermission(want string) bool {
	for _, p := range r.Permissions {
		if globMatch(p, want) {
			return true
		}
	}
	return false
}
