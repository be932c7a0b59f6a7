package models

import "time"

// Account is a community member identity. Accounts are created on first
// observed activity, which can happen before the member ever logs in through
// the external identity provider; linking the identity later is what
// produces duplicates. At most one active account may hold a given
// external identity id (partial unique index on accounts).
type Account struct {
	ID                 string    `json:"id" db:"id"`
	ExternalIdentityID *string   `json:"externalIdentityId,omitempty" db:"external_identity_id"`
	ExternalUsername   string    `json:"externalUsername" db:"external_username"`
	DisplayName        string    `json:"displayName" db:"display_name"`
	Active             bool      `json:"active" db:"active"`
	MergedInto         *string   `json:"mergedInto,omitempty" db:"merged_into"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// Claimed reports whether the account has been linked to the external
// identity provider.
func (a *Account) Claimed() bool {
	return a.ExternalIdentityID != nil && *a.ExternalIdentityID != ""
}
