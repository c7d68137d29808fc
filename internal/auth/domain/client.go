package domain

import "time"

// Client is an OAuth client registration. SecretHash holds argon2id output;
// plaintext secret material is never persisted.
type Client struct {
	ID                  string     `json:"client_id"`
	Name                string     `json:"client_name"`
	SecretHash          string     `json:"client_secret_hash,omitempty"`
	RedirectURIs        []string   `json:"redirect_uris"`
	GrantTypes          []string   `json:"grant_types"`
	Scopes              []string   `json:"scopes"`
	Enabled             bool       `json:"enabled"`
	PrevSecretHash      string     `json:"previous_secret_hash,omitempty"`
	PrevSecretExpiresAt *time.Time `json:"previous_secret_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ClientUpdate is a partial field set for a client record. Nil fields are
// left untouched; nil slices mean "not supplied", empty slices clear the
// column.
type ClientUpdate struct {
	Name                *string    `json:"client_name,omitempty"`
	SecretHash          *string    `json:"client_secret_hash,omitempty"`
	RedirectURIs        []string   `json:"redirect_uris,omitempty"`
	GrantTypes          []string   `json:"grant_types,omitempty"`
	Scopes              []string   `json:"scopes,omitempty"`
	Enabled             *bool      `json:"enabled,omitempty"`
	PrevSecretHash      *string    `json:"previous_secret_hash,omitempty"`
	PrevSecretExpiresAt *time.Time `json:"previous_secret_expires_at,omitempty"`
}

// IsEmpty reports whether the update carries no fields at all.
func (u ClientUpdate) IsEmpty() bool {
	return u.Name == nil &&
		u.SecretHash == nil &&
		u.RedirectURIs == nil &&
		u.GrantTypes == nil &&
		u.Scopes == nil &&
		u.Enabled == nil &&
		u.PrevSecretHash == nil &&
		u.PrevSecretExpiresAt == nil
}

// AsUpdate returns the full field set of c expressed as a ClientUpdate.
// Used when a replayed create must fall back to update-in-place.
func (c Client) AsUpdate() ClientUpdate {
	name := c.Name
	secret := c.SecretHash
	enabled := c.Enabled
	prev := c.PrevSecretHash

	uris := c.RedirectURIs
	if uris == nil {
		uris = []string{}
	}
	grants := c.GrantTypes
	if grants == nil {
		grants = []string{}
	}
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	return ClientUpdate{
		Name:                &name,
		SecretHash:          &secret,
		RedirectURIs:        uris,
		GrantTypes:          grants,
		Scopes:              scopes,
		Enabled:             &enabled,
		PrevSecretHash:      &prev,
		PrevSecretExpiresAt: c.PrevSecretExpiresAt,
	}
}
