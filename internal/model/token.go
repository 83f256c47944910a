package model

import "time"

// TenantToken is an opaque authentication token owned by a tenant.
// Tokens are managed outside the broker; the broker only reads them.
// Revocation is flipping IsActive in the backing store.
type TenantToken struct {
	Token       string
	CustomerID  string
	IsActive    bool
	Description string
	CreatedAt   time.Time
}
