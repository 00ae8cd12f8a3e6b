// Package state provides filesystem-backed storage for the audit trail and
// pending scheduled jobs.
package state

import "github.com/astralisone/astralis-nextjs-sub001/internal/types"

// Compile-time interface compliance checks.
var _ types.AuditStore = (*AuditLog)(nil)
