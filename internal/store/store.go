// Package store persists image records and their timeline events.
//
// Two implementations share the same contract: Postgres for deployments and
// Memory for local runs and tests. Both resolve conflicts on
// (tenant_id, content_hash) through Merge.
package store

import "errors"

// ErrSessionNotFound means the session embedded in a storage key does not
// exist for the tenant.
var ErrSessionNotFound = errors.New("session not found")
