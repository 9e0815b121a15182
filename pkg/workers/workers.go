// Package workers runs the background loops of a client: stale-data
// refreshes, snapshot saves and the replay of deferred operations.
package workers

import "time"

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultSaveInterval    = time.Minute
	DefaultRetryInterval   = 5 * time.Second
)
