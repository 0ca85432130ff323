// Package worker provides the background tasks of the load balancer: the
// request-log flush loop and the periodic usage refresher, supervised by
// a Runner that cancels everything on the first fatal error.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns a human-readable identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
