// Package delivery hands cataloged frames to external sinks in batches.
package delivery

import "time"

// Delivery defaults
const (
	DefaultBatcherMaxSize    = 8
	DefaultBatcherFlushDelay = 500 * time.Millisecond

	DefaultWebhookTimeout = 10 * time.Second

	dirPerm  = 0o755
	filePerm = 0o644
)
