// Package server provides the HTTP API and WebSocket event stream
package server

import "time"

// Server configuration constants
const (
	// Catalog events buffered for the broadcaster
	EventBuffer = 256

	// Per-connection inbound message limit (sliding window)
	RateLimitMessages = 20
	RateLimitWindow   = time.Second

	// Deadline for a single WebSocket write
	WriteTimeout = 5 * time.Second

	// Max accepted body for session start
	MaxBodyBytes = 1 << 16
)
