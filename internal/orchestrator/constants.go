// Package orchestrator runs watch sessions: one catalog, one watch loop and
// an optional delivery pipeline per session.
package orchestrator

// Session defaults
const (
	// Catalog events buffered for the delivery forwarder.
	DeliveryEventBuffer = 64
)
