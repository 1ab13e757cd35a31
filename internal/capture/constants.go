package capture

import "time"

// Capture tuning constants
const (
	// Wait after scrolling a surface into view, on top of one paint.
	DefaultSettle = 100 * time.Millisecond

	// Screenshot target used when the caller does not name one.
	DefaultTarget = "viewport"
)
