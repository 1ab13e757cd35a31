package watch

// Watch loop defaults
const (
	// Hamming distance (bits) at which a surface counts as changed. Tuned so
	// single-frame animation noise stays below it on a 32x32 grid.
	DefaultThreshold = 40
)
