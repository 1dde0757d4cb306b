//go:build arm64

package frame

// AAPCS64: X0-X7 carry integer arguments, V0-V7 carry floating-point
// arguments.
const (
	maxGPLanes = 8
	maxFPLanes = 8
)
