//go:build amd64

package frame

// System V style integer and vector argument register counts. The Windows
// x64 convention exposes fewer lanes; embedder glue for that convention maps
// the excess lanes to its shadow/stack area.
const (
	maxGPLanes = 6
	maxFPLanes = 8
)
