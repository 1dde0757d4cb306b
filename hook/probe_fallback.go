//go:build !linux && !windows

package hook

// No memory map source here; the patch write will surface protection
// problems instead.
func probeExecutable(addr uintptr, n int) error { return nil }
