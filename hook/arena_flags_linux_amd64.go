//go:build linux && amd64

package hook

import "syscall"

// Keep the arena in the low 2GB so rel32 jumps and calls between arena
// blocks and module code stay in range.
//
// https://man7.org/linux/man-pages/man2/mmap.2.html
const arenaMapFlags = syscall.MAP_32BIT
