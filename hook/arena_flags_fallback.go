//go:build !(linux && amd64)

package hook

// No equivalent of MAP_32BIT here. On arm64 the B encoding gives ±128MiB
// from wherever the OS maps us, and the jump encoders range-check and fail
// cleanly when the distance is too far. On Windows and the BSDs we trust the
// OS to hand back a usable address.
//
// https://learn.microsoft.com/en-us/windows/win32/api/memoryapi/nf-memoryapi-virtualalloc
// https://man.freebsd.org/cgi/man.cgi?mmap(2)
const arenaMapFlags = 0
