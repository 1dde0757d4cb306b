package hook

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// Arena hands out executable code blocks for trampolines and stub thunks.
// The backing pages sit at RX and are flipped to RWX only inside a
// BeginMutate/EndMutate window, so generated code is never left writable.
type Arena struct {
	arena    *malloc.Arena
	mprotect func(int) error

	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
	size     int
}

// NewArena returns an arena that maps size bytes on first allocation.
func NewArena(size int) *Arena {
	return &Arena{size: size}
}

func (a *Arena) init() error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectRWX), malloc.MmapFlags(arenaMapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.arena = malloc.NewArena(uint64(a.size), malloc.Backend(be))
		if a.arena == nil {
			err = errors.New("unable to initialize code arena")
			return
		}
		// Fresh mappings come up writable.
		a.mutable = true
	})
	return err
}

// BeginMutate makes the arena writable. It may be called before the first
// allocation.
func (a *Arena) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

// EndMutate seals the arena back to read-execute.
func (a *Arena) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

// Allocate returns a code block of at least size bytes. The arena must be
// inside a mutate window.
func (a *Arena) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return nil, fmt.Errorf("error initializing code arena: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.arena, size)
}

// Free releases a block. The arena must be inside a mutate window.
func (a *Arena) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.arena, buf)
}

// BlockAddr returns the execution address of an allocated block.
func BlockAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
