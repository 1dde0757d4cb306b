//go:build windows

package hook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// probeExecutable verifies that [addr, addr+n) is committed executable
// memory.
func probeExecutable(addr uintptr, n int) error {
	const execMask = windows.PAGE_EXECUTE | windows.PAGE_EXECUTE_READ |
		windows.PAGE_EXECUTE_READWRITE | windows.PAGE_EXECUTE_WRITECOPY

	var mbi windows.MemoryBasicInformation

	cursor := addr
	endAddr := addr + uintptr(n)
	for cursor < endAddr {
		err := windows.VirtualQuery(cursor, &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			return fmt.Errorf("%w: %#x is not mapped: %v", ErrNotExecutable, cursor, err)
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&execMask == 0 {
			return fmt.Errorf("%w: %#x state=%#x protect=%#x", ErrNotExecutable, cursor, mbi.State, mbi.Protect)
		}
		cursor = mbi.BaseAddress + mbi.RegionSize
	}

	return nil
}
