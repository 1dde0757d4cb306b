//go:build linux

package hook

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type mapRegion struct {
	start uintptr
	end   uintptr
	perms string
}

func (r mapRegion) executable() bool {
	return len(r.perms) > 2 && r.perms[2] == 'x'
}

// probeExecutable verifies that [addr, addr+n) is mapped executable, walking
// adjacent regions since a prior page-level protection change may have split
// the original mapping.
func probeExecutable(addr uintptr, n int) error {
	regions, err := readSelfMaps()
	if err != nil {
		return fmt.Errorf("%w: reading memory map: %v", ErrNotExecutable, err)
	}

	cursor := addr
	endAddr := addr + uintptr(n)
	for cursor < endAddr {
		i := sort.Search(len(regions), func(i int) bool {
			return regions[i].end > cursor
		})
		if i >= len(regions) || regions[i].start > cursor {
			return fmt.Errorf("%w: %#x is not mapped", ErrNotExecutable, cursor)
		}
		if !regions[i].executable() {
			return fmt.Errorf("%w: %#x is mapped %s", ErrNotExecutable, cursor, regions[i].perms)
		}
		cursor = regions[i].end
	}

	return nil
}

// readSelfMaps parses /proc/self/maps into sorted regions.
func readSelfMaps() ([]mapRegion, error) {
	file, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var regions []mapRegion
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		// Address range field looks like "00400000-0040b000".
		lo, hi, found := strings.Cut(fields[0], "-")
		if !found {
			continue
		}

		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}

		regions = append(regions, mapRegion{
			start: uintptr(start),
			end:   uintptr(end),
			perms: fields[1],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}
