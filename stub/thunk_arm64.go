//go:build arm64

package stub

import (
	"encoding/binary"
	"errors"
)

// Per-target thunk layout:
//
//	58000091   ldr x17, id      (literal at +16)
//	580000b0   ldr x16, entry   (literal at +24)
//	d61f0200   br  x16
//	d503201f   nop
//	<id64>
//	<entry64>
//
// The id rides in x17 and the transfer is an absolute branch, so a thunk
// reaches its shared entry anywhere in the address space.
const (
	thunkSize = 32
	sledSize  = 16

	instLDRx17 = 0x58000091
	instLDRx16 = 0x580000b0
	instBRx16  = 0xd61f0200
	instNOP    = 0xd503201f
	instBRK    = 0xd4200000
)

func encodeThunk(block []byte, id uint64, entry uintptr) error {
	if len(block) < thunkSize {
		return errors.New("thunk block too small")
	}
	binary.LittleEndian.PutUint32(block[0:], instLDRx17)
	binary.LittleEndian.PutUint32(block[4:], instLDRx16)
	binary.LittleEndian.PutUint32(block[8:], instBRx16)
	binary.LittleEndian.PutUint32(block[12:], instNOP)
	binary.LittleEndian.PutUint64(block[16:], id)
	binary.LittleEndian.PutUint64(block[24:], uint64(entry))
	return nil
}

// DecodeThunk reads the binding id and shared-entry address back out of a
// thunk executing at pc. Diagnostics and the simulated runtime use it; the
// dispatch path never decodes bytes.
func DecodeThunk(code []byte, pc uintptr) (id uint64, entry uintptr, ok bool) {
	if len(code) < thunkSize ||
		binary.LittleEndian.Uint32(code[0:]) != instLDRx17 ||
		binary.LittleEndian.Uint32(code[4:]) != instLDRx16 ||
		binary.LittleEndian.Uint32(code[8:]) != instBRx16 {
		return 0, 0, false
	}
	id = binary.LittleEndian.Uint64(code[16:])
	entry = uintptr(binary.LittleEndian.Uint64(code[24:]))
	return id, entry, true
}

// fillTrapSled floods block with brk #0 so an entry executed before the
// platform glue is installed traps immediately.
func fillTrapSled(block []byte) {
	for i := 0; i+4 <= len(block); i += 4 {
		binary.LittleEndian.PutUint32(block[i:], instBRK)
	}
}
