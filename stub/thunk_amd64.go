//go:build amd64

package stub

import (
	"encoding/binary"
	"errors"

	"github.com/modkit-go/modkit/hook"
)

// Per-target thunk layout:
//
//	49 bb <id64>   mov r11, id
//	e9 <rel32>     jmp sharedEntry
//
// followed by int3 padding. The id rides in r11, which the argument lanes
// never use, so the shared entry recovers the binding identity without
// disturbing the call.
const (
	thunkSize = 32
	sledSize  = 16

	thunkJumpOff = 10
)

func encodeThunk(block []byte, id uint64, entry uintptr) error {
	if len(block) < thunkJumpOff+5 {
		return errors.New("thunk block too small")
	}
	block[0] = 0x49
	block[1] = 0xbb
	binary.LittleEndian.PutUint64(block[2:], id)
	return hook.EncodeJump(block[thunkJumpOff:], entry)
}

// DecodeThunk reads the binding id and shared-entry address back out of a
// thunk executing at pc. Diagnostics and the simulated runtime use it; the
// dispatch path never decodes bytes.
func DecodeThunk(code []byte, pc uintptr) (id uint64, entry uintptr, ok bool) {
	if len(code) < thunkJumpOff+5 || code[0] != 0x49 || code[1] != 0xbb {
		return 0, 0, false
	}
	id = binary.LittleEndian.Uint64(code[2:])
	entry, ok = hook.JumpTarget(code[thunkJumpOff:], pc+thunkJumpOff)
	if !ok {
		return 0, 0, false
	}
	return id, entry, true
}

// fillTrapSled floods block with int3 so an entry executed before the
// platform glue is installed traps immediately.
func fillTrapSled(block []byte) {
	for i := range block {
		block[i] = 0xcc
	}
}
