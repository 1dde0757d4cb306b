//go:build amd64

package hook

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d

	opcodeMOV_r_rm = 0x8b // MOV r, r/m

	// jumpLen is the size of the patch written at a target's entry.
	jumpLen = 5 // 1 byte opcode + 4 byte displacement

	// maxPrologue bounds how many bytes are decoded when sizing the patch.
	maxPrologue = 32
)

// EncodeJump writes JMP rel32 to dest at the start of buf and pads the rest
// of buf with INT3, so a partially clobbered instruction can never be
// executed from its middle.
func EncodeJump(buf []byte, dest uintptr) error {
	if len(buf) < jumpLen {
		return errors.New("buffer too small for jump instruction")
	}

	// Displacement is relative to the end of the instruction.
	src := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) + jumpLen

	diff := int64(dest) - int64(src)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return fmt.Errorf("jump target out of range: %d bytes exceeds ±2GiB", diff)
	}

	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(diff)))

	for i := jumpLen; i < len(buf); i++ {
		buf[i] = opcodeINT3
	}

	return nil
}

// JumpTarget decodes a patch jump at the start of code, which executes at
// pc, and returns its destination.
func JumpTarget(code []byte, pc uintptr) (uintptr, bool) {
	if len(code) < jumpLen || code[0] != opcodeJMP {
		return 0, false
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return pc + jumpLen + uintptr(rel), true
}

// endbr64 marks a CET indirect-branch target and opens most modern x64
// function entries. x86asm does not decode it, so it is matched by byte
// pattern wherever instructions are walked.
var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// prologueLength returns how many bytes must be saved so the patch never
// splits an instruction: whole instructions are consumed until at least
// jumpLen bytes are covered.
func prologueLength(code []byte) (int, error) {
	n := 0
	for n < jumpLen {
		if bytes.HasPrefix(code[n:], endbr64) {
			n += len(endbr64)
			continue
		}
		instruction, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, fmt.Errorf("decode error at offset %d: %w", n, err)
		}
		n += instruction.Len
	}
	return n, nil
}

// relocate copies machine instructions from src into dest translating
// relative instructions as it goes. dest must be larger than src.
//
// The data underlying the slices is assumed to be the same address the code
// would execute from.
//
// The dest slice is returned after being resized.
func relocate(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	if len(dest) < len(src) {
		return nil, errors.New("relocation buffer too small")
	}
	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		if bytes.HasPrefix(src[i:], endbr64) {
			// Position independent, copy verbatim.
			copy(dest[i:], endbr64)
			i += len(endbr64)
			continue
		}

		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		switch instruction.Opcode >> 24 {
		case opcodeCALLrel:
			rel, ok := instruction.Args[0].(x86asm.Rel)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}

			absCallDest := srcAddr + uintptr(rel)
			newRelAddr := int64(absCallDest) - int64(destAddr)
			if newRelAddr < math.MinInt32 || newRelAddr > math.MaxInt32 {
				return nil, fmt.Errorf("relocate error at offset %d: call target out of rel32 range", i)
			}

			dest[i] = opcodeCALLrel
			binary.LittleEndian.PutUint32(dest[i+1:], uint32(int32(newRelAddr)))
		case opcodeLEA, opcodeMOV_r_rm:
			mem, ok := instruction.Args[1].(x86asm.Mem)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}
			if mem.Base == x86asm.RIP {
				copy(dest[i:], src[i:i+instruction.Len-4])

				newDisp := (int64(srcAddr) + mem.Disp) - int64(destAddr)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					return nil, fmt.Errorf("relocate error at offset %d: unable to translate instruction relative address", i)
				}

				binary.LittleEndian.PutUint32(dest[i+instruction.Len-4:], uint32(int32(newDisp)))
			} else {
				copy(dest[i:], src[i:i+instruction.Len])
			}
		default:
			copy(dest[i:], src[i:i+instruction.Len])
		}

		i += instruction.Len
	}

	return dest, nil
}

// disassemble renders code for the debug dump.
func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		if bytes.HasPrefix(code[i:], endbr64) {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(endbr64), "ENDBR64")
			i += len(endbr64)
			continue
		}

		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
