//go:build arm64

package simrt

import "encoding/binary"

const (
	instSTPfp = 0xa9bf7bfd // stp x29, x30, [sp, #-16]!
	instMOVfp = 0x910003fd // mov x29, sp
	instBRK   = 0xd4200000 // brk #0
)

// Carved method bodies get a conventional frame-setup prologue so the hook
// layer has a decodable first instruction to patch over, followed by a brk
// sled that traps if routing ever falls through.
func writeMethodBody(body []byte) {
	fillTrap(body)
	binary.LittleEndian.PutUint32(body[0:], instSTPfp)
	binary.LittleEndian.PutUint32(body[4:], instMOVfp)
}

func fillTrap(buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], instBRK)
	}
}
