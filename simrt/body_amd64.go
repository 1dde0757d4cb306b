//go:build amd64

package simrt

// Carved method bodies get a conventional frame-setup prologue so the hook
// layer has whole instructions to size its patch over, followed by an int3
// sled: control falling past the prologue means routing went wrong, and the
// sled makes that loud.
//
//	55             push rbp
//	48 89 e5       mov rbp, rsp
//	48 83 ec 20    sub rsp, 0x20
//	cc ...         int3 sled
func writeMethodBody(body []byte) {
	fillTrap(body)
	copy(body, []byte{
		0x55,
		0x48, 0x89, 0xe5,
		0x48, 0x83, 0xec, 0x20,
	})
}

func fillTrap(buf []byte) {
	for i := range buf {
		buf[i] = 0xcc
	}
}
