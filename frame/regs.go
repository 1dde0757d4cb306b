package frame

import (
	"fmt"

	"github.com/modkit-go/modkit/sig"
)

// Registers is the normalized register-file image of one native call. The
// platform entry glue fills it in before handing control to Go and applies
// it back when re-entering native code; the simulated runtime does the same
// in tests. Argument placement:
//
//   - the instance pointer, when present, takes the first general-purpose
//     lane
//   - Pointer-class arguments take general-purpose lanes in call order
//   - Float32/Float64 arguments take floating-point lanes in call order,
//     Float32 as raw bits in the low half of the lane
//   - arguments beyond either lane file spill to Stack in call order
//
// The two lane files are independent: a float argument does not consume a
// general-purpose lane and vice versa.
type Registers struct {
	GP    [maxGPLanes]uintptr
	FP    [maxFPLanes]uint64
	Stack []uint64

	// Return lanes. Pointer-class results use RetGP; float results use
	// RetFP, Float32 as raw bits in the low half.
	RetGP uintptr
	RetFP uint64

	// Fault is the exception out-slot of the call, mirroring the host
	// runtime's exception out-parameter. The callee side fills it instead
	// of unwinding.
	Fault *Fault
}

// Reset clears the image for reuse.
func (r *Registers) Reset() {
	*r = Registers{Stack: r.Stack[:0]}
}

// PackCall writes f's instance and arguments into r per d's placement
// rules.
func PackCall(d sig.Descriptor, f *Frame, r *Registers) error {
	if len(f.Args) != d.NumParams() {
		return fmt.Errorf("%w: frame holds %d, descriptor wants %d", ErrArity, len(f.Args), d.NumParams())
	}

	gp, fp := 0, 0
	if d.HasThis() {
		r.GP[0] = f.Instance
		gp = 1
	}

	for i := 0; i < d.NumParams(); i++ {
		v := f.Args[i]
		if isFloatClass(d.Param(i)) {
			if fp < maxFPLanes {
				r.FP[fp] = v.bits
				fp++
			} else {
				r.Stack = append(r.Stack, v.bits)
			}
			continue
		}
		if gp < maxGPLanes {
			r.GP[gp] = uintptr(v.bits)
			gp++
		} else {
			r.Stack = append(r.Stack, v.bits)
		}
	}
	return nil
}

// UnpackCall reads the instance and arguments out of r into f, which must be
// shaped by the same descriptor.
func UnpackCall(d sig.Descriptor, r *Registers, f *Frame) {
	gp, fp, st := 0, 0, 0
	if d.HasThis() {
		f.Instance = r.GP[0]
		gp = 1
	}

	for i := 0; i < d.NumParams() && i < len(f.Args); i++ {
		if isFloatClass(d.Param(i)) {
			if fp < maxFPLanes {
				f.Args[i].bits = r.FP[fp]
				fp++
			} else if st < len(r.Stack) {
				f.Args[i].bits = r.Stack[st]
				st++
			}
			continue
		}
		if gp < maxGPLanes {
			f.Args[i].bits = uint64(r.GP[gp])
			gp++
		} else if st < len(r.Stack) {
			f.Args[i].bits = r.Stack[st]
			st++
		}
	}
}

// PackReturn writes f's result and fault into r's return lanes.
func PackReturn(d sig.Descriptor, f *Frame, r *Registers) {
	r.Fault = f.Fault
	ret, ok := d.Return()
	if !ok {
		return
	}
	if isFloatClass(ret) {
		r.RetFP = f.Result.bits
	} else {
		r.RetGP = uintptr(f.Result.bits)
	}
}

// UnpackReturn reads r's return lanes back into f.
func UnpackReturn(d sig.Descriptor, r *Registers, f *Frame) {
	f.Fault = r.Fault
	ret, ok := d.Return()
	if !ok {
		return
	}
	if isFloatClass(ret) {
		f.Result.bits = r.RetFP
	} else {
		f.Result.bits = uint64(r.RetGP)
	}
}

func isFloatClass(c sig.Class) bool {
	return c == sig.Float32 || c == sig.Float64
}
