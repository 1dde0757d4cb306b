// Package sig describes the call shape of a native function: the argument
// class (pointer, 32-bit float, 64-bit float) of every parameter plus the
// return class. The shape is all the marshaling layer needs; it never sees
// richer type information.
package sig

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadSignature = errors.New("malformed signature")

// Class is the calling-convention class of a single slot.
type Class uint8

const (
	// Pointer covers everything passed in a general-purpose register:
	// object references, raw pointers, integers, and by-reference values.
	Pointer Class = iota
	// Float32 is a single-precision float in a floating-point register.
	Float32
	// Float64 is a double-precision float in a floating-point register.
	Float64
)

func (c Class) String() string {
	switch c {
	case Pointer:
		return "P"
	case Float32:
		return "F"
	case Float64:
		return "D"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Descriptor is the immutable shape of one native call. Two targets with an
// equal Descriptor share marshaling stubs.
type Descriptor struct {
	params  []Class
	ret     Class
	hasRet  bool
	hasThis bool
}

// Static builds a descriptor for a call with no instance slot and a void
// return.
func Static(params ...Class) Descriptor {
	return Descriptor{params: cloneClasses(params)}
}

// Instance builds a descriptor whose first general-purpose slot carries the
// instance pointer, with a void return.
func Instance(params ...Class) Descriptor {
	return Descriptor{params: cloneClasses(params), hasThis: true}
}

// Returning derives a descriptor with return class c.
func (d Descriptor) Returning(c Class) Descriptor {
	d.ret = c
	d.hasRet = true
	return d
}

func cloneClasses(cs []Class) []Class {
	if len(cs) == 0 {
		return nil
	}
	out := make([]Class, len(cs))
	copy(out, cs)
	return out
}

func (d Descriptor) NumParams() int { return len(d.params) }

// Param returns the class of the i-th parameter. The instance slot is not a
// parameter.
func (d Descriptor) Param(i int) Class { return d.params[i] }

// Params returns a copy of the parameter classes.
func (d Descriptor) Params() []Class { return cloneClasses(d.params) }

// Return reports the return class and whether the call returns a value.
func (d Descriptor) Return() (Class, bool) { return d.ret, d.hasRet }

// HasThis reports whether the call carries an instance pointer.
func (d Descriptor) HasThis() bool { return d.hasThis }

func (d Descriptor) Equal(o Descriptor) bool { return d.Key() == o.Key() }

// Key returns the canonical string form, used as the stub cache key:
// parameter letters, a leading "T" for instance calls, and ":X" for a
// non-void return. Examples: "PF", "TF:D", ":P".
func (d Descriptor) Key() string {
	var b strings.Builder
	if d.hasThis {
		b.WriteByte('T')
	}
	for _, c := range d.params {
		b.WriteString(c.String())
	}
	if d.hasRet {
		b.WriteByte(':')
		b.WriteString(d.ret.String())
	}
	return b.String()
}

func (d Descriptor) String() string { return d.Key() }

// Parse reads the canonical form back into a Descriptor. It accepts the
// letter strings used when hooking by raw address, where no metadata exists:
// "P" pointer, "F" float32, "D" float64, optional "T" prefix for an instance
// call, optional ":X" return suffix. An instance method declared without the
// T prefix is equivalent to folding this into a leading P parameter; both
// shapes marshal identically.
func Parse(s string) (Descriptor, error) {
	var d Descriptor

	rest := s
	if strings.HasPrefix(rest, "T") {
		d.hasThis = true
		rest = rest[1:]
	}

	params, ret, found := strings.Cut(rest, ":")
	for i := 0; i < len(params); i++ {
		c, err := classOf(params[i])
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w %q: %v", ErrBadSignature, s, err)
		}
		d.params = append(d.params, c)
	}

	if found {
		if len(ret) != 1 {
			return Descriptor{}, fmt.Errorf("%w %q: return class must be one letter", ErrBadSignature, s)
		}
		c, err := classOf(ret[0])
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w %q: %v", ErrBadSignature, s, err)
		}
		d.ret = c
		d.hasRet = true
	}

	return d, nil
}

func classOf(b byte) (Class, error) {
	switch b {
	case 'P':
		return Pointer, nil
	case 'F':
		return Float32, nil
	case 'D':
		return Float64, nil
	}
	return 0, fmt.Errorf("unknown class letter %q", string(b))
}
