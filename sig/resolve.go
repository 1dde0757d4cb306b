package sig

import (
	"fmt"

	"github.com/modkit-go/modkit/bridge"
)

// FromMethod derives a Descriptor from runtime metadata. R4 and R8 map to
// the float classes; every other tag, including by-reference value types and
// object references, is pointer-sized. Nothing is guessed from disassembly:
// when metadata is unavailable the caller must supply an explicit Parse
// string instead.
func FromMethod(info bridge.MethodInfo) (Descriptor, error) {
	var d Descriptor
	d.hasThis = !info.IsStatic

	if len(info.ParamTags) != info.ParamCount {
		return Descriptor{}, fmt.Errorf("%w: method %s declares %d parameters but carries %d tags",
			ErrBadSignature, info.Name, info.ParamCount, len(info.ParamTags))
	}

	for i, tag := range info.ParamTags {
		c, err := classOfTag(tag)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: method %s parameter %d: %v", ErrBadSignature, info.Name, i, err)
		}
		d.params = append(d.params, c)
	}

	if info.HasReturn && info.ReturnTag != bridge.TagVoid {
		c, err := classOfTag(info.ReturnTag)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: method %s return: %v", ErrBadSignature, info.Name, err)
		}
		d.ret = c
		d.hasRet = true
	}

	return d, nil
}

func classOfTag(tag bridge.TypeTag) (Class, error) {
	switch tag {
	case bridge.TagR4:
		return Float32, nil
	case bridge.TagR8:
		return Float64, nil
	case bridge.TagVoid, bridge.TagEnd:
		return 0, fmt.Errorf("tag %#x cannot occupy an argument slot", uint32(tag))
	default:
		return Pointer, nil
	}
}

// TagFor is the reverse mapping used when synthesizing metadata, e.g. by the
// simulated runtime. Pointer deliberately collapses to the object tag.
func TagFor(c Class) bridge.TypeTag {
	switch c {
	case Float32:
		return bridge.TagR4
	case Float64:
		return bridge.TagR8
	default:
		return bridge.TagObject
	}
}
