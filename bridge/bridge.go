// Package bridge declares the runtime services the interception core
// consumes but does not implement: metadata lookup, method resolution, and
// the host module's load address. The injected host supplies the production
// implementation; the simrt package supplies one for tests.
package bridge

import "errors"

var (
	ErrClassNotFound  = errors.New("class not found")
	ErrMethodNotFound = errors.New("method not found")
)

// Class and Method are opaque runtime handles. The core never dereferences
// them; it only passes them back to the Bridge.
type (
	Class  uintptr
	Method uintptr
)

// TypeTag is the native metadata type tag attached to a parameter or return
// slot. The values follow the host runtime's type enumeration; the core only
// branches on R4 and R8, everything else is treated as pointer-sized.
type TypeTag uint32

const (
	TagEnd       TypeTag = 0x00
	TagVoid      TypeTag = 0x01
	TagBoolean   TypeTag = 0x02
	TagChar      TypeTag = 0x03
	TagI1        TypeTag = 0x04
	TagU1        TypeTag = 0x05
	TagI2        TypeTag = 0x06
	TagU2        TypeTag = 0x07
	TagI4        TypeTag = 0x08
	TagU4        TypeTag = 0x09
	TagI8        TypeTag = 0x0a
	TagU8        TypeTag = 0x0b
	TagR4        TypeTag = 0x0c
	TagR8        TypeTag = 0x0d
	TagString    TypeTag = 0x0e
	TagPtr       TypeTag = 0x0f
	TagByRef     TypeTag = 0x10
	TagValueType TypeTag = 0x11
	TagClass     TypeTag = 0x12
	TagObject    TypeTag = 0x1c
)

// MethodInfo is the metadata snapshot for one resolved method.
type MethodInfo struct {
	Address    uintptr
	Name       string
	ParamCount int
	IsStatic   bool
	HasReturn  bool
	ParamTags  []TypeTag
	ReturnTag  TypeTag
}

// Bridge resolves names to runtime handles and handles to metadata.
type Bridge interface {
	// FindClass resolves (assembly, namespace, name) to a class handle.
	FindClass(assembly, namespace, name string) (Class, error)

	// FindMethod resolves a method on cls by name and parameter count.
	FindMethod(cls Class, name string, paramCount int) (Method, error)

	// DescribeMethod returns the metadata snapshot for a resolved method.
	DescribeMethod(m Method) (MethodInfo, error)

	// ModuleBase returns the host module's load address, used to turn
	// relative virtual addresses into absolute ones. Zero means unknown.
	ModuleBase() uintptr
}
