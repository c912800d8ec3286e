package vm

import "fmt"

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// TypeKind identifies one of the primitive value types. The integer values
// are the wire encoding in the package type section.
type TypeKind uint8

const (
	UnitType  TypeKind = 1
	BoolType  TypeKind = 2
	Int64Type TypeKind = 3
)

// Type is a value type. The value universe is {unit, bool, int64}.
type Type struct {
	Kind TypeKind
}

var (
	Unit  = Type{Kind: UnitType}
	Bool  = Type{Kind: BoolType}
	Int64 = Type{Kind: Int64Type}
)

// Size returns the type's size in bytes.
func (t Type) Size() uintptr {
	switch t.Kind {
	case UnitType:
		return 0
	case BoolType:
		return 1
	case Int64Type:
		return 8
	}
	panic(fmt.Sprintf("bad type kind %d", t.Kind))
}

// SlotSize returns the number of stack slots a value of the type occupies.
// Every value occupies exactly one word on the interpreter stack (unit is
// stored as 0) so that slot indices in LOADLOCAL and friends are word
// offsets.
func (t Type) SlotSize() uintptr { return 1 }

func (t Type) String() string {
	switch t.Kind {
	case UnitType:
		return "unit"
	case BoolType:
		return "bool"
	case Int64Type:
		return "int64"
	}
	return fmt.Sprintf("type(%d)", t.Kind)
}

// typeByName maps assembly type names to types.
func typeByName(name string) (Type, bool) {
	switch name {
	case "unit":
		return Unit, true
	case "bool":
		return Bool, true
	case "int64":
		return Int64, true
	}
	return Type{}, false
}

func typesEqual(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
