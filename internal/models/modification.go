package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchAttribute is returned when deleting an attribute or value that is not present
	ErrNoSuchAttribute = errors.New("no such attribute")
	// ErrValueExists is returned when adding a value that is already present
	ErrValueExists = errors.New("attribute or value exists")
)

// ModOp is the kind of a single modification
type ModOp int

// Operation values match the RFC 4511 ModifyRequest encoding
const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

func (op ModOp) String() string {
	switch op {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return fmt.Sprintf("modop(%d)", int(op))
	}
}

// Modification is one (operation, attribute, values) tuple
type Modification struct {
	Op        ModOp
	Attribute string
	Values    []Value
}

// ModificationRequest is an ordered list of modifications. Tuples are applied
// in sequence; later tuples observe the effect of earlier ones.
type ModificationRequest []Modification

// Apply applies the modifications in order. The entry is only updated when
// every modification succeeds.
func (e *Entry) Apply(mods ModificationRequest) error {
	work := e.Clone()

	for i, mod := range mods {
		if err := work.apply(mod); err != nil {
			return fmt.Errorf("modification %d (%s %s): %w", i, mod.Op, mod.Attribute, err)
		}
	}

	e.Attributes = work.Attributes
	return nil
}

func (e *Entry) apply(mod Modification) error {
	switch mod.Op {
	case ModAdd:
		if len(mod.Values) == 0 {
			return fmt.Errorf("add requires at least one value")
		}
		if a := e.Get(mod.Attribute); a != nil {
			for _, v := range mod.Values {
				if a.Contains(v) {
					return fmt.Errorf("%w: %s=%s", ErrValueExists, mod.Attribute, v)
				}
			}
		}
		e.AddValues(mod.Attribute, mod.Values...)

	case ModDelete:
		if len(mod.Values) == 0 {
			if !e.HasAttribute(mod.Attribute) {
				return fmt.Errorf("%w: %s", ErrNoSuchAttribute, mod.Attribute)
			}
			e.RemoveAttribute(mod.Attribute)
			return nil
		}
		return e.RemoveValues(mod.Attribute, mod.Values...)

	case ModReplace:
		if len(mod.Values) == 0 {
			e.RemoveAttribute(mod.Attribute)
			return nil
		}
		e.SetValues(mod.Attribute, mod.Values...)

	default:
		return fmt.Errorf("unknown modification operation %d", int(mod.Op))
	}
	return nil
}
