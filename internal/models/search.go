package models

import "fmt"

// Scope is the breadth of a search. Values match the RFC 4511 encoding.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOneLevel:
		return "one"
	case ScopeSubtree:
		return "sub"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Valid reports whether the scope is one of the three defined values
func (s Scope) Valid() bool {
	return s >= ScopeBase && s <= ScopeSubtree
}

// SearchSpec carries the parameters of a search request. Filter is handed to
// the backend unparsed.
type SearchSpec struct {
	BaseDN     string
	Scope      Scope
	Filter     string
	SizeLimit  int // 0 means unlimited
	TimeLimit  int // seconds, 0 means unlimited
	Attributes []string
	TypesOnly  bool
}

// SelectsAll reports whether every user attribute is requested
func (s SearchSpec) SelectsAll() bool {
	if len(s.Attributes) == 0 {
		return true
	}
	for _, a := range s.Attributes {
		if a == "*" {
			return true
		}
	}
	return false
}
