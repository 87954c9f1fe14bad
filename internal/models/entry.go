package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Attribute is a named, ordered list of values
type Attribute struct {
	Name   string
	Values []Value
}

// NewAttribute creates an attribute holding the given values
func NewAttribute(name string, values ...Value) *Attribute {
	return &Attribute{Name: name, Values: append([]Value(nil), values...)}
}

// Strings returns the textual form of every value
func (a *Attribute) Strings() []string {
	out := make([]string, len(a.Values))
	for i, v := range a.Values {
		out[i] = v.String()
	}
	return out
}

// Contains reports whether the attribute already holds an equal value
func (a *Attribute) Contains(value Value) bool {
	for _, v := range a.Values {
		if v.Equal(value) {
			return true
		}
	}
	return false
}

func (a *Attribute) clone() *Attribute {
	return &Attribute{Name: a.Name, Values: append([]Value(nil), a.Values...)}
}

// Entry represents an LDAP entry: a DN plus a set of attributes whose names
// are unique case-insensitively
type Entry struct {
	DN         string
	Attributes []*Attribute
}

// NewEntry creates a new, empty LDAP entry
func NewEntry(dn string) *Entry {
	return &Entry{DN: dn}
}

// Get returns the attribute with the given name, or nil
func (e *Entry) Get(name string) *Attribute {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

// HasAttribute checks if an attribute exists
func (e *Entry) HasAttribute(name string) bool {
	return e.Get(name) != nil
}

// Values gets all values of an attribute
func (e *Entry) Values(name string) []Value {
	if a := e.Get(name); a != nil {
		return a.Values
	}
	return nil
}

// Strings gets all values of an attribute in textual form
func (e *Entry) Strings(name string) []string {
	if a := e.Get(name); a != nil {
		return a.Strings()
	}
	return []string{}
}

// First gets the first value of an attribute in textual form
func (e *Entry) First(name string) string {
	if a := e.Get(name); a != nil && len(a.Values) > 0 {
		return a.Values[0].String()
	}
	return ""
}

// AddValues appends values to an attribute, creating it when absent
func (e *Entry) AddValues(name string, values ...Value) {
	if a := e.Get(name); a != nil {
		a.Values = append(a.Values, values...)
		return
	}
	e.Attributes = append(e.Attributes, NewAttribute(name, values...))
}

// AddText appends text values to an attribute
func (e *Entry) AddText(name string, values ...string) {
	e.AddValues(name, TextValues(values...)...)
}

// SetValues replaces all values of an attribute
func (e *Entry) SetValues(name string, values ...Value) {
	if a := e.Get(name); a != nil {
		a.Values = append([]Value(nil), values...)
		return
	}
	e.Attributes = append(e.Attributes, NewAttribute(name, values...))
}

// RemoveAttribute removes an attribute
func (e *Entry) RemoveAttribute(name string) {
	for i, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
			return
		}
	}
}

// RemoveValues removes specific values from an attribute. The attribute is
// dropped once its last value is gone.
func (e *Entry) RemoveValues(name string, values ...Value) error {
	a := e.Get(name)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchAttribute, name)
	}

	for _, value := range values {
		idx := -1
		for i, v := range a.Values {
			if v.Equal(value) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s=%s", ErrNoSuchAttribute, name, value)
		}
		a.Values = append(a.Values[:idx], a.Values[idx+1:]...)
	}

	if len(a.Values) == 0 {
		e.RemoveAttribute(name)
	}
	return nil
}

// Names returns the attribute names in entry order
func (e *Entry) Names() []string {
	names := make([]string, len(e.Attributes))
	for i, a := range e.Attributes {
		names[i] = a.Name
	}
	return names
}

// Map returns a lowercased attribute name to textual value list mapping
func (e *Entry) Map() map[string][]string {
	m := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		m[strings.ToLower(a.Name)] = a.Strings()
	}
	return m
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	c := &Entry{DN: e.DN, Attributes: make([]*Attribute, len(e.Attributes))}
	for i, a := range e.Attributes {
		c.Attributes[i] = a.clone()
	}
	return c
}

// IsReferral reports whether the entry is a referral object (objectClass
// "referral"), in which case its "ref" values point elsewhere
func (e *Entry) IsReferral() bool {
	for _, oc := range e.Strings("objectClass") {
		if strings.EqualFold(oc, "referral") {
			return true
		}
	}
	return false
}

// ParentDN returns the DN without its leading RDN
// e.g., "cn=admin,ou=users,dc=example,dc=com" -> "ou=users,dc=example,dc=com"
func (e *Entry) ParentDN() string {
	return ParentDN(e.DN)
}

// RDN returns the Relative Distinguished Name (first component)
func (e *Entry) RDN() string {
	if idx := firstUnescapedComma(e.DN); idx >= 0 {
		return e.DN[:idx]
	}
	return e.DN
}

// Validate checks that the entry can be handed to a backend
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.DN) == "" {
		return fmt.Errorf("DN is required")
	}
	for _, a := range e.Attributes {
		if a.Name == "" {
			return fmt.Errorf("attribute name is required")
		}
		if len(a.Values) == 0 {
			return fmt.Errorf("attribute %s has no values", a.Name)
		}
	}
	return nil
}

// ToLDIF converts the entry to LDIF format
func (e *Entry) ToLDIF() string {
	var lines []string
	lines = append(lines, fmt.Sprintf("dn: %s", e.DN))

	names := e.Names()
	sort.Strings(names)
	for _, name := range names {
		for _, v := range e.Get(name).Values {
			if _, ok := v.Text(); ok {
				lines = append(lines, fmt.Sprintf("%s: %s", name, v))
			} else {
				lines = append(lines, fmt.Sprintf("%s:: %s", name, v))
			}
		}
	}

	return strings.Join(lines, "\n")
}

// ParentDN extracts the parent DN from a DN, honoring escaped commas
func ParentDN(dn string) string {
	if idx := firstUnescapedComma(dn); idx >= 0 && idx+1 < len(dn) {
		return strings.TrimSpace(dn[idx+1:])
	}
	return ""
}

func firstUnescapedComma(dn string) int {
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',':
			return i
		}
	}
	return -1
}

// FormatLDAPTimestamp formats a time.Time into LDAP Generalized Time format
// Format: YYYYMMDDHHMMSSz (UTC)
// Example: 20250125143045Z
func FormatLDAPTimestamp(t time.Time) string {
	return t.UTC().Format("20060102150405Z")
}
