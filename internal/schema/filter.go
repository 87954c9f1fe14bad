package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smarzola/ldapgate/internal/models"
)

// FilterType represents the type of LDAP filter
type FilterType int

const (
	FilterTypeAnd FilterType = iota
	FilterTypeOr
	FilterTypeNot
	FilterTypeEquality
	FilterTypePresent
	FilterTypeApproxMatch
	FilterTypeGreaterOrEqual
	FilterTypeLessOrEqual
	FilterTypeSubstrings
)

// Filter represents an LDAP search filter. Values are held unescaped.
type Filter struct {
	Type      FilterType
	Attribute string
	Value     string
	Filters   []*Filter

	// substrings components
	Initial string
	Any     []string
	Final   string
}

// ParseFilter parses an RFC 4515 filter string. An empty string matches
// every entry.
func ParseFilter(filterStr string) (*Filter, error) {
	filterStr = strings.TrimSpace(filterStr)
	if filterStr == "" {
		return &Filter{Type: FilterTypePresent, Attribute: "objectClass"}, nil
	}

	if !strings.HasPrefix(filterStr, "(") || !strings.HasSuffix(filterStr, ")") {
		return nil, fmt.Errorf("filter must be enclosed in parentheses")
	}

	filter, pos, err := parseFilterRecursive(filterStr, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(filterStr) {
		return nil, fmt.Errorf("unexpected trailing data at position %d", pos)
	}
	return filter, nil
}

// parseFilterRecursive recursively parses filter components
func parseFilterRecursive(filterStr string, pos int) (*Filter, int, error) {
	if pos >= len(filterStr) {
		return nil, pos, fmt.Errorf("unexpected end of filter")
	}
	if filterStr[pos] != '(' {
		return nil, pos, fmt.Errorf("expected '(' at position %d", pos)
	}
	pos++ // skip '('

	if pos >= len(filterStr) {
		return nil, pos, fmt.Errorf("unexpected end of filter")
	}

	switch filterStr[pos] {
	case '&', '|':
		filter := &Filter{Type: FilterTypeAnd}
		if filterStr[pos] == '|' {
			filter.Type = FilterTypeOr
		}
		pos++

		for pos < len(filterStr) && filterStr[pos] == '(' {
			subFilter, newPos, err := parseFilterRecursive(filterStr, pos)
			if err != nil {
				return nil, pos, err
			}
			filter.Filters = append(filter.Filters, subFilter)
			pos = newPos
		}

		if pos >= len(filterStr) || filterStr[pos] != ')' {
			return nil, pos, fmt.Errorf("expected ')' at position %d", pos)
		}
		return filter, pos + 1, nil

	case '!':
		pos++
		subFilter, newPos, err := parseFilterRecursive(filterStr, pos)
		if err != nil {
			return nil, pos, err
		}
		if newPos >= len(filterStr) || filterStr[newPos] != ')' {
			return nil, newPos, fmt.Errorf("expected ')' at position %d", newPos)
		}
		return &Filter{Type: FilterTypeNot, Filters: []*Filter{subFilter}}, newPos + 1, nil
	}

	// Simple filter: attribute op value. Values cannot contain a raw ')'.
	endPos := strings.IndexByte(filterStr[pos:], ')')
	if endPos == -1 {
		return nil, pos, fmt.Errorf("expected ')'")
	}

	filter, err := parseItem(filterStr[pos : pos+endPos])
	if err != nil {
		return nil, pos, err
	}
	return filter, pos + endPos + 1, nil
}

func parseItem(item string) (*Filter, error) {
	eq := strings.IndexByte(item, '=')
	if eq <= 0 {
		return nil, fmt.Errorf("invalid filter format: %s", item)
	}

	attribute := item[:eq]
	rawValue := item[eq+1:]
	filterType := FilterTypeEquality

	switch attribute[len(attribute)-1] {
	case '~':
		filterType = FilterTypeApproxMatch
		attribute = attribute[:len(attribute)-1]
	case '>':
		filterType = FilterTypeGreaterOrEqual
		attribute = attribute[:len(attribute)-1]
	case '<':
		filterType = FilterTypeLessOrEqual
		attribute = attribute[:len(attribute)-1]
	case ':':
		return nil, fmt.Errorf("extensible match filters are not supported: %s", item)
	}

	attribute = strings.TrimSpace(attribute)
	if !ValidDescription(attribute) {
		return nil, fmt.Errorf("invalid attribute description in filter: %q", attribute)
	}

	filter := &Filter{Type: filterType, Attribute: attribute}

	if filterType == FilterTypeEquality {
		if rawValue == "*" {
			filter.Type = FilterTypePresent
			return filter, nil
		}
		if strings.Contains(rawValue, "*") {
			return parseSubstrings(filter, rawValue)
		}
	}

	value, err := unescapeValue(rawValue)
	if err != nil {
		return nil, err
	}
	filter.Value = value
	return filter, nil
}

func parseSubstrings(filter *Filter, rawValue string) (*Filter, error) {
	parts := strings.Split(rawValue, "*")
	unescaped := make([]string, len(parts))
	for i, p := range parts {
		v, err := unescapeValue(p)
		if err != nil {
			return nil, err
		}
		unescaped[i] = v
	}

	filter.Type = FilterTypeSubstrings
	filter.Initial = unescaped[0]
	filter.Final = unescaped[len(unescaped)-1]
	for _, p := range unescaped[1 : len(unescaped)-1] {
		if p == "" {
			return nil, fmt.Errorf("empty substring component in %q", rawValue)
		}
		filter.Any = append(filter.Any, p)
	}
	return filter, nil
}

// unescapeValue decodes RFC 4515 \XX escapes
func unescapeValue(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in filter value %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape in filter value %q", s)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// EscapeValue encodes the characters RFC 4515 requires to be escaped
func EscapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '(', ')', '\\', 0:
			fmt.Fprintf(&b, `\%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Matches checks if an entry matches this filter
func (f *Filter) Matches(entry *models.Entry) bool {
	switch f.Type {
	case FilterTypeAnd:
		for _, subFilter := range f.Filters {
			if !subFilter.Matches(entry) {
				return false
			}
		}
		return true

	case FilterTypeOr:
		for _, subFilter := range f.Filters {
			if subFilter.Matches(entry) {
				return true
			}
		}
		return false

	case FilterTypeNot:
		if len(f.Filters) > 0 {
			return !f.Filters[0].Matches(entry)
		}
		return true

	case FilterTypePresent:
		return entry.HasAttribute(f.Attribute)

	case FilterTypeEquality:
		return f.anyValue(entry, func(v string) bool { return strings.EqualFold(v, f.Value) })

	case FilterTypeApproxMatch:
		want := normalizeSpace(f.Value)
		return f.anyValue(entry, func(v string) bool { return strings.EqualFold(normalizeSpace(v), want) })

	case FilterTypeGreaterOrEqual:
		return f.anyValue(entry, func(v string) bool { return compareValues(v, f.Value) >= 0 })

	case FilterTypeLessOrEqual:
		return f.anyValue(entry, func(v string) bool { return compareValues(v, f.Value) <= 0 })

	case FilterTypeSubstrings:
		return f.anyValue(entry, f.matchSubstrings)

	default:
		return false
	}
}

func (f *Filter) anyValue(entry *models.Entry, match func(string) bool) bool {
	for _, v := range entry.Values(f.Attribute) {
		s, ok := v.Text()
		if !ok {
			continue
		}
		if match(s) {
			return true
		}
	}
	return false
}

func (f *Filter) matchSubstrings(value string) bool {
	v := strings.ToLower(value)

	initial := strings.ToLower(f.Initial)
	if !strings.HasPrefix(v, initial) {
		return false
	}
	v = v[len(initial):]

	for _, part := range f.Any {
		idx := strings.Index(v, strings.ToLower(part))
		if idx < 0 {
			return false
		}
		v = v[idx+len(part):]
	}

	return strings.HasSuffix(v, strings.ToLower(f.Final))
}

// compareValues orders integers numerically and everything else
// case-insensitively
func compareValues(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// String returns the RFC 4515 representation of the filter
func (f *Filter) String() string {
	switch f.Type {
	case FilterTypeAnd, FilterTypeOr:
		op := "&"
		if f.Type == FilterTypeOr {
			op = "|"
		}
		parts := []string{"(" + op}
		for _, subFilter := range f.Filters {
			parts = append(parts, subFilter.String())
		}
		parts = append(parts, ")")
		return strings.Join(parts, "")

	case FilterTypeNot:
		if len(f.Filters) > 0 {
			return "(!" + f.Filters[0].String() + ")"
		}
		return "(!)"

	case FilterTypePresent:
		return fmt.Sprintf("(%s=*)", f.Attribute)

	case FilterTypeEquality:
		return fmt.Sprintf("(%s=%s)", f.Attribute, EscapeValue(f.Value))

	case FilterTypeApproxMatch:
		return fmt.Sprintf("(%s~=%s)", f.Attribute, EscapeValue(f.Value))

	case FilterTypeGreaterOrEqual:
		return fmt.Sprintf("(%s>=%s)", f.Attribute, EscapeValue(f.Value))

	case FilterTypeLessOrEqual:
		return fmt.Sprintf("(%s<=%s)", f.Attribute, EscapeValue(f.Value))

	case FilterTypeSubstrings:
		parts := []string{EscapeValue(f.Initial)}
		for _, a := range f.Any {
			parts = append(parts, EscapeValue(a))
		}
		parts = append(parts, EscapeValue(f.Final))
		return fmt.Sprintf("(%s=%s)", f.Attribute, strings.Join(parts, "*"))

	default:
		return ""
	}
}
