package server

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lor00x/goldap/message"

	"github.com/smarzola/ldapgate/internal/schema"
)

// serializeFilter converts a goldap Filter back to its RFC 4515 string form
func serializeFilter(f message.Filter) (string, error) {
	if f == nil {
		return "(objectClass=*)", nil
	}

	switch filter := f.(type) {
	case message.FilterEqualityMatch:
		return item(string(filter.AttributeDesc()), "=", string(filter.AssertionValue())), nil

	case message.FilterGreaterOrEqual:
		return item(string(filter.AttributeDesc()), ">=", string(filter.AssertionValue())), nil

	case message.FilterLessOrEqual:
		return item(string(filter.AttributeDesc()), "<=", string(filter.AssertionValue())), nil

	case message.FilterApproxMatch:
		return item(string(filter.AttributeDesc()), "~=", string(filter.AssertionValue())), nil

	case message.FilterPresent:
		return fmt.Sprintf("(%s=*)", string(filter)), nil

	case message.FilterAnd:
		return junction("&", filter)

	case message.FilterOr:
		return junction("|", filter)

	case message.FilterNot:
		inner, err := serializeFilter(filter.Filter)
		if err != nil {
			return "", err
		}
		return "(!" + inner + ")", nil

	case message.FilterSubstrings:
		var initial, final string
		var middle []string
		for _, sub := range filter.Substrings() {
			switch s := sub.(type) {
			case message.SubstringInitial:
				initial = escapeAssertion(string(s))
			case message.SubstringAny:
				middle = append(middle, escapeAssertion(string(s)))
			case message.SubstringFinal:
				final = escapeAssertion(string(s))
			}
		}

		var sb strings.Builder
		sb.WriteString("(")
		sb.WriteString(string(filter.Type_()))
		sb.WriteString("=")
		sb.WriteString(initial)
		sb.WriteString("*")
		for _, a := range middle {
			sb.WriteString(a)
			sb.WriteString("*")
		}
		sb.WriteString(final)
		sb.WriteString(")")
		return sb.String(), nil

	default:
		return "", fmt.Errorf("unsupported filter type %T", f)
	}
}

func item(attr, op, value string) string {
	return "(" + attr + op + escapeAssertion(value) + ")"
}

func junction(op string, filters []message.Filter) (string, error) {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(op)
	for _, sub := range filters {
		s, err := serializeFilter(sub)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	sb.WriteString(")")
	return sb.String(), nil
}

// escapeAssertion escapes an assertion value. Values that are not valid
// UTF-8 are escaped byte by byte.
func escapeAssertion(v string) string {
	if utf8.ValidString(v) {
		return schema.EscapeValue(v)
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		fmt.Fprintf(&sb, `\%02x`, v[i])
	}
	return sb.String()
}
