package adapter

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
)

// NormalizeDN parses dn and renders it in its pretty form: RDN spacing
// removed, attribute type case and value escaping preserved. The empty DN
// is valid.
func NormalizeDN(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", backend.ErrInvalidDN, dn, err)
	}

	rdns := make([]string, len(parsed.RDNs))
	for i, rdn := range parsed.RDNs {
		if len(rdn.Attributes) == 0 {
			return "", fmt.Errorf("%w: %q: empty RDN", backend.ErrInvalidDN, dn)
		}
		avas := make([]string, len(rdn.Attributes))
		for j, ava := range rdn.Attributes {
			avas[j] = ava.Type + "=" + escapeDNValue(ava.Value)
		}
		rdns[i] = strings.Join(avas, "+")
	}
	return strings.Join(rdns, ","), nil
}

// escapeDNValue escapes an attribute value per RFC 4514 section 2.4
func escapeDNValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == ',' || c == '+' || c == '"' || c == '\\' || c == '<' || c == '>' || c == ';':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == 0:
			b.WriteString(`\00`)
		case i == 0 && (c == ' ' || c == '#'):
			b.WriteByte('\\')
			b.WriteByte(c)
		case i == len(v)-1 && c == ' ':
			b.WriteString(`\ `)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func translateDN(field, dn string) (string, error) {
	norm, err := NormalizeDN(dn)
	if err != nil {
		return "", &backend.TranslationError{Field: field, Err: err}
	}
	return norm, nil
}

func translateRDN(rdn string) (string, error) {
	parsed, err := ldap.ParseDN(rdn)
	if err == nil && len(parsed.RDNs) != 1 {
		err = fmt.Errorf("%q is not a single RDN", rdn)
	}
	if err != nil {
		return "", &backend.TranslationError{Field: "newrdn", Err: fmt.Errorf("%w: %v", backend.ErrInvalidDN, err)}
	}
	return translateDN("newrdn", rdn)
}

// translateAttributes copies the attributes of an inbound entry, checking
// every attribute description and keeping value order
func (a *Adapter) translateAttributes(entry *models.Entry) ([]models.Attribute, error) {
	attrs := make([]models.Attribute, 0, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		if _, err := a.schema.ResolveOrUndefined(attr.Name); err != nil {
			return nil, &backend.TranslationError{Field: "attribute", Err: err}
		}
		if len(attr.Values) == 0 {
			return nil, &backend.TranslationError{Field: "attribute", Err: fmt.Errorf("attribute %s has no values", attr.Name)}
		}
		attrs = append(attrs, models.Attribute{
			Name:   attr.Name,
			Values: append([]models.Value(nil), attr.Values...),
		})
	}
	return attrs, nil
}

func (a *Adapter) translateModifications(mods models.ModificationRequest) (models.ModificationRequest, error) {
	out := make(models.ModificationRequest, len(mods))
	for i, mod := range mods {
		switch mod.Op {
		case models.ModAdd, models.ModDelete, models.ModReplace:
		default:
			return nil, &backend.TranslationError{Field: "modification", Err: fmt.Errorf("unknown operation %d", int(mod.Op))}
		}
		if _, err := a.schema.ResolveOrUndefined(mod.Attribute); err != nil {
			return nil, &backend.TranslationError{Field: "modification", Err: err}
		}
		out[i] = models.Modification{
			Op:        mod.Op,
			Attribute: mod.Attribute,
			Values:    append([]models.Value(nil), mod.Values...),
		}
	}
	return out, nil
}

// BuildEntry constructs an entry from a backend search result. Unknown
// attribute names resolve to undefined attribute types; values must be
// string or []byte.
func (a *Adapter) BuildEntry(res *backend.SearchResult) (*models.Entry, error) {
	dn, err := translateDN("dn", res.Name)
	if err != nil {
		return nil, err
	}

	entry := models.NewEntry(dn)
	for _, attr := range res.Attributes {
		if _, err := a.schema.ResolveOrUndefined(attr.ID); err != nil {
			return nil, &backend.TranslationError{Field: "attribute", Err: err}
		}

		values := make([]models.Value, 0, len(attr.Values))
		for _, v := range attr.Values {
			switch x := v.(type) {
			case string:
				values = append(values, models.TextValue(x))
			case []byte:
				values = append(values, models.BinaryValue(x))
			default:
				return nil, &backend.TranslationError{
					Field: "value",
					Err:   fmt.Errorf("attribute %s: unsupported value type %T", attr.ID, v),
				}
			}
		}
		entry.AddValues(attr.ID, values...)
	}
	return entry, nil
}
