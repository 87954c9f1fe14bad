package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/smarzola/ldapgate/internal/models"
)

// attributesColumn aggregates the attribute rows of entry e into one JSON
// array. Binary values are hex encoded.
const attributesColumn = `(
			SELECT json_group_array(json_object(
				'name', a.name,
				'ord', a.ordinal,
				'bin', a.is_binary,
				'value', CASE WHEN a.is_binary = 1 THEN hex(a.value) ELSE a.value END
			))
			FROM attributes a
			WHERE a.entry_id = e.id
		)`

// memberOfColumn lists the groups naming entry e as a member
const memberOfColumn = `(
			SELECT json_group_array(g.dn)
			FROM entries g
			JOIN attributes m ON m.entry_id = g.id
			WHERE LOWER(m.name) = 'member' AND m.is_binary = 0 AND LOWER(m.value) = e.norm_dn
		)`

// hasSubordinatesColumn is 1 when entry e has children
const hasSubordinatesColumn = `EXISTS (SELECT 1 FROM entries c WHERE c.parent_dn = e.norm_dn)`

// attrPair represents a single attribute value for JSON decoding
type attrPair struct {
	Name    string `json:"name"`
	Ordinal int    `json:"ord"`
	Binary  int    `json:"bin"`
	Value   string `json:"value"`
}

// decodeAttributesJSON decodes a JSON array of attribute values into entry,
// restoring attribute and value order from the ordinals.
//
// Input format: [{"name":"cn","ord":0,"bin":0,"value":"John Doe"},{"name":"jpegPhoto","ord":1,"bin":1,"value":"FFD8"}]
func decodeAttributesJSON(jsonStr string, entry *models.Entry) error {
	// Handle empty, null, or [null] cases
	if jsonStr == "" || jsonStr == "null" || jsonStr == "[null]" {
		return nil
	}

	var pairs []attrPair
	if err := json.Unmarshal([]byte(jsonStr), &pairs); err != nil {
		return fmt.Errorf("failed to unmarshal attributes JSON: %w", err)
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Ordinal < pairs[j].Ordinal })

	for _, p := range pairs {
		if p.Name == "" {
			continue
		}
		if p.Binary == 1 {
			raw, err := hex.DecodeString(p.Value)
			if err != nil {
				return fmt.Errorf("failed to decode binary value of %s: %w", p.Name, err)
			}
			entry.AddValues(p.Name, models.BinaryValue(raw))
			continue
		}
		entry.AddText(p.Name, p.Value)
	}
	return nil
}

// decodeDNList decodes a JSON array of DNs, dropping nulls
func decodeDNList(jsonStr string) ([]string, error) {
	if jsonStr == "" || jsonStr == "null" {
		return nil, nil
	}
	var raw []*string
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DN list: %w", err)
	}
	dns := make([]string, 0, len(raw))
	for _, dn := range raw {
		if dn != nil {
			dns = append(dns, *dn)
		}
	}
	return dns, nil
}

// parseSQLiteTime reads a created_at/updated_at column value
func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTime, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

type ava struct {
	name  string
	value string
}

// splitRDN returns the attribute value assertions of a single RDN with
// values unescaped
func splitRDN(rdn string) []ava {
	parsed, err := ldap.ParseDN(rdn)
	if err != nil || len(parsed.RDNs) == 0 {
		return nil
	}
	out := make([]ava, 0, len(parsed.RDNs[0].Attributes))
	for _, a := range parsed.RDNs[0].Attributes {
		out = append(out, ava{name: a.Type, value: a.Value})
	}
	return out
}
