package schema

import (
	"fmt"
	"strings"
)

// FilterCompiler compiles LDAP filters to SQL WHERE clauses over the
// entries (alias e) and attributes tables
type FilterCompiler struct{}

// NewFilterCompiler creates a new filter compiler
func NewFilterCompiler() *FilterCompiler {
	return &FilterCompiler{}
}

// CompileToSQL converts an LDAP filter to a SQL WHERE clause
// Returns: (whereClause, args, error)
func (fc *FilterCompiler) CompileToSQL(filter *Filter) (string, []interface{}, error) {
	if filter == nil {
		return "", nil, fmt.Errorf("filter is nil")
	}

	switch filter.Type {
	case FilterTypeAnd:
		return fc.compileJunction(filter.Filters, " AND ", "1=1")
	case FilterTypeOr:
		return fc.compileJunction(filter.Filters, " OR ", "1=0")
	case FilterTypeNot:
		return fc.compileNot(filter.Filters)
	case FilterTypeEquality:
		return fc.compileEquality(filter.Attribute, filter.Value)
	case FilterTypePresent:
		return fc.compilePresent(filter.Attribute)
	case FilterTypeSubstrings:
		return fc.compileSubstring(filter)
	case FilterTypeGreaterOrEqual:
		return fc.compileComparison(filter.Attribute, filter.Value, ">=")
	case FilterTypeLessOrEqual:
		return fc.compileComparison(filter.Attribute, filter.Value, "<=")
	default:
		return "", nil, fmt.Errorf("unsupported filter type: %d", filter.Type)
	}
}

// computedAttributes are not stored in the attributes table but derived
// when an entry is loaded. These require in-memory filtering.
var computedAttributes = map[string]bool{
	"memberof":        true, // groups whose member values name the entry
	"hassubordinates": true,
}

// timestampColumns map operational timestamps to entries columns
var timestampColumns = map[string]string{
	"createtimestamp": "e.created_at",
	"modifytimestamp": "e.updated_at",
}

func isComputedAttribute(attr string) bool {
	return computedAttributes[strings.ToLower(attr)]
}

// FilterUsesComputedAttributes checks if a filter references any computed
// attributes, in which case they must be loaded before in-memory matching
func FilterUsesComputedAttributes(filter *Filter) bool {
	if filter == nil {
		return false
	}

	switch filter.Type {
	case FilterTypeAnd, FilterTypeOr, FilterTypeNot:
		for _, sf := range filter.Filters {
			if FilterUsesComputedAttributes(sf) {
				return true
			}
		}
		return false
	default:
		return isComputedAttribute(filter.Attribute)
	}
}

// CanCompileToSQL checks if a filter can be compiled to SQL
func (fc *FilterCompiler) CanCompileToSQL(filter *Filter) bool {
	if filter == nil {
		return false
	}

	switch filter.Type {
	case FilterTypeEquality, FilterTypePresent, FilterTypeSubstrings:
		return !isComputedAttribute(filter.Attribute)
	case FilterTypeGreaterOrEqual, FilterTypeLessOrEqual:
		// Only operational timestamps have an ordering in SQL
		_, ok := timestampColumns[strings.ToLower(filter.Attribute)]
		return ok
	case FilterTypeAnd, FilterTypeOr:
		for _, sf := range filter.Filters {
			if !fc.CanCompileToSQL(sf) {
				return false
			}
		}
		return true
	case FilterTypeNot:
		return len(filter.Filters) == 1 && fc.CanCompileToSQL(filter.Filters[0])
	default:
		// ApproxMatch is matched in memory
		return false
	}
}

// compileEquality compiles an equality filter: (attr=value)
func (fc *FilterCompiler) compileEquality(attr, value string) (string, []interface{}, error) {
	attrLower := strings.ToLower(attr)

	if attrLower == "entrydn" {
		return "e.norm_dn = LOWER(?)", []interface{}{value}, nil
	}
	if column, ok := timestampColumns[attrLower]; ok {
		ts, err := convertLDAPTimestampToSQLite(value)
		if err != nil {
			return "", nil, fmt.Errorf("invalid timestamp format: %w", err)
		}
		return column + " = ?", []interface{}{ts}, nil
	}

	// Binary values compare exactly, text values case-insensitively
	clause := `EXISTS (
		SELECT 1 FROM attributes a
		WHERE a.entry_id = e.id
		  AND LOWER(a.name) = LOWER(?)
		  AND ((a.is_binary = 0 AND LOWER(a.value) = LOWER(?)) OR (a.is_binary = 1 AND a.value = CAST(? AS BLOB)))
	)`
	return clause, []interface{}{attr, value, value}, nil
}

// compilePresent compiles a presence filter: (attr=*)
func (fc *FilterCompiler) compilePresent(attr string) (string, []interface{}, error) {
	attrLower := strings.ToLower(attr)

	// Every entry carries these
	if attrLower == "entrydn" || attrLower == "createtimestamp" || attrLower == "modifytimestamp" {
		return "1=1", nil, nil
	}

	clause := `EXISTS (
		SELECT 1 FROM attributes a
		WHERE a.entry_id = e.id
		  AND LOWER(a.name) = LOWER(?)
	)`
	return clause, []interface{}{attr}, nil
}

// compileSubstring compiles a substring filter: (attr=initial*any*final)
func (fc *FilterCompiler) compileSubstring(filter *Filter) (string, []interface{}, error) {
	if _, ok := timestampColumns[strings.ToLower(filter.Attribute)]; ok {
		return "", nil, fmt.Errorf("substring filter not supported for %s", filter.Attribute)
	}

	parts := []string{escapeLike(filter.Initial)}
	for _, a := range filter.Any {
		parts = append(parts, escapeLike(a))
	}
	parts = append(parts, escapeLike(filter.Final))
	likePattern := strings.Join(parts, "%")

	// LDAP attributes are case-insensitive, so use LOWER() for both sides
	clause := `EXISTS (
		SELECT 1 FROM attributes a
		WHERE a.entry_id = e.id
		  AND a.is_binary = 0
		  AND LOWER(a.name) = LOWER(?)
		  AND LOWER(a.value) LIKE LOWER(?) ESCAPE '\'
	)`

	return clause, []interface{}{filter.Attribute, likePattern}, nil
}

// escapeLike escapes SQL LIKE metacharacters
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// compileJunction compiles AND / OR filters
func (fc *FilterCompiler) compileJunction(subFilters []*Filter, op, empty string) (string, []interface{}, error) {
	if len(subFilters) == 0 {
		return empty, nil, nil
	}

	var clauses []string
	var allArgs []interface{}

	for _, sf := range subFilters {
		clause, args, err := fc.CompileToSQL(sf)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "("+clause+")")
		allArgs = append(allArgs, args...)
	}

	return strings.Join(clauses, op), allArgs, nil
}

// compileNot compiles a NOT filter: (!(filter))
func (fc *FilterCompiler) compileNot(subFilters []*Filter) (string, []interface{}, error) {
	if len(subFilters) != 1 {
		return "", nil, fmt.Errorf("NOT filter must have exactly one sub-filter")
	}

	clause, args, err := fc.CompileToSQL(subFilters[0])
	if err != nil {
		return "", nil, err
	}

	return "NOT (" + clause + ")", args, nil
}

// compileComparison compiles >= and <= filters for operational timestamp
// attributes
func (fc *FilterCompiler) compileComparison(attr, value, op string) (string, []interface{}, error) {
	column, ok := timestampColumns[strings.ToLower(attr)]
	if !ok {
		return "", nil, fmt.Errorf("comparison operators only supported for createTimestamp and modifyTimestamp")
	}

	sqliteTimestamp, err := convertLDAPTimestampToSQLite(value)
	if err != nil {
		return "", nil, fmt.Errorf("invalid timestamp format: %w", err)
	}

	return fmt.Sprintf("%s %s ?", column, op), []interface{}{sqliteTimestamp}, nil
}

// convertLDAPTimestampToSQLite converts LDAP Generalized Time to SQLite datetime
// LDAP format: YYYYMMDDHHMMSSz (e.g., 20130905020304Z)
// SQLite format: YYYY-MM-DD HH:MM:SS (e.g., 2013-09-05 02:03:04)
func convertLDAPTimestampToSQLite(ldapTime string) (string, error) {
	ldapTime = strings.TrimSuffix(ldapTime, "Z")
	ldapTime = strings.TrimSuffix(ldapTime, "z")

	if len(ldapTime) != 14 {
		return "", fmt.Errorf("invalid LDAP timestamp length: expected 14, got %d", len(ldapTime))
	}
	for i := 0; i < len(ldapTime); i++ {
		if !isDigit(ldapTime[i]) {
			return "", fmt.Errorf("invalid LDAP timestamp %q", ldapTime)
		}
	}

	return fmt.Sprintf("%s-%s-%s %s:%s:%s",
		ldapTime[0:4], ldapTime[4:6], ldapTime[6:8],
		ldapTime[8:10], ldapTime[10:12], ldapTime[12:14]), nil
}
