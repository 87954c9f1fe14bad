package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/internal/schema"
)

// Query describes one search against the store
type Query struct {
	BaseDN    string
	Scope     models.Scope
	Filter    string
	TimeLimit time.Duration
}

// Search starts a search and returns a cursor over the matching entries.
// The base entry must exist unless it is the root. Filters the SQL
// compiler cannot express are matched in memory.
func (s *SQLiteStore) Search(ctx context.Context, q Query) (*Cursor, error) {
	filter, err := schema.ParseFilter(q.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	s.canonicalizeFilter(filter)

	base := normalize(q.BaseDN)
	if base != "" {
		found, err := exists(ctx, s.db, `SELECT 1 FROM entries WHERE norm_dn = ?`, base)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchEntry, q.BaseDN)
		}
	}

	scopeClause, scopeArgs := scopeSQL(base, q.Scope)

	useInMemoryFilter := !s.compiler.CanCompileToSQL(filter) || schema.FilterUsesComputedAttributes(filter)
	filterClause, filterArgs := "1=1", []any(nil)
	if !useInMemoryFilter {
		clause, args, err := s.compiler.CompileToSQL(filter)
		if err != nil {
			s.logger.Debug("Filter compilation failed, matching in memory", "filter", q.Filter, "error", err)
			useInMemoryFilter = true
		} else {
			filterClause, filterArgs = clause, args
		}
	}

	query := `
		SELECT
			e.dn,
			e.created_at,
			e.updated_at,
			` + attributesColumn + ` AS attributes_json,
			` + memberOfColumn + ` AS member_of_json,
			` + hasSubordinatesColumn + ` AS has_subordinates
		FROM entries e
		WHERE (` + scopeClause + `) AND (` + filterClause + `)
		ORDER BY e.id
	`

	args := append(scopeArgs, filterArgs...)

	var cancel context.CancelFunc
	if q.TimeLimit > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.TimeLimit)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}

	c := &Cursor{ctx: ctx, cancel: cancel, rows: rows}
	if useInMemoryFilter {
		c.match = filter.Matches
	}
	return c, nil
}

// scopeSQL restricts entries e to the search scope below base
func scopeSQL(base string, scope models.Scope) (string, []any) {
	switch scope {
	case models.ScopeBase:
		return "e.norm_dn = ?", []any{base}
	case models.ScopeOneLevel:
		return "e.parent_dn = ?", []any{base}
	default:
		if base == "" {
			return "1=1", nil
		}
		return `e.norm_dn = ? OR e.norm_dn LIKE ? ESCAPE '\'`, []any{base, "%," + escapeLike(base)}
	}
}

// canonicalizeFilter rewrites attribute aliases to their primary names so
// that they match the stored names
func (s *SQLiteStore) canonicalizeFilter(f *schema.Filter) {
	if f == nil {
		return
	}
	if f.Attribute != "" {
		f.Attribute = s.canonicalName(f.Attribute)
	}
	for _, sub := range f.Filters {
		s.canonicalizeFilter(sub)
	}
}

// Cursor streams search results row by row. It must be closed.
type Cursor struct {
	ctx    context.Context
	cancel context.CancelFunc
	rows   *sql.Rows
	match  func(*models.Entry) bool

	next     *models.Entry
	err      error
	done     bool
	timedOut bool
}

// Next advances to the next matching entry. It returns false at the end of
// the results, on error, or when the time limit expires.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	for c.rows.Next() {
		entry, err := scanEntry(c.rows)
		if err != nil {
			c.fail(err)
			return false
		}
		if c.match != nil && !c.match(entry) {
			continue
		}
		c.next = entry
		return true
	}

	if err := c.rows.Err(); err != nil {
		if c.ctx.Err() == context.DeadlineExceeded {
			c.timedOut = true
		} else {
			c.err = fmt.Errorf("failed to read search results: %w", err)
		}
	} else if c.ctx.Err() == context.DeadlineExceeded {
		c.timedOut = true
	}
	c.Close()
	return false
}

// Entry returns the entry Next advanced to
func (c *Cursor) Entry() *models.Entry {
	return c.next
}

// Err returns the error that stopped the cursor, if any
func (c *Cursor) Err() error {
	return c.err
}

// TimedOut reports whether the time limit ended the search
func (c *Cursor) TimedOut() bool {
	return c.timedOut
}

// Close releases the rows. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	err := c.rows.Close()
	c.cancel()
	return err
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.Close()
}

// scanEntry builds an entry with its operational attributes from a search row
func scanEntry(rows *sql.Rows) (*models.Entry, error) {
	var (
		dn, createdAt, updatedAt string
		attrsJSON, memberOfJSON  string
		hasSubordinates          bool
	)
	if err := rows.Scan(&dn, &createdAt, &updatedAt, &attrsJSON, &memberOfJSON, &hasSubordinates); err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry := models.NewEntry(dn)
	if err := decodeAttributesJSON(attrsJSON, entry); err != nil {
		return nil, fmt.Errorf("failed to decode attributes for %s: %w", dn, err)
	}

	groups, err := decodeDNList(memberOfJSON)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		entry.AddText("memberOf", groups...)
	}

	created, err := parseSQLiteTime(createdAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseSQLiteTime(updatedAt)
	if err != nil {
		return nil, err
	}
	entry.AddText("createTimestamp", models.FormatLDAPTimestamp(created))
	entry.AddText("modifyTimestamp", models.FormatLDAPTimestamp(updated))
	entry.AddText("entryDN", dn)
	entry.AddText("hasSubordinates", strings.ToUpper(fmt.Sprint(hasSubordinates)))
	entry.AddText("subschemaSubentry", schema.SubschemaDN)
	return entry, nil
}
