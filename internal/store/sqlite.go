package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/internal/schema"
	"github.com/smarzola/ldapgate/pkg/config"
	"github.com/smarzola/ldapgate/pkg/crypto"
)

var (
	// ErrNoSuchEntry is returned when the target entry does not exist
	ErrNoSuchEntry = errors.New("no such entry")
	// ErrEntryExists is returned when adding or renaming onto an existing DN
	ErrEntryExists = errors.New("entry already exists")
	// ErrNoParent is returned when the parent of a new entry does not exist
	ErrNoParent = errors.New("parent entry does not exist")
	// ErrNotLeaf is returned when deleting an entry that has children
	ErrNotLeaf = errors.New("entry has subordinates")
	// ErrInvalidFilter is returned for search filters that do not parse
	ErrInvalidFilter = errors.New("invalid search filter")
)

// sqliteTime is the layout of the created_at/updated_at columns
const sqliteTime = "2006-01-02 15:04:05"

// SQLiteStore keeps LDAP entries in SQLite: one row per entry and one row
// per attribute value, with value order kept in the ordinal column
type SQLiteStore struct {
	db       *sql.DB
	cfg      *config.Config
	path     string
	hasher   *crypto.PasswordHasher
	schema   *schema.Registry
	compiler *schema.FilterCompiler
	logger   *slog.Logger
	now      func() time.Time
}

// NewSQLiteStore creates a new SQLite store. The database path comes from
// the backend "path" property, falling back to LDAP_DATABASE_PATH.
func NewSQLiteStore(cfg *config.Config, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Database.Path
	if p, ok := cfg.Backend.Property("path"); ok {
		path = cfg.Backend.Resolve(p)
	}
	return &SQLiteStore{
		cfg:      cfg,
		path:     path,
		hasher:   crypto.NewPasswordHasher(cfg.Security.Argon2Config),
		schema:   schema.NewRegistry(),
		compiler: schema.NewFilterCompiler(),
		logger:   logger,
		now:      time.Now,
	}
}

// Initialize sets up the database and runs migrations
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	// Create data directory if it doesn't exist
	dataDir := filepath.Dir(s.path)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	isNew := !fileExists(s.path)

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(s.cfg.Database.ConnMaxLifetime) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("Database connection established", "path", s.path)

	// Run migrations from embedded filesystem
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", srcDriver, "sqlite://"+s.path)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Info("Database migrations completed")

	if isNew {
		if err := s.seed(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	return nil
}

// seed creates the base DN, the default OUs and the admin user
func (s *SQLiteStore) seed(ctx context.Context) error {
	adminPassword := s.cfg.Security.AdminPassword
	if adminPassword == "" {
		return fmt.Errorf("LDAP_ADMIN_PASSWORD environment variable is required for first run")
	}

	baseDN := s.cfg.LDAP.BaseDN
	base := models.NewEntry(baseDN)
	base.AddText("objectClass", "top", "domain")
	for _, component := range config.ParseBaseDNComponents(baseDN) {
		if dc, ok := strings.CutPrefix(strings.ToLower(component), "dc="); ok {
			base.AddText("dc", dc)
			break
		}
	}
	if err := s.createEntry(ctx, base, false); err != nil {
		return fmt.Errorf("failed to create base DN: %w", err)
	}
	s.logger.Info("Created base DN", "dn", baseDN)

	for _, ou := range []struct{ name, desc string }{
		{"users", "Users organizational unit"},
		{"groups", "Groups organizational unit"},
	} {
		entry := models.NewEntry("ou=" + ou.name + "," + baseDN)
		entry.AddText("objectClass", "top", "organizationalUnit")
		entry.AddText("ou", ou.name)
		entry.AddText("description", ou.desc)
		if err := s.createEntry(ctx, entry, true); err != nil {
			return fmt.Errorf("failed to create OU %s: %w", ou.name, err)
		}
		s.logger.Info("Created OU", "dn", entry.DN)
	}

	hashed, err := s.hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	admin := models.NewEntry(s.AdminDN())
	admin.AddText("objectClass", "top", "person", "organizationalPerson", "inetOrgPerson")
	admin.AddText("uid", "admin")
	admin.AddText("cn", "Administrator")
	admin.AddText("sn", "Administrator")
	admin.AddText("userPassword", hashed)
	if err := s.createEntry(ctx, admin, true); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	s.logger.Info("Created admin user", "dn", admin.DN)
	s.logger.Warn("Admin user initialized - password was set from LDAP_ADMIN_PASSWORD environment variable")
	return nil
}

// AdminDN is the DN of the seeded administrator
func (s *SQLiteStore) AdminDN() string {
	return "uid=admin,ou=users," + s.cfg.LDAP.BaseDN
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx used by the helpers
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetEntry returns the stored attributes of an entry, or nil when absent.
// Operational attributes are not included.
func (s *SQLiteStore) GetEntry(ctx context.Context, dn string) (*models.Entry, error) {
	return s.getEntry(ctx, s.db, dn)
}

func (s *SQLiteStore) getEntry(ctx context.Context, q querier, dn string) (*models.Entry, error) {
	query := `
		SELECT e.dn, ` + attributesColumn + `
		FROM entries e
		WHERE e.norm_dn = ?
	`

	var entryDN, attrsJSON string
	err := q.QueryRowContext(ctx, query, normalize(dn)).Scan(&entryDN, &attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	entry := models.NewEntry(entryDN)
	if err := decodeAttributesJSON(attrsJSON, entry); err != nil {
		return nil, fmt.Errorf("failed to decode attributes for %s: %w", entryDN, err)
	}
	return entry, nil
}

// EntryExists reports whether dn is stored
func (s *SQLiteStore) EntryExists(ctx context.Context, dn string) (bool, error) {
	return exists(ctx, s.db, `SELECT 1 FROM entries WHERE norm_dn = ?`, normalize(dn))
}

// HasChildren reports whether dn has subordinate entries
func (s *SQLiteStore) HasChildren(ctx context.Context, dn string) (bool, error) {
	return exists(ctx, s.db, `SELECT 1 FROM entries WHERE parent_dn = ? LIMIT 1`, normalize(dn))
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query entries: %w", err)
	}
	return true, nil
}

// CreateEntry stores a new entry. The parent must exist unless the entry
// is a suffix (its parent is empty).
func (s *SQLiteStore) CreateEntry(ctx context.Context, entry *models.Entry) error {
	return s.createEntry(ctx, entry, entry.ParentDN() != "")
}

func (s *SQLiteStore) createEntry(ctx context.Context, entry *models.Entry, needParent bool) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if found, err := exists(ctx, tx, `SELECT 1 FROM entries WHERE norm_dn = ?`, normalize(entry.DN)); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrEntryExists, entry.DN)
	}
	if needParent {
		parent := entry.ParentDN()
		if found, err := exists(ctx, tx, `SELECT 1 FROM entries WHERE norm_dn = ?`, normalize(parent)); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: %s", ErrNoParent, parent)
		}
	}

	now := s.now().UTC().Format(sqliteTime)
	result, err := tx.ExecContext(ctx,
		`INSERT INTO entries (dn, norm_dn, parent_dn, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		entry.DN, normalize(entry.DN), normalize(entry.ParentDN()), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}

	entryID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get entry ID: %w", err)
	}

	if err := s.insertAttributes(ctx, tx, entryID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) insertAttributes(ctx context.Context, tx *sql.Tx, entryID int64, entry *models.Entry) error {
	ordinal := 0
	for _, attr := range entry.Attributes {
		name := s.canonicalName(attr.Name)
		for _, v := range attr.Values {
			var value any
			if text, ok := v.Text(); ok && !v.IsBinary() {
				value = text
			} else {
				value = v.Bytes()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO attributes (entry_id, name, ordinal, value, is_binary) VALUES (?, ?, ?, ?, ?)`,
				entryID, name, ordinal, value, v.IsBinary(),
			); err != nil {
				return fmt.Errorf("failed to insert attribute: %w", err)
			}
			ordinal++
		}
	}
	return nil
}

// UpdateEntry replaces the stored attributes of an existing entry
func (s *SQLiteStore) UpdateEntry(ctx context.Context, entry *models.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var entryID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM entries WHERE norm_dn = ?`, normalize(entry.DN)).Scan(&entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, entry.DN)
	}
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE entries SET updated_at = ? WHERE id = ?`,
		s.now().UTC().Format(sqliteTime), entryID); err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete attributes: %w", err)
	}
	if err := s.insertAttributes(ctx, tx, entryID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntry removes a leaf entry
func (s *SQLiteStore) DeleteEntry(ctx context.Context, dn string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	norm := normalize(dn)
	var entryID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM entries WHERE norm_dn = ?`, norm).Scan(&entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, dn)
	}
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	if found, err := exists(ctx, tx, `SELECT 1 FROM entries WHERE parent_dn = ? LIMIT 1`, norm); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrNotLeaf, dn)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete attributes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return tx.Commit()
}

// RenameEntry gives an entry a new RDN under the same parent. The new RDN
// values are added to the entry; the old ones are removed when deleteOldRDN
// is set. Subordinate DNs are rewritten.
func (s *SQLiteStore) RenameEntry(ctx context.Context, dn, newRDN string, deleteOldRDN bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.getEntry(ctx, tx, dn)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, dn)
	}

	newDN := newRDN
	if parent := entry.ParentDN(); parent != "" {
		newDN = newRDN + "," + parent
	}
	oldNorm, newNorm := normalize(entry.DN), normalize(newDN)
	if oldNorm != newNorm {
		if found, err := exists(ctx, tx, `SELECT 1 FROM entries WHERE norm_dn = ?`, newNorm); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrEntryExists, newDN)
		}
	}

	if deleteOldRDN {
		for _, ava := range splitRDN(entry.RDN()) {
			if err := entry.RemoveValues(ava.name, models.TextValue(ava.value)); err != nil && !errors.Is(err, models.ErrNoSuchAttribute) {
				return err
			}
		}
	}
	for _, ava := range splitRDN(newRDN) {
		if a := entry.Get(ava.name); a == nil || !a.Contains(models.TextValue(ava.value)) {
			entry.AddText(ava.name, ava.value)
		}
	}

	now := s.now().UTC().Format(sqliteTime)
	var entryID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM entries WHERE norm_dn = ?`, oldNorm).Scan(&entryID); err != nil {
		return fmt.Errorf("failed to rename entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET dn = ?, norm_dn = ?, updated_at = ? WHERE id = ?`,
		newDN, newNorm, now, entryID,
	); err != nil {
		return fmt.Errorf("failed to rename entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete attributes: %w", err)
	}
	entry.DN = newDN
	if err := s.insertAttributes(ctx, tx, entryID, entry); err != nil {
		return err
	}

	if err := renameSubordinates(ctx, tx, entry.DN, oldNorm, newNorm); err != nil {
		return err
	}
	return tx.Commit()
}

// renameSubordinates rewrites the DN suffix of every entry below the
// renamed one
func renameSubordinates(ctx context.Context, tx *sql.Tx, newDN, oldNorm, newNorm string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, dn FROM entries WHERE norm_dn LIKE ? ESCAPE '\'`,
		"%,"+escapeLike(oldNorm),
	)
	if err != nil {
		return fmt.Errorf("failed to list subordinates: %w", err)
	}

	type child struct {
		id int64
		dn string
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.dn); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan subordinate: %w", err)
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list subordinates: %w", err)
	}

	for _, c := range children {
		// keep the child's own RDN chain, replace the renamed suffix
		prefix := c.dn[:len(c.dn)-len(oldNorm)]
		dn := prefix + newDN
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET dn = ?, norm_dn = ?, parent_dn = ? WHERE id = ?`,
			dn, normalize(dn), normalize(models.ParentDN(dn)), c.id,
		); err != nil {
			return fmt.Errorf("failed to rename subordinate %s: %w", c.dn, err)
		}
	}
	return nil
}

// canonicalName maps a known attribute name or alias to its primary name,
// keeping options. Unknown names are kept as supplied.
func (s *SQLiteStore) canonicalName(name string) string {
	if d, err := s.schema.Resolve(name); err == nil {
		return d.String()
	}
	return name
}

// normalize lower-cases a DN for lookups. DNs reach the store already in
// their parsed form.
func normalize(dn string) string {
	return strings.ToLower(dn)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
