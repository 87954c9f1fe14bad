package backend

import (
	"context"

	"github.com/smarzola/ldapgate/internal/models"
)

// Backend owns directory data and per-connection sessions. Implementations
// must tolerate concurrent calls for different connection ids.
type Backend interface {
	// CreateSession creates the session for a connection. Returning a nil
	// session without an error is treated as a failure by callers.
	CreateSession(ctx context.Context, connID int64) (Session, error)
	// GetSession returns the existing session or nil
	GetSession(ctx context.Context, connID int64) (Session, error)
	// CloseSession discards the session. Closing an absent session is not an error.
	CloseSession(ctx context.Context, connID int64) error
	// Close releases backend resources at shutdown
	Close() error
}

// Session is backend state bound to one client connection. Calls on a
// session are never concurrent.
type Session interface {
	Bind(ctx context.Context, dn string, credential []byte) (StatusCode, error)
	Unbind(ctx context.Context) (StatusCode, error)
	Add(ctx context.Context, dn string, attrs []models.Attribute) (StatusCode, error)
	Delete(ctx context.Context, dn string) (StatusCode, error)
	Modify(ctx context.Context, dn string, mods models.ModificationRequest) (StatusCode, error)
	Compare(ctx context.Context, dn, attr string, value models.Value) (StatusCode, error)
	Search(ctx context.Context, baseDN, filter string, controls SearchControls) (ResultStream, error)
}

// ModifyDNer is the rename contract. deleteOldRDN is mandatory.
type ModifyDNer interface {
	ModifyDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool) (StatusCode, error)
}

// Renamer is the older rename shape without the delete-old-RDN flag. It
// always removes the old RDN value.
type Renamer interface {
	Rename(ctx context.Context, dn, newRDN string) (StatusCode, error)
}

// ConnectInfo describes an accepted client connection
type ConnectInfo struct {
	ConnID     int64
	ClientAddr string
	ServerAddr string
}

// ConnectionObserver is implemented by backends that want to see the
// connection lifecycle, not only sessions
type ConnectionObserver interface {
	Connect(ctx context.Context, info ConnectInfo) error
	Disconnect(ctx context.Context, connID int64) error
}

// Authenticator is implemented by backends that can verify credentials
// outside an LDAP session (admin HTTP surface)
type Authenticator interface {
	Authenticate(ctx context.Context, dn, password string) (bool, error)
}

// SearchControls are the backend-native search parameters built from a
// search request
type SearchControls struct {
	Scope      models.Scope
	SizeLimit  int // 0 means unlimited
	TimeLimit  int // seconds, forwarded only
	Attributes []string
	TypesOnly  bool
}

// ResultStream is a forward-only, non-restartable sequence of search
// results. It must be drained or abandoned.
type ResultStream interface {
	HasNext(ctx context.Context) (bool, error)
	Next(ctx context.Context) (*SearchResult, error)
	// ReturnCode is the final status of the search
	ReturnCode() StatusCode
	// Abandon releases backend resources held by an undrained stream
	Abandon() error
}

// SearchResult is one entry as produced by a backend. Values are string or
// []byte; anything else fails translation.
type SearchResult struct {
	Name       string
	Attributes []ResultAttribute
}

// ResultAttribute is one attribute of a SearchResult
type ResultAttribute struct {
	ID     string
	Values []any
}
