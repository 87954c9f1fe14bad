package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/pkg/config"
)

// Class is the backend class name of the SQLite backend
const Class = "sqlite"

// Backend serves a SQLiteStore through per-connection sessions
type Backend struct {
	store    *SQLiteStore
	logger   *slog.Logger
	sessions sync.Map // int64 -> *Session
}

// Open is the backend factory for the "sqlite" class
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	st := NewSQLiteStore(cfg, logger)
	if err := st.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return NewBackend(st, logger), nil
}

// NewBackend wraps an initialized store
func NewBackend(st *SQLiteStore, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{store: st, logger: logger}
}

// Store returns the underlying store
func (b *Backend) Store() *SQLiteStore {
	return b.store
}

func (b *Backend) CreateSession(_ context.Context, connID int64) (backend.Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	s := &Session{
		id:     id,
		connID: connID,
		store:  b.store,
		logger: b.logger.With("session", id.String(), "conn", connID),
	}
	b.sessions.Store(connID, s)
	s.logger.Debug("Session opened")
	return s, nil
}

func (b *Backend) GetSession(_ context.Context, connID int64) (backend.Session, error) {
	if s, ok := b.sessions.Load(connID); ok {
		return s.(*Session), nil
	}
	return nil, nil
}

func (b *Backend) CloseSession(_ context.Context, connID int64) error {
	if s, ok := b.sessions.LoadAndDelete(connID); ok {
		s.(*Session).close()
	}
	return nil
}

// Close closes every open search and the database
func (b *Backend) Close() error {
	b.sessions.Range(func(key, value any) bool {
		value.(*Session).close()
		b.sessions.Delete(key)
		return true
	})
	return b.store.Close()
}

// Authenticate verifies a simple bind outside an LDAP session
func (b *Backend) Authenticate(ctx context.Context, dn, password string) (bool, error) {
	if dn == "" || password == "" {
		return false, nil
	}
	return b.store.VerifyPassword(ctx, dn, password)
}
