package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/smarzola/ldapgate/internal/metrics"
)

// Registry maps connection ids to backend sessions. It is shared by all
// connections; lookups for different ids never contend on a common lock.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	sessions sync.Map // int64 -> Session
	creating singleflight.Group
}

// NewRegistry creates a session registry over a backend
func NewRegistry(b Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: b, logger: logger}
}

// Backend returns the backend the registry dispatches to
func (r *Registry) Backend() Backend {
	return r.backend
}

// GetOrCreate returns the session for connID, creating it on first use.
// Concurrent first uses of the same id create exactly one session.
func (r *Registry) GetOrCreate(ctx context.Context, connID int64) (Session, error) {
	if s, ok := r.sessions.Load(connID); ok {
		return s.(Session), nil
	}

	v, err, _ := r.creating.Do(strconv.FormatInt(connID, 10), func() (any, error) {
		s, err := r.backend.GetSession(ctx, connID)
		if err != nil {
			return nil, &BackendError{Op: "getSession", Err: err}
		}
		if s == nil {
			s, err = r.backend.CreateSession(ctx, connID)
			if err != nil {
				return nil, &BackendError{Op: "createSession", Err: err}
			}
			if s == nil {
				return nil, fmt.Errorf("connection %d: %w", connID, ErrSessionCreationFailed)
			}
			r.logger.Debug("Session created", "conn", connID)
		}

		r.sessions.Store(connID, s)
		metrics.SetSessionsActive(r.count())
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

// Lookup returns the existing session for connID or nil. It never creates.
func (r *Registry) Lookup(ctx context.Context, connID int64) (Session, error) {
	if s, ok := r.sessions.Load(connID); ok {
		return s.(Session), nil
	}

	s, err := r.backend.GetSession(ctx, connID)
	if err != nil {
		return nil, &BackendError{Op: "getSession", Err: err}
	}
	return s, nil
}

// Close discards the session for connID. It is idempotent.
func (r *Registry) Close(ctx context.Context, connID int64) error {
	_, tracked := r.sessions.LoadAndDelete(connID)
	if tracked {
		metrics.SetSessionsActive(r.count())
	}

	if err := r.backend.CloseSession(ctx, connID); err != nil {
		return &BackendError{Op: "closeSession", Err: err}
	}
	if tracked {
		r.logger.Debug("Session closed", "conn", connID)
	}
	return nil
}

// CloseAll closes every tracked session, collecting all failures
func (r *Registry) CloseAll(ctx context.Context) error {
	var result *multierror.Error
	for _, id := range r.Active() {
		if err := r.Close(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("connection %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Active returns the connection ids currently holding a session, sorted
func (r *Registry) Active() []int64 {
	var ids []int64
	r.sessions.Range(func(key, _ any) bool {
		ids = append(ids, key.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
