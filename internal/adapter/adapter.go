package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/metrics"
	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/internal/schema"
)

// Result is the outcome of one operation. Err is set when the backend
// could not be reached or failed; such results always report
// operationsError to the client.
type Result struct {
	Status backend.StatusCode
	Err    error
}

// Code returns the status code to send to the client
func (r Result) Code() backend.StatusCode {
	if r.Err != nil {
		return backend.OperationsError
	}
	return r.Status
}

// Diagnostic returns the diagnostic message for the client. Only
// translation errors describe the failure; anything raised by the backend
// stays in the log.
func (r Result) Diagnostic() string {
	if r.Err == nil {
		return ""
	}
	var te *backend.TranslationError
	if errors.As(r.Err, &te) {
		return te.Error()
	}
	return "backend error"
}

func fail(err error) Result {
	return Result{Status: backend.OperationsError, Err: err}
}

// Adapter dispatches LDAP operations to backend sessions
type Adapter struct {
	registry  *backend.Registry
	runtime   Runtime
	schema    *schema.Registry
	logger    *slog.Logger
	sizeLimit int
}

// Option configures an Adapter
type Option func(*Adapter)

// WithRuntime sets the execution context acquired around every call
func WithRuntime(rt Runtime) Option {
	return func(a *Adapter) { a.runtime = rt }
}

// WithSchema sets the attribute registry used for entry construction
func WithSchema(s *schema.Registry) Option {
	return func(a *Adapter) { a.schema = s }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithSizeLimit sets the server-side search size limit; 0 is unlimited
func WithSizeLimit(n int) Option {
	return func(a *Adapter) { a.sizeLimit = n }
}

// New creates an adapter over a session registry
func New(registry *backend.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		registry: registry,
		runtime:  NopRuntime{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.schema == nil {
		a.schema = schema.NewRegistry()
	}
	return a
}

// Schema returns the attribute registry
func (a *Adapter) Schema() *schema.Registry {
	return a.schema
}

// Registry returns the session registry
func (a *Adapter) Registry() *backend.Registry {
	return a.registry
}

func (a *Adapter) attach(ctx context.Context) (func(), error) {
	release, err := a.runtime.Attach(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrRuntimeAttach, err)
	}
	return release, nil
}

// guard runs a backend call, turning returned errors and panics into a
// BackendError
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &backend.BackendError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err = fn(); err != nil {
		var be *backend.BackendError
		if !errors.As(err, &be) {
			err = &backend.BackendError{Op: op, Err: err}
		}
	}
	return err
}

// session obtains or creates the connection's session
func (a *Adapter) session(ctx context.Context, connID int64) (backend.Session, error) {
	var sess backend.Session
	err := guard("session", func() (err error) {
		sess, err = a.registry.GetOrCreate(ctx, connID)
		return err
	})
	return sess, err
}

// finish logs, counts and returns the result of an operation
func (a *Adapter) finish(op string, connID int64, started time.Time, res Result) Result {
	if res.Err != nil {
		kind := backend.Kind(res.Err)
		a.logger.Error("Operation failed", "conn", connID, "op", op, "kind", kind, "error", res.Err)
		metrics.BackendError(op, kind)
	} else {
		a.logger.Debug("Operation completed", "conn", connID, "op", op, "status", res.Status.String())
	}
	metrics.ObserveOperation(op, res.Code().String(), started)
	return res
}

// run is the common skeleton of the single-result operations: attach,
// obtain the session, call the backend under guard
func (a *Adapter) run(ctx context.Context, op string, connID int64, translate func() error, call func(backend.Session) (backend.StatusCode, error)) Result {
	started := time.Now()

	release, err := a.attach(ctx)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	defer release()

	if translate != nil {
		if err := translate(); err != nil {
			return a.finish(op, connID, started, fail(err))
		}
	}

	sess, err := a.session(ctx, connID)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}

	var status backend.StatusCode
	err = guard(op, func() error {
		var callErr error
		status, callErr = call(sess)
		return callErr
	})
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	return a.finish(op, connID, started, Result{Status: status})
}

// Bind forwards credentials to the connection's session
func (a *Adapter) Bind(ctx context.Context, connID int64, dn string, credential []byte) Result {
	var normDN string
	return a.run(ctx, "bind", connID,
		func() (err error) {
			normDN, err = translateDN("dn", dn)
			return err
		},
		func(s backend.Session) (backend.StatusCode, error) {
			return s.Bind(ctx, normDN, credential)
		})
}

// Unbind forwards to an existing session and discards it. Without a
// session it succeeds without contacting the backend.
func (a *Adapter) Unbind(ctx context.Context, connID int64) Result {
	const op = "unbind"
	started := time.Now()

	release, err := a.attach(ctx)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	defer release()

	sess, err := a.registry.Lookup(ctx, connID)
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	if sess == nil {
		return a.finish(op, connID, started, Result{Status: backend.Success})
	}

	var status backend.StatusCode
	err = guard(op, func() error {
		var callErr error
		status, callErr = sess.Unbind(ctx)
		return callErr
	})
	if closeErr := a.registry.Close(ctx, connID); closeErr != nil {
		a.logger.Warn("Failed to close session", "conn", connID, "error", closeErr)
	}
	if err != nil {
		return a.finish(op, connID, started, fail(err))
	}
	return a.finish(op, connID, started, Result{Status: status})
}

// Add forwards a new entry. Attribute and value order are preserved.
func (a *Adapter) Add(ctx context.Context, connID int64, entry *models.Entry) Result {
	var (
		normDN string
		attrs  []models.Attribute
	)
	return a.run(ctx, "add", connID,
		func() (err error) {
			if entry == nil {
				return &backend.TranslationError{Field: "entry", Err: errors.New("missing entry")}
			}
			if normDN, err = translateDN("dn", entry.DN); err != nil {
				return err
			}
			attrs, err = a.translateAttributes(entry)
			return err
		},
		func(s backend.Session) (backend.StatusCode, error) {
			return s.Add(ctx, normDN, attrs)
		})
}

// Delete forwards an entry removal
func (a *Adapter) Delete(ctx context.Context, connID int64, dn string) Result {
	var normDN string
	return a.run(ctx, "delete", connID,
		func() (err error) {
			normDN, err = translateDN("dn", dn)
			return err
		},
		func(s backend.Session) (backend.StatusCode, error) {
			return s.Delete(ctx, normDN)
		})
}

// Modify forwards an ordered modification list
func (a *Adapter) Modify(ctx context.Context, connID int64, dn string, mods models.ModificationRequest) Result {
	var (
		normDN     string
		translated models.ModificationRequest
	)
	return a.run(ctx, "modify", connID,
		func() (err error) {
			if normDN, err = translateDN("dn", dn); err != nil {
				return err
			}
			translated, err = a.translateModifications(mods)
			return err
		},
		func(s backend.Session) (backend.StatusCode, error) {
			return s.Modify(ctx, normDN, translated)
		})
}

// ModifyDN forwards a rename. Sessions offering only the flagless rename
// are used when the old RDN is to be deleted; otherwise the request is
// refused.
func (a *Adapter) ModifyDN(ctx context.Context, connID int64, dn, newRDN string, deleteOldRDN bool) Result {
	var normDN, normRDN string
	return a.run(ctx, "modifyDN", connID,
		func() (err error) {
			if normDN, err = translateDN("dn", dn); err != nil {
				return err
			}
			normRDN, err = translateRDN(newRDN)
			return err
		},
		func(s backend.Session) (backend.StatusCode, error) {
			switch r := s.(type) {
			case backend.ModifyDNer:
				return r.ModifyDN(ctx, normDN, normRDN, deleteOldRDN)
			case backend.Renamer:
				if !deleteOldRDN {
					a.logger.Warn("Backend rename cannot keep the old RDN", "conn", connID, "dn", normDN)
					return backend.UnwillingToPerform, nil
				}
				return r.Rename(ctx, normDN, normRDN)
			default:
				return backend.UnwillingToPerform, nil
			}
		})
}

// Compare forwards an attribute value assertion. The backend owns the
// matching semantics.
func (a *Adapter) Compare(ctx context.Context, connID int64, dn, attr string, value models.Value) Result {
	var normDN string
	return a.run(ctx, "compare", connID,
		func() (err error) {
			if normDN, err = translateDN("dn", dn); err != nil {
				return err
			}
			if !schema.ValidDescription(attr) {
				return &backend.TranslationError{Field: "attribute", Err: fmt.Errorf("%w: %q", schema.ErrInvalidDescription, attr)}
			}
			return nil
		},
		func(s backend.Session) (backend.StatusCode, error) {
			return s.Compare(ctx, normDN, attr, value)
		})
}

// Connect notifies an observing backend of an accepted connection
func (a *Adapter) Connect(ctx context.Context, info backend.ConnectInfo) error {
	observer, ok := a.registry.Backend().(backend.ConnectionObserver)
	if !ok {
		return nil
	}

	release, err := a.attach(ctx)
	if err != nil {
		return err
	}
	defer release()

	return guard("connect", func() error { return observer.Connect(ctx, info) })
}

// Disconnect discards the connection's session and notifies an observing
// backend. It is safe to call more than once.
func (a *Adapter) Disconnect(ctx context.Context, connID int64) error {
	release, err := a.attach(ctx)
	if err != nil {
		return err
	}
	defer release()

	var result *multierror.Error
	if err := a.registry.Close(ctx, connID); err != nil {
		result = multierror.Append(result, err)
	}
	if observer, ok := a.registry.Backend().(backend.ConnectionObserver); ok {
		if err := guard("disconnect", func() error { return observer.Disconnect(ctx, connID) }); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
