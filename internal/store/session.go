package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
)

// Session is the state of one client connection: its bind identity and
// the searches it has in flight
type Session struct {
	id     uuid.UUID
	connID int64
	store  *SQLiteStore
	logger *slog.Logger

	mu      sync.Mutex
	boundDN string
	bound   bool
	streams map[*stream]struct{}
}

// ID returns the session's unique id
func (s *Session) ID() uuid.UUID {
	return s.id
}

// BoundDN returns the DN of the last successful bind, empty when anonymous
func (s *Session) BoundDN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundDN
}

func (s *Session) setBound(dn string, bound bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundDN, s.bound = dn, bound
}

func (s *Session) isBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Session) Bind(ctx context.Context, dn string, credential []byte) (backend.StatusCode, error) {
	if len(credential) == 0 {
		s.setBound("", false)
		if !s.store.cfg.Security.AllowAnonymousBind {
			s.logger.Info("Anonymous bind rejected - not allowed by configuration")
			return backend.InvalidCredentials, nil
		}
		s.logger.Debug("Anonymous bind allowed")
		return backend.Success, nil
	}

	ok, err := s.store.VerifyPassword(ctx, dn, string(credential))
	if err != nil {
		return 0, err
	}
	if !ok {
		s.setBound("", false)
		s.logger.Debug("Password verification failed", "dn", dn)
		return backend.InvalidCredentials, nil
	}

	s.setBound(dn, true)
	s.logger.Debug("Bind successful", "dn", dn)
	return backend.Success, nil
}

func (s *Session) Unbind(context.Context) (backend.StatusCode, error) {
	s.setBound("", false)
	s.close()
	return backend.Success, nil
}

// requireBind gates writes behind an authenticated bind
func (s *Session) requireBind(op string) backend.StatusCode {
	if !s.isBound() {
		s.logger.Debug("Unauthenticated write refused", "op", op)
		return backend.InsufficientAccessRights
	}
	return backend.Success
}

func (s *Session) Add(ctx context.Context, dn string, attrs []models.Attribute) (backend.StatusCode, error) {
	if code := s.requireBind("add"); code != backend.Success {
		return code, nil
	}

	entry := models.NewEntry(dn)
	for _, attr := range attrs {
		if s.store.schema.IsOperational(attr.Name) {
			s.logger.Debug("Attempt to add operational attribute", "dn", dn, "attribute", attr.Name)
			return backend.UnwillingToPerform, nil
		}
		values := attr.Values
		if isPasswordAttribute(attr.Name) {
			hashed, err := s.store.hashPasswords(values)
			if err != nil {
				s.logger.Debug("Invalid password format", "dn", dn, "error", err)
				return backend.ConstraintViolation, nil
			}
			values = hashed
		}
		entry.AddValues(s.store.canonicalName(attr.Name), values...)
	}

	// The RDN values must be present in the entry
	for _, ava := range splitRDN(entry.RDN()) {
		name := s.store.canonicalName(ava.name)
		if a := entry.Get(name); a == nil || !containsFold(a, ava.value) {
			entry.AddText(name, ava.value)
		}
	}

	if !entry.HasAttribute("objectClass") {
		return backend.ObjectClassViolation, nil
	}

	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return statusFor(err)
	}
	s.logger.Info("Entry added", "dn", dn)
	return backend.Success, nil
}

func (s *Session) Delete(ctx context.Context, dn string) (backend.StatusCode, error) {
	if code := s.requireBind("delete"); code != backend.Success {
		return code, nil
	}
	if err := s.store.DeleteEntry(ctx, dn); err != nil {
		return statusFor(err)
	}
	s.logger.Info("Entry deleted", "dn", dn)
	return backend.Success, nil
}

func (s *Session) Modify(ctx context.Context, dn string, mods models.ModificationRequest) (backend.StatusCode, error) {
	if code := s.requireBind("modify"); code != backend.Success {
		return code, nil
	}

	entry, err := s.store.GetEntry(ctx, dn)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return backend.NoSuchObject, nil
	}

	prepared := make(models.ModificationRequest, 0, len(mods))
	for _, mod := range mods {
		if s.store.schema.IsOperational(mod.Attribute) {
			s.logger.Debug("Attempt to modify protected attribute", "dn", dn, "attribute", mod.Attribute)
			return backend.UnwillingToPerform, nil
		}
		mod.Attribute = s.store.canonicalName(mod.Attribute)
		if isPasswordAttribute(mod.Attribute) && mod.Op != models.ModDelete && len(mod.Values) > 0 {
			hashed, err := s.store.hashPasswords(mod.Values)
			if err != nil {
				s.logger.Debug("Invalid password format", "dn", dn, "error", err)
				return backend.ConstraintViolation, nil
			}
			mod.Values = hashed
		}
		prepared = append(prepared, mod)
	}

	if err := entry.Apply(prepared); err != nil {
		switch {
		case errors.Is(err, models.ErrNoSuchAttribute):
			return backend.NoSuchAttribute, nil
		case errors.Is(err, models.ErrValueExists):
			return backend.AttributeOrValueExists, nil
		default:
			s.logger.Debug("Modification rejected", "dn", dn, "error", err)
			return backend.ConstraintViolation, nil
		}
	}

	for _, ava := range splitRDN(entry.RDN()) {
		if a := entry.Get(s.store.canonicalName(ava.name)); a == nil || !containsFold(a, ava.value) {
			return backend.NotAllowedOnRDN, nil
		}
	}
	if !entry.HasAttribute("objectClass") {
		return backend.ObjectClassViolation, nil
	}

	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return statusFor(err)
	}
	s.logger.Info("Entry modified", "dn", dn)
	return backend.Success, nil
}

func (s *Session) ModifyDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool) (backend.StatusCode, error) {
	if code := s.requireBind("modifyDN"); code != backend.Success {
		return code, nil
	}
	if err := s.store.RenameEntry(ctx, dn, newRDN, deleteOldRDN); err != nil {
		return statusFor(err)
	}
	s.logger.Info("Entry renamed", "dn", dn, "new_rdn", newRDN)
	return backend.Success, nil
}

// Compare matches text values case-insensitively and binary values
// exactly. userPassword assertions are verified against the stored hashes
// and need a bind even when anonymous reads are allowed.
func (s *Session) Compare(ctx context.Context, dn, attr string, value models.Value) (backend.StatusCode, error) {
	if !s.isBound() && !s.store.cfg.Security.AllowAnonymousBind {
		return backend.InsufficientAccessRights, nil
	}
	if isPasswordAttribute(attr) {
		if !s.isBound() {
			s.logger.Debug("Unauthenticated password compare refused", "dn", dn)
			return backend.InsufficientAccessRights, nil
		}
		text, _ := value.Text()
		entry, err := s.store.GetEntry(ctx, dn)
		if err != nil {
			return 0, err
		}
		if entry == nil {
			return backend.NoSuchObject, nil
		}
		if !entry.HasAttribute("userPassword") {
			return backend.NoSuchAttribute, nil
		}
		ok, err := s.store.VerifyPassword(ctx, dn, text)
		if err != nil {
			return 0, err
		}
		if ok {
			return backend.CompareTrue, nil
		}
		return backend.CompareFalse, nil
	}

	entry, err := s.store.GetEntry(ctx, dn)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return backend.NoSuchObject, nil
	}

	a := entry.Get(s.store.canonicalName(attr))
	if a == nil {
		return backend.NoSuchAttribute, nil
	}
	for _, v := range a.Values {
		if valuesMatch(v, value) {
			return backend.CompareTrue, nil
		}
	}
	return backend.CompareFalse, nil
}

func (s *Session) Search(ctx context.Context, baseDN, filter string, controls backend.SearchControls) (backend.ResultStream, error) {
	if !s.isBound() && !s.store.cfg.Security.AllowAnonymousBind {
		return &stream{code: backend.InsufficientAccessRights}, nil
	}

	cursor, err := s.store.Search(ctx, Query{
		BaseDN:    baseDN,
		Scope:     controls.Scope,
		Filter:    filter,
		TimeLimit: time.Duration(controls.TimeLimit) * time.Second,
	})
	if err != nil {
		code, err := statusFor(err)
		if err != nil {
			return nil, err
		}
		return &stream{code: code}, nil
	}

	st := &stream{cursor: cursor, code: backend.Success, session: s}
	s.mu.Lock()
	if s.streams == nil {
		s.streams = make(map[*stream]struct{})
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	return st, nil
}

// close abandons every search still open on the session
func (s *Session) close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	for st := range streams {
		st.Abandon()
	}
}

func (s *Session) forget(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, st)
}

// stream adapts a Cursor to the backend result stream contract
type stream struct {
	cursor  *Cursor
	session *Session
	code    backend.StatusCode

	peeked bool
	more   bool
}

func (st *stream) HasNext(context.Context) (bool, error) {
	if st.cursor == nil {
		return false, nil
	}
	if !st.peeked {
		st.more = st.cursor.Next()
		st.peeked = true
		if !st.more {
			st.finish()
			if err := st.cursor.Err(); err != nil {
				return false, err
			}
		}
	}
	return st.more, nil
}

func (st *stream) Next(ctx context.Context) (*backend.SearchResult, error) {
	more, err := st.HasNext(ctx)
	if err != nil {
		return nil, err
	}
	if !more {
		return nil, errors.New("search result stream exhausted")
	}
	st.peeked = false
	return toResult(st.cursor.Entry()), nil
}

func (st *stream) ReturnCode() backend.StatusCode {
	return st.code
}

func (st *stream) Abandon() error {
	if st.cursor == nil {
		return nil
	}
	st.finish()
	return st.cursor.Close()
}

func (st *stream) finish() {
	if st.cursor.TimedOut() {
		st.code = backend.TimeLimitExceeded
	}
	if st.session != nil {
		st.session.forget(st)
	}
}

// toResult converts an entry to the backend result shape: text values as
// string, binary values as []byte
func toResult(entry *models.Entry) *backend.SearchResult {
	res := &backend.SearchResult{Name: entry.DN}
	for _, attr := range entry.Attributes {
		values := make([]any, len(attr.Values))
		for i, v := range attr.Values {
			if v.IsBinary() {
				values[i] = v.Bytes()
			} else {
				text, _ := v.Text()
				values[i] = text
			}
		}
		res.Attributes = append(res.Attributes, backend.ResultAttribute{ID: attr.Name, Values: values})
	}
	return res
}

// statusFor maps store errors to result codes. Unknown errors are returned
// as backend failures.
func statusFor(err error) (backend.StatusCode, error) {
	switch {
	case errors.Is(err, ErrNoSuchEntry):
		return backend.NoSuchObject, nil
	case errors.Is(err, ErrEntryExists):
		return backend.EntryAlreadyExists, nil
	case errors.Is(err, ErrNoParent):
		return backend.NoSuchObject, nil
	case errors.Is(err, ErrNotLeaf):
		return backend.NotAllowedOnNonLeaf, nil
	case errors.Is(err, ErrInvalidFilter):
		return backend.ProtocolError, nil
	default:
		return 0, err
	}
}

func valuesMatch(stored, asserted models.Value) bool {
	if stored.IsBinary() || asserted.IsBinary() {
		return stored.Equal(asserted)
	}
	a, _ := stored.Text()
	b, _ := asserted.Text()
	return strings.EqualFold(a, b)
}

func containsFold(a *models.Attribute, value string) bool {
	for _, v := range a.Values {
		if valuesMatch(v, models.TextValue(value)) {
			return true
		}
	}
	return false
}
