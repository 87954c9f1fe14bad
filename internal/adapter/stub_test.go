package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
)

// stubSession records what it receives. Behaviour is tuned per test
// through the function fields.
type stubSession struct {
	mu      sync.Mutex
	entries map[string]*models.Entry
	calls   []string

	bindFn   func(dn string, cred []byte) (backend.StatusCode, error)
	searchFn func(base, filter string, controls backend.SearchControls) (backend.ResultStream, error)
	deleteFn func(dn string) (backend.StatusCode, error)
}

func newStubSession() *stubSession {
	return &stubSession{entries: map[string]*models.Entry{}}
}

func (s *stubSession) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubSession) Bind(_ context.Context, dn string, cred []byte) (backend.StatusCode, error) {
	s.record("bind")
	if s.bindFn != nil {
		return s.bindFn(dn, cred)
	}
	return backend.Success, nil
}

func (s *stubSession) Unbind(context.Context) (backend.StatusCode, error) {
	s.record("unbind")
	return backend.Success, nil
}

func (s *stubSession) Add(_ context.Context, dn string, attrs []models.Attribute) (backend.StatusCode, error) {
	s.record("add")
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(dn)
	if _, exists := s.entries[key]; exists {
		return backend.EntryAlreadyExists, nil
	}
	entry := models.NewEntry(dn)
	for _, a := range attrs {
		entry.AddValues(a.Name, a.Values...)
	}
	s.entries[key] = entry
	return backend.Success, nil
}

func (s *stubSession) Delete(_ context.Context, dn string) (backend.StatusCode, error) {
	s.record("delete")
	if s.deleteFn != nil {
		return s.deleteFn(dn)
	}
	return backend.Success, nil
}

func (s *stubSession) Modify(_ context.Context, dn string, mods models.ModificationRequest) (backend.StatusCode, error) {
	s.record("modify")
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.ToLower(dn)]
	if !ok {
		return backend.NoSuchObject, nil
	}
	if err := entry.Apply(mods); err != nil {
		switch {
		case errors.Is(err, models.ErrNoSuchAttribute):
			return backend.NoSuchAttribute, nil
		case errors.Is(err, models.ErrValueExists):
			return backend.AttributeOrValueExists, nil
		}
		return backend.Other, nil
	}
	return backend.Success, nil
}

func (s *stubSession) Compare(_ context.Context, dn, attr string, value models.Value) (backend.StatusCode, error) {
	s.record("compare")
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.ToLower(dn)]
	if !ok {
		return backend.NoSuchObject, nil
	}
	a := entry.Get(attr)
	if a == nil {
		return backend.NoSuchAttribute, nil
	}
	if a.Contains(value) {
		return backend.CompareTrue, nil
	}
	return backend.CompareFalse, nil
}

func (s *stubSession) Search(_ context.Context, base, filter string, controls backend.SearchControls) (backend.ResultStream, error) {
	s.record("search")
	if s.searchFn != nil {
		return s.searchFn(base, filter, controls)
	}
	return &stubStream{code: backend.Success}, nil
}

type canonicalSession struct {
	*stubSession
	gotDeleteOld *bool
}

func (s *canonicalSession) ModifyDN(_ context.Context, dn, newRDN string, deleteOldRDN bool) (backend.StatusCode, error) {
	s.record("modifyDN")
	s.gotDeleteOld = &deleteOldRDN
	return backend.Success, nil
}

type legacySession struct {
	*stubSession
}

func (s *legacySession) Rename(context.Context, string, string) (backend.StatusCode, error) {
	s.record("rename")
	return backend.Success, nil
}

// stubStream serves a fixed list of results and counts fetches
type stubStream struct {
	results   []*backend.SearchResult
	code      backend.StatusCode
	failAt    int // Next fails when fetching this index (1-based), 0 disables
	fetched   int
	abandoned bool
}

func (s *stubStream) HasNext(context.Context) (bool, error) {
	return s.fetched < len(s.results), nil
}

func (s *stubStream) Next(context.Context) (*backend.SearchResult, error) {
	if s.failAt > 0 && s.fetched+1 == s.failAt {
		return nil, errors.New("upstream went away")
	}
	r := s.results[s.fetched]
	s.fetched++
	return r, nil
}

func (s *stubStream) ReturnCode() backend.StatusCode { return s.code }

func (s *stubStream) Abandon() error {
	s.abandoned = true
	return nil
}

// stubBackend hands out sessions built by newSession
type stubBackend struct {
	mu         sync.Mutex
	sessions   map[int64]backend.Session
	creates    int
	newSession func() backend.Session
	connected  []backend.ConnectInfo
	closed     []int64
}

func newStubBackend(newSession func() backend.Session) *stubBackend {
	if newSession == nil {
		newSession = func() backend.Session { return newStubSession() }
	}
	return &stubBackend{sessions: map[int64]backend.Session{}, newSession: newSession}
}

func (b *stubBackend) CreateSession(_ context.Context, connID int64) (backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	s := b.newSession()
	if s == nil {
		return nil, nil
	}
	b.sessions[connID] = s
	return s, nil
}

func (b *stubBackend) GetSession(_ context.Context, connID int64) (backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[connID], nil
}

func (b *stubBackend) CloseSession(_ context.Context, connID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, connID)
	b.closed = append(b.closed, connID)
	return nil
}

func (b *stubBackend) Close() error { return nil }

func (b *stubBackend) session(connID int64) backend.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[connID]
}

type observingBackend struct {
	*stubBackend
}

func (b *observingBackend) Connect(_ context.Context, info backend.ConnectInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = append(b.connected, info)
	return nil
}

func (b *observingBackend) Disconnect(_ context.Context, connID int64) error {
	return nil
}

// collector is an Emitter that keeps everything it is sent
type collector struct {
	entries []*models.Entry
	refs    [][]string
	failErr error
}

func (c *collector) Entry(e *models.Entry) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *collector) Reference(uris []string) error {
	c.refs = append(c.refs, uris)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(b backend.Backend, opts ...Option) *Adapter {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(backend.NewRegistry(b, discardLogger()), opts...)
}

func result(dn string, attrs ...backend.ResultAttribute) *backend.SearchResult {
	return &backend.SearchResult{Name: dn, Attributes: attrs}
}

func attr(id string, values ...any) backend.ResultAttribute {
	return backend.ResultAttribute{ID: id, Values: values}
}
