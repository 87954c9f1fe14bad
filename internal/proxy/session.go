package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
)

// Session owns the upstream connection of one client connection. The
// connection is dialed on first use and dropped on unbind.
type Session struct {
	connID     int64
	dial       Dialer
	bufferSize int
	logger     *slog.Logger

	mu      sync.Mutex
	client  Client
	streams map[*stream]struct{}
}

func (s *Session) conn(ctx context.Context) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("dialer returned no connection")
	}
	s.client = client
	s.logger.Debug("Upstream connection opened")
	return client, nil
}

func (s *Session) Bind(ctx context.Context, dn string, credential []byte) (backend.StatusCode, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	if len(credential) == 0 {
		return status(client.UnauthenticatedBind(dn))
	}
	return status(client.Bind(dn, string(credential)))
}

// Unbind closes the upstream connection. The next operation dials a fresh
// one.
func (s *Session) Unbind(context.Context) (backend.StatusCode, error) {
	if err := s.close(); err != nil {
		s.logger.Debug("Closing upstream connection failed", "error", err)
	}
	return backend.Success, nil
}

func (s *Session) Add(ctx context.Context, dn string, attrs []models.Attribute) (backend.StatusCode, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	req := ldap.NewAddRequest(dn, nil)
	for _, attr := range attrs {
		req.Attribute(attr.Name, rawValues(attr.Values))
	}
	return status(client.Add(req))
}

func (s *Session) Delete(ctx context.Context, dn string) (backend.StatusCode, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return status(client.Del(ldap.NewDelRequest(dn, nil)))
}

func (s *Session) Modify(ctx context.Context, dn string, mods models.ModificationRequest) (backend.StatusCode, error) {
	req := ldap.NewModifyRequest(dn, nil)
	for _, mod := range mods {
		values := rawValues(mod.Values)
		switch mod.Op {
		case models.ModAdd:
			req.Add(mod.Attribute, values)
		case models.ModDelete:
			req.Delete(mod.Attribute, values)
		case models.ModReplace:
			req.Replace(mod.Attribute, values)
		default:
			return 0, fmt.Errorf("unsupported modification operation %s", mod.Op)
		}
	}

	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return status(client.Modify(req))
}

func (s *Session) ModifyDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool) (backend.StatusCode, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return status(client.ModifyDN(ldap.NewModifyDNRequest(dn, newRDN, deleteOldRDN, "")))
}

func (s *Session) Compare(ctx context.Context, dn, attr string, value models.Value) (backend.StatusCode, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	matched, err := client.Compare(dn, attr, string(value.Bytes()))
	if err != nil {
		return status(err)
	}
	if matched {
		return backend.CompareTrue, nil
	}
	return backend.CompareFalse, nil
}

var scopes = map[models.Scope]int{
	models.ScopeBase:     ldap.ScopeBaseObject,
	models.ScopeOneLevel: ldap.ScopeSingleLevel,
	models.ScopeSubtree:  ldap.ScopeWholeSubtree,
}

func (s *Session) Search(ctx context.Context, baseDN, filter string, controls backend.SearchControls) (backend.ResultStream, error) {
	scope, ok := scopes[controls.Scope]
	if !ok {
		return nil, fmt.Errorf("unsupported search scope %s", controls.Scope)
	}
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	// One entry past the limit is requested so that exceeding it is
	// visible downstream
	sizeLimit := 0
	if controls.SizeLimit > 0 {
		sizeLimit = controls.SizeLimit + 1
	}
	req := ldap.NewSearchRequest(
		baseDN,
		scope,
		ldap.NeverDerefAliases,
		sizeLimit,
		controls.TimeLimit,
		controls.TypesOnly,
		filter,
		controls.Attributes,
		nil,
	)

	sctx, cancel := context.WithCancel(ctx)
	st := &stream{
		base:    baseDN,
		resp:    client.SearchAsync(sctx, req, s.bufferSize),
		cancel:  cancel,
		session: s,
		code:    backend.Success,
	}

	s.mu.Lock()
	if s.streams == nil {
		s.streams = make(map[*stream]struct{})
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	return st, nil
}

func (s *Session) forget(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, st)
}

// close cancels open searches and drops the upstream connection
func (s *Session) close() error {
	s.mu.Lock()
	client, streams := s.client, s.streams
	s.client, s.streams = nil, nil
	s.mu.Unlock()

	for st := range streams {
		st.Abandon()
	}
	if client == nil {
		return nil
	}
	s.logger.Debug("Upstream connection closed")
	return client.Close()
}

// rawValues passes values upstream as octet strings
func rawValues(values []models.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v.Bytes())
	}
	return out
}
