package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/pkg/config"
)

// Class is the backend class name of the proxy backend
const Class = "proxy"

// Client is the part of *ldap.Conn a session uses
type Client interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Add(req *ldap.AddRequest) error
	Del(req *ldap.DelRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Compare(dn, attribute, value string) (bool, error)
	SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response
	Close() error
}

// Dialer opens an upstream connection
type Dialer func(ctx context.Context) (Client, error)

// Settings describe the upstream server
type Settings struct {
	URL        string
	StartTLS   bool
	Insecure   bool
	Timeout    time.Duration
	BufferSize int
}

// SettingsFromConfig reads the "url" property and the starttls, insecure,
// timeout and buffer options
func SettingsFromConfig(bc *config.BackendConfig) (Settings, error) {
	s := Settings{Timeout: 10 * time.Second, BufferSize: 64}

	url, ok := bc.Property("url")
	if !ok || url == "" {
		return s, errors.New("proxy backend requires the url property")
	}
	s.URL = url

	if v, ok := bc.Option("starttls"); ok {
		s.StartTLS = v == "" || parseBool(v)
	}
	if v, ok := bc.Option("insecure"); ok {
		s.Insecure = v == "" || parseBool(v)
	}
	if v, ok := bc.Option("timeout"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return s, fmt.Errorf("invalid timeout option %q: %w", v, err)
		}
		s.Timeout = d
	}
	if v, ok := bc.Option("buffer"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, fmt.Errorf("invalid buffer option %q", v)
		}
		s.BufferSize = n
	}
	return s, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// NewDialer returns a Dialer for the upstream described by s
func NewDialer(s Settings) Dialer {
	tlsConfig := &tls.Config{InsecureSkipVerify: s.Insecure}
	return func(ctx context.Context) (Client, error) {
		conn, err := ldap.DialURL(s.URL, ldap.DialWithTLSConfig(tlsConfig))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", s.URL, err)
		}
		if s.StartTLS {
			if err := conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to start TLS with %s: %w", s.URL, err)
			}
		}
		if s.Timeout > 0 {
			conn.SetTimeout(s.Timeout)
		}
		return conn, nil
	}
}

// Backend forwards every operation to an upstream LDAP server over one
// upstream connection per client connection
type Backend struct {
	dial       Dialer
	bufferSize int
	logger     *slog.Logger
	sessions   sync.Map // int64 -> *Session
}

// Open is the backend factory for the "proxy" class
func Open(_ context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	s, err := SettingsFromConfig(&cfg.Backend)
	if err != nil {
		return nil, err
	}
	logger.Info("Proxying to upstream directory", "url", s.URL, "starttls", s.StartTLS)
	b := New(NewDialer(s), logger)
	b.bufferSize = s.BufferSize
	return b, nil
}

// New creates a proxy backend using dial for upstream connections
func New(dial Dialer, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{dial: dial, bufferSize: 64, logger: logger}
}

func (b *Backend) CreateSession(_ context.Context, connID int64) (backend.Session, error) {
	s := &Session{
		connID:     connID,
		dial:       b.dial,
		bufferSize: b.bufferSize,
		logger:     b.logger.With("conn", connID),
	}
	b.sessions.Store(connID, s)
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
		return s.(*Session).close()
	}
	return nil
}

// Close drops every upstream connection
func (b *Backend) Close() error {
	var result *multierror.Error
	b.sessions.Range(func(key, value any) bool {
		if err := value.(*Session).close(); err != nil {
			result = multierror.Append(result, err)
		}
		b.sessions.Delete(key)
		return true
	})
	return result.ErrorOrNil()
}

// Authenticate performs a simple bind on a short-lived upstream connection
func (b *Backend) Authenticate(ctx context.Context, dn, password string) (bool, error) {
	if dn == "" || password == "" {
		return false, nil
	}
	client, err := b.dial(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	code, err := status(client.Bind(dn, password))
	if err != nil {
		return false, err
	}
	return code == backend.Success, nil
}

// status splits upstream errors into protocol statuses and failures. LDAP
// result errors carry a status; client-side and network errors do not.
func status(err error) (backend.StatusCode, error) {
	if err == nil {
		return backend.Success, nil
	}
	var lerr *ldap.Error
	if errors.As(err, &lerr) && lerr.ResultCode < ldap.ErrorNetwork {
		return backend.StatusCode(lerr.ResultCode), nil
	}
	return 0, err
}
