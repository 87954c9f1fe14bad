package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
	"unsafe"

	"github.com/lor00x/goldap/message"

	"github.com/smarzola/ldapgate/internal/adapter"
	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/internal/protocol"
	"github.com/smarzola/ldapgate/internal/schema"
	"github.com/smarzola/ldapgate/pkg/config"
)

// WhoAmIOID is the RFC 4532 "Who am I?" extended operation
const WhoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

// Server represents an LDAP server
type Server struct {
	cfg      *config.Config
	adapter  *adapter.Adapter
	version  string
	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	lastID atomic.Int64
	conns  sync.Map // int64 -> *protocol.Connection
}

// NewServer creates a new LDAP server dispatching operations through a
func NewServer(cfg *config.Config, a *adapter.Adapter, version string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		adapter: a,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the LDAP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve accepts connections on l in the background
func (s *Server) Serve(l net.Listener) {
	s.listener = l
	slog.Info("LDAP server starting", "address", l.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the ids of the open client connections
func (s *Server) Connections() []int64 {
	var ids []int64
	s.conns.Range(func(key, _ any) bool {
		ids = append(ids, key.(int64))
		return true
	})
	return ids
}

// nextConnID hands out sequential connection ids, wrapping back to 1
func (s *Server) nextConnID() int64 {
	for {
		last := s.lastID.Load()
		next := last + 1
		if next > math.MaxInt32 {
			next = 1
		}
		if s.lastID.CompareAndSwap(last, next) {
			return next
		}
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(conn net.Conn) {
	id := s.nextConnID()

	handlers := protocol.OperationHandlers{
		OnBind:     s.handleBind,
		OnSearch:   s.handleSearch,
		OnAdd:      s.handleAdd,
		OnModify:   s.handleModify,
		OnModifyDN: s.handleModifyDN,
		OnDelete:   s.handleDelete,
		OnCompare:  s.handleCompare,
		OnExtended: s.handleExtended,
		OnAbandon:  s.handleAbandon,
		OnUnbind:   s.handleUnbind,
		OnClose:    s.handleClose,
	}

	ldapConn := protocol.NewConnection(id, conn, handlers)
	s.conns.Store(id, ldapConn)
	ldapConn.Logger().Debug("New connection")

	info := backend.ConnectInfo{
		ConnID:     id,
		ClientAddr: conn.RemoteAddr().String(),
		ServerAddr: conn.LocalAddr().String(),
	}
	if err := s.adapter.Connect(s.ctx, info); err != nil {
		ldapConn.Logger().Error("Backend refused connection", "error", err)
		ldapConn.Close()
		s.handleClose(ldapConn)
		return
	}

	if err := ldapConn.Handle(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		ldapConn.Logger().Debug("Connection closed", "error", err)
	}
}

// Stop closes the listener and every client connection, then waits for
// the connection handlers to finish
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	s.cancel()
	s.listener.Close()
	s.conns.Range(func(_, value any) bool {
		value.(*protocol.Connection).Close()
		return true
	})
	s.wg.Wait()
	return nil
}

func (s *Server) handleClose(conn *protocol.Connection) {
	s.conns.Delete(conn.ID())
	if err := s.adapter.Disconnect(context.Background(), conn.ID()); err != nil {
		conn.Logger().Warn("Failed to release backend session", "error", err)
	}
}

// reply writes the response matching msg with the adapter result
func reply(conn *protocol.Connection, msg *message.LDAPMessage, res adapter.Result) error {
	return conn.WriteResponse(msg.MessageID(), protocol.ResponseFor(msg.ProtocolOp(), int(res.Code()), res.Diagnostic()))
}

// handleBind handles bind operations. Only simple authentication is
// supported; a failed bind leaves the connection anonymous.
func (s *Server) handleBind(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.BindRequest)
	dn := string(req.Name())

	if req.AuthenticationChoice() != "simple" {
		conn.Logger().Debug("Unsupported authentication choice", "choice", req.AuthenticationChoice())
		conn.SetBoundDN("")
		return conn.WriteError(msg, int(backend.AuthMethodNotSupported), "Only simple authentication is supported")
	}

	res := s.adapter.Bind(s.ctx, conn.ID(), dn, []byte(req.AuthenticationSimple()))
	if res.Code() == backend.Success {
		conn.SetBoundDN(dn)
	} else {
		conn.SetBoundDN("")
	}
	conn.Logger().Debug("Bind", "dn", dn, "status", res.Code().String())
	return reply(conn, msg, res)
}

// handleSearch handles search operations. The root DSE and the subschema
// entry are answered locally; everything else goes to the backend.
func (s *Server) handleSearch(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.SearchRequest)

	filter, err := serializeFilter(req.Filter())
	if err != nil {
		conn.Logger().Debug("Unsupported search filter", "error", err)
		return conn.WriteError(msg, message.ResultCodeUnwillingToPerform, err.Error())
	}

	spec := models.SearchSpec{
		BaseDN:    string(req.BaseObject()),
		Scope:     models.Scope(req.Scope()),
		Filter:    filter,
		SizeLimit: int(req.SizeLimit()),
		TimeLimit: int(req.TimeLimit()),
		TypesOnly: bool(req.TypesOnly()),
	}
	for _, attr := range req.Attributes() {
		spec.Attributes = append(spec.Attributes, string(attr))
	}

	if spec.Scope == models.ScopeBase {
		switch {
		case spec.BaseDN == "":
			return s.writeLocal(conn, msg, s.rootDSE(), spec)
		case strings.EqualFold(spec.BaseDN, schema.SubschemaDN):
			return s.writeLocal(conn, msg, s.adapter.Schema().Subschema(), spec)
		}
	}

	conn.Logger().Debug("Search request", "base", spec.BaseDN, "scope", spec.Scope.String(), "filter", spec.Filter)

	w := &searchWriter{conn: conn, messageID: msg.MessageID()}
	res := s.adapter.Search(s.ctx, conn.ID(), spec, w)

	conn.Logger().Debug("Search completed", "base", spec.BaseDN, "entries", w.entries, "references", w.references, "status", res.Code().String())
	return reply(conn, msg, res)
}

// searchWriter streams search results to the client
type searchWriter struct {
	conn       *protocol.Connection
	messageID  message.MessageID
	entries    int
	references int
}

func (w *searchWriter) Entry(entry *models.Entry) error {
	w.entries++
	return w.conn.WriteResponse(w.messageID, protocol.EntryToSearchResult(entry))
}

func (w *searchWriter) Reference(uris []string) error {
	w.references++
	return w.conn.WriteResponse(w.messageID, protocol.NewSearchResultReference(uris))
}

func (s *Server) rootDSE() *models.Entry {
	entry := models.NewEntry("")
	entry.AddText("objectClass", "top")
	entry.AddText("namingContexts", s.cfg.LDAP.BaseDN)
	entry.AddText("subschemaSubentry", schema.SubschemaDN)
	entry.AddText("supportedLDAPVersion", "3")
	entry.AddText("supportedExtension", WhoAmIOID)
	entry.AddText("vendorName", "ldapgate")
	entry.AddText("vendorVersion", s.version)
	return entry
}

// writeLocal answers a base search with a locally built entry. Every
// attribute is returned unless specific ones are named.
func (s *Server) writeLocal(conn *protocol.Connection, msg *message.LDAPMessage, entry *models.Entry, spec models.SearchSpec) error {
	all := len(spec.Attributes) == 0
	named := make(map[string]bool, len(spec.Attributes))
	for _, attr := range spec.Attributes {
		if attr == "*" || attr == "+" {
			all = true
		}
		named[strings.ToLower(attr)] = true
	}

	out := models.NewEntry(entry.DN)
	for _, attr := range entry.Attributes {
		if !all && !named[strings.ToLower(attr.Name)] {
			continue
		}
		if spec.TypesOnly {
			out.Attributes = append(out.Attributes, &models.Attribute{Name: attr.Name})
		} else {
			out.Attributes = append(out.Attributes, attr)
		}
	}

	if err := conn.WriteResponse(msg.MessageID(), protocol.EntryToSearchResult(out)); err != nil {
		return err
	}
	return conn.WriteResponse(msg.MessageID(), protocol.NewSearchResultDone(message.ResultCodeSuccess, ""))
}

// wireValue keeps UTF-8 values as text and everything else as octets
func wireValue(v string) models.Value {
	if utf8.ValidString(v) {
		return models.TextValue(v)
	}
	return models.BinaryValue([]byte(v))
}

// handleAdd handles add operations
func (s *Server) handleAdd(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.AddRequest)

	entry := models.NewEntry(string(req.Entry()))
	for _, attr := range req.Attributes() {
		values := make([]models.Value, 0, len(attr.Vals()))
		for _, v := range attr.Vals() {
			values = append(values, wireValue(string(v)))
		}
		entry.AddValues(string(attr.Type_()), values...)
	}

	res := s.adapter.Add(s.ctx, conn.ID(), entry)
	conn.Logger().Debug("Add", "dn", entry.DN, "status", res.Code().String())
	return reply(conn, msg, res)
}

// handleDelete handles delete operations
func (s *Server) handleDelete(conn *protocol.Connection, msg *message.LDAPMessage) error {
	dn := string(msg.ProtocolOp().(message.DelRequest))

	res := s.adapter.Delete(s.ctx, conn.ID(), dn)
	conn.Logger().Debug("Delete", "dn", dn, "status", res.Code().String())
	return reply(conn, msg, res)
}

// handleModify handles modify operations
func (s *Server) handleModify(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.ModifyRequest)
	dn := string(req.Object())

	var mods models.ModificationRequest
	for _, change := range req.Changes() {
		modification := change.Modification()
		values := make([]models.Value, 0, len(modification.Vals()))
		for _, v := range modification.Vals() {
			values = append(values, wireValue(string(v)))
		}
		mods = append(mods, models.Modification{
			Op:        models.ModOp(change.Operation()),
			Attribute: string(modification.Type_()),
			Values:    values,
		})
	}

	res := s.adapter.Modify(s.ctx, conn.ID(), dn, mods)
	conn.Logger().Debug("Modify", "dn", dn, "changes", len(mods), "status", res.Code().String())
	return reply(conn, msg, res)
}

// handleModifyDN handles rename operations. Moving an entry under a new
// superior is not supported.
func (s *Server) handleModifyDN(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := readModifyDN(msg.ProtocolOp().(message.ModifyDNRequest))

	if req.hasNewSuperior {
		conn.Logger().Debug("ModifyDN with new superior refused", "dn", req.entry, "new_superior", req.newSuperior)
		return conn.WriteError(msg, message.ResultCodeUnwillingToPerform, "newSuperior is not supported")
	}

	res := s.adapter.ModifyDN(s.ctx, conn.ID(), req.entry, req.newRDN, req.deleteOldRDN)
	conn.Logger().Debug("ModifyDN", "dn", req.entry, "new_rdn", req.newRDN, "delete_old_rdn", req.deleteOldRDN, "status", res.Code().String())
	return reply(conn, msg, res)
}

// modifyDN holds the components of a ModifyDNRequest
type modifyDN struct {
	entry          string
	newRDN         string
	deleteOldRDN   bool
	newSuperior    string
	hasNewSuperior bool
}

// readModifyDN extracts the request components, which goldap decodes into
// unexported fields without accessors
func readModifyDN(req message.ModifyDNRequest) modifyDN {
	v := reflect.ValueOf(req)
	out := modifyDN{
		entry:        v.FieldByName("entry").String(),
		newRDN:       v.FieldByName("newrdn").String(),
		deleteOldRDN: v.FieldByName("deleteoldrdn").Bool(),
	}
	if sup := v.FieldByName("newSuperior"); !sup.IsNil() {
		out.hasNewSuperior = true
		out.newSuperior = sup.Elem().String()
	}
	return out
}

// handleCompare handles compare operations
func (s *Server) handleCompare(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.CompareRequest)
	dn := string(req.Entry())
	ava := req.Ava()

	res := s.adapter.Compare(s.ctx, conn.ID(), dn, string(ava.AttributeDesc()), wireValue(string(ava.AssertionValue())))
	conn.Logger().Debug("Compare", "dn", dn, "attribute", string(ava.AttributeDesc()), "status", res.Code().String())
	return reply(conn, msg, res)
}

// handleExtended handles extended operations
func (s *Server) handleExtended(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.ExtendedRequest)
	oid := string(req.RequestName())

	if oid != WhoAmIOID {
		conn.Logger().Debug("Unsupported extended operation", "oid", oid)
		return conn.WriteError(msg, message.ResultCodeProtocolError, "Unsupported extended operation")
	}

	// RFC 4532: "dn:<dn>" for a bound connection, empty for anonymous
	var authzID string
	if dn := conn.GetBoundDN(); dn != "" {
		authzID = "dn:" + dn
	}

	resp := protocol.NewExtendedResponse(message.ResultCodeSuccess)
	resp.SetResponseName(message.LDAPOID(oid))
	setResponseValue(&resp, authzID)

	conn.Logger().Debug("Who am I response", "authzID", authzID)
	return conn.WriteResponse(msg.MessageID(), resp)
}

// setResponseValue sets the unexported responseValue of an extended
// response, which goldap offers no setter for
func setResponseValue(resp *message.ExtendedResponse, value string) {
	octetString := message.OCTETSTRING(value)
	field := reflect.ValueOf(resp).Elem().FieldByName("responseValue")
	if field.IsValid() {
		ptr := unsafe.Pointer(field.UnsafeAddr())
		*(**message.OCTETSTRING)(ptr) = &octetString
	}
}

// handleAbandon logs abandon requests. Operations on a connection run
// serially, so the target has already completed by the time it is read.
func (s *Server) handleAbandon(conn *protocol.Connection, msg *message.LDAPMessage) error {
	req := msg.ProtocolOp().(message.AbandonRequest)
	conn.Logger().Debug("Abandon request ignored", "target", int(req))
	return nil
}

// handleUnbind discards the backend session. The connection is closed
// once the handler returns.
func (s *Server) handleUnbind(conn *protocol.Connection, msg *message.LDAPMessage) error {
	res := s.adapter.Unbind(s.ctx, conn.ID())
	conn.SetBoundDN("")
	conn.Logger().Debug("Unbind", "status", res.Code().String())
	return nil
}
