package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/lor00x/goldap/message"
)

// Connection represents an LDAP client connection
type Connection struct {
	id       int64
	conn     net.Conn
	reader   *bufio.Reader
	mu       sync.Mutex
	closed   bool
	boundDN  string
	handlers OperationHandlers
	logger   *slog.Logger
}

// OperationHandlers defines callbacks for LDAP operations. OnClose runs
// once when the connection ends, whatever the reason.
type OperationHandlers struct {
	OnBind     func(*Connection, *message.LDAPMessage) error
	OnSearch   func(*Connection, *message.LDAPMessage) error
	OnAdd      func(*Connection, *message.LDAPMessage) error
	OnModify   func(*Connection, *message.LDAPMessage) error
	OnModifyDN func(*Connection, *message.LDAPMessage) error
	OnDelete   func(*Connection, *message.LDAPMessage) error
	OnCompare  func(*Connection, *message.LDAPMessage) error
	OnExtended func(*Connection, *message.LDAPMessage) error
	OnAbandon  func(*Connection, *message.LDAPMessage) error
	OnUnbind   func(*Connection, *message.LDAPMessage) error
	OnClose    func(*Connection)
}

// NewConnection creates a new LDAP connection wrapper
func NewConnection(id int64, conn net.Conn, handlers OperationHandlers) *Connection {
	return &Connection{
		id:       id,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		handlers: handlers,
		logger:   slog.Default().With("conn", id, "remote", conn.RemoteAddr().String()),
	}
}

// ID returns the connection id assigned at accept time
func (c *Connection) ID() int64 {
	return c.id
}

// Logger returns a logger carrying the connection id
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// Handle processes incoming LDAP messages until the client unbinds or
// disconnects. Messages are handled one at a time in arrival order.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.finish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := ReadLDAPMessage(c.reader)
		if err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				c.logger.Debug("Client disconnected")
				return nil
			}
			c.logger.Error("Failed to read LDAP message", "error", err)
			if errors.Is(err, ErrMalformedMessage) {
				notice := NewNoticeOfDisconnection(message.ResultCodeProtocolError, "malformed request")
				if werr := c.WriteResponse(0, notice); werr != nil {
					c.logger.Debug("Failed to send notice of disconnection", "error", werr)
				}
			}
			return err
		}

		if err := c.dispatch(msg); err != nil {
			c.logger.Error("Failed to handle LDAP operation", "error", err, "operation", msg.ProtocolOpName())
			if c.isClosed() {
				return nil
			}
		}

		if _, ok := msg.ProtocolOp().(message.UnbindRequest); ok {
			return nil
		}
	}
}

// dispatch routes the message to the appropriate handler
func (c *Connection) dispatch(msg *message.LDAPMessage) error {
	var handler func(*Connection, *message.LDAPMessage) error

	switch msg.ProtocolOp().(type) {
	case message.BindRequest:
		handler = c.handlers.OnBind
	case message.SearchRequest:
		handler = c.handlers.OnSearch
	case message.AddRequest:
		handler = c.handlers.OnAdd
	case message.ModifyRequest:
		handler = c.handlers.OnModify
	case message.ModifyDNRequest:
		handler = c.handlers.OnModifyDN
	case message.DelRequest:
		handler = c.handlers.OnDelete
	case message.CompareRequest:
		handler = c.handlers.OnCompare
	case message.ExtendedRequest:
		handler = c.handlers.OnExtended
	case message.AbandonRequest:
		handler = c.handlers.OnAbandon
	case message.UnbindRequest:
		handler = c.handlers.OnUnbind
	default:
		c.logger.Warn("Unsupported LDAP operation", "operation", msg.ProtocolOpName())
		return c.WriteError(msg, message.ResultCodeProtocolError, "Unsupported operation")
	}

	if handler == nil {
		return c.WriteError(msg, message.ResultCodeUnwillingToPerform, "Operation not supported")
	}
	return handler(c, msg)
}

// WriteResponse writes an LDAP response message
func (c *Connection) WriteResponse(messageID message.MessageID, response message.ProtocolOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	msg := message.NewLDAPMessageWithProtocolOp(response)
	msg.SetMessageID(int(messageID))

	return WriteLDAPMessage(c.conn, msg)
}

// WriteError answers a request with the response type matching it.
// Requests without a response are left unanswered.
func (c *Connection) WriteError(msg *message.LDAPMessage, resultCode int, diagnosticMessage string) error {
	resp := ResponseFor(msg.ProtocolOp(), resultCode, diagnosticMessage)
	if resp == nil {
		return nil
	}
	return c.WriteResponse(msg.MessageID(), resp)
}

// RemoteAddr returns the remote address of the connection
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the address the connection was accepted on
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// SetBoundDN sets the bound DN for this connection after successful authentication
func (c *Connection) SetBoundDN(dn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundDN = dn
}

// GetBoundDN returns the currently bound DN for this connection
func (c *Connection) GetBoundDN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundDN
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. A blocked Handle returns once the pending
// read fails.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.conn.Close()
}

func (c *Connection) finish() {
	if err := c.Close(); err != nil {
		c.logger.Debug("Failed to close connection", "error", err)
	}
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(c)
	}
}
