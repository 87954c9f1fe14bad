package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lor00x/goldap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unbindRequest(id byte) []byte {
	return []byte{0x30, 0x05, 0x02, 0x01, id, 0x42, 0x00}
}

type pipe struct {
	client net.Conn
	reader *bufio.Reader
	done   chan error
	closed atomic.Int32
}

func startConnection(t *testing.T, handlers OperationHandlers) *pipe {
	t.Helper()
	server, client := net.Pipe()
	p := &pipe{client: client, reader: bufio.NewReader(client), done: make(chan error, 1)}

	onClose := handlers.OnClose
	handlers.OnClose = func(c *Connection) {
		p.closed.Add(1)
		if onClose != nil {
			onClose(c)
		}
	}

	conn := NewConnection(42, server, handlers)
	go func() { p.done <- conn.Handle(context.Background()) }()
	t.Cleanup(func() { client.Close() })
	return p
}

func (p *pipe) send(t *testing.T, data []byte) {
	t.Helper()
	go func() { _, _ = p.client.Write(data) }()
}

func (p *pipe) receive(t *testing.T) *message.LDAPMessage {
	t.Helper()
	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := ReadLDAPMessage(p.reader)
	require.NoError(t, err)
	return msg
}

func (p *pipe) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not return")
		return nil
	}
}

func TestConnectionDispatchesInOrder(t *testing.T) {
	var seen []string
	p := startConnection(t, OperationHandlers{
		OnDelete: func(c *Connection, msg *message.LDAPMessage) error {
			assert.Equal(t, int64(42), c.ID())
			seen = append(seen, string(msg.ProtocolOp().(message.DelRequest)))
			return c.WriteResponse(msg.MessageID(), NewDelResponse(message.ResultCodeSuccess, ""))
		},
	})

	var stream []byte
	stream = append(stream, delRequest(1, "cn=a")...)
	stream = append(stream, delRequest(2, "cn=b")...)
	p.send(t, stream)

	for i := 1; i <= 2; i++ {
		resp := p.receive(t)
		assert.Equal(t, i, int(resp.MessageID()))
		_, ok := resp.ProtocolOp().(message.DelResponse)
		assert.True(t, ok, "got %T", resp.ProtocolOp())
	}
	assert.Equal(t, []string{"cn=a", "cn=b"}, seen)

	p.client.Close()
	assert.NoError(t, p.wait(t))
	assert.Equal(t, int32(1), p.closed.Load())
}

func TestConnectionMissingHandler(t *testing.T) {
	p := startConnection(t, OperationHandlers{})

	p.send(t, delRequest(3, "cn=a"))
	resp := p.receive(t)
	assert.Equal(t, 3, int(resp.MessageID()))
	_, ok := resp.ProtocolOp().(message.DelResponse)
	assert.True(t, ok, "got %T", resp.ProtocolOp())
}

func TestConnectionUnbindEndsHandling(t *testing.T) {
	var unbound atomic.Bool
	p := startConnection(t, OperationHandlers{
		OnUnbind: func(c *Connection, msg *message.LDAPMessage) error {
			unbound.Store(true)
			return nil
		},
	})

	p.send(t, unbindRequest(1))
	assert.NoError(t, p.wait(t))
	assert.True(t, unbound.Load())
	assert.Equal(t, int32(1), p.closed.Load())
}

func TestConnectionMalformedRequestSendsNotice(t *testing.T) {
	var called atomic.Bool
	p := startConnection(t, OperationHandlers{
		OnModify: func(c *Connection, msg *message.LDAPMessage) error {
			called.Store(true)
			return nil
		},
	})

	p.send(t, incrementRequest(6))

	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	raw, err := readPacket(p.reader)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(raw, []byte(NoticeOfDisconnectionOID)))

	notice, err := message.ReadLDAPMessage(message.NewBytes(0, raw))
	require.NoError(t, err)
	assert.Equal(t, 0, int(notice.MessageID()))
	_, ok := notice.ProtocolOp().(message.ExtendedResponse)
	assert.True(t, ok, "got %T", notice.ProtocolOp())

	err = p.wait(t)
	assert.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)
	assert.False(t, called.Load())
	assert.Equal(t, int32(1), p.closed.Load())
}

func TestConnectionClosedWhileReading(t *testing.T) {
	var conn *Connection
	ready := make(chan struct{})
	server, client := net.Pipe()
	defer client.Close()

	conn = NewConnection(1, server, OperationHandlers{})
	done := make(chan error, 1)
	go func() {
		close(ready)
		done <- conn.Handle(context.Background())
	}()
	<-ready

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after Close")
	}

	assert.Error(t, conn.WriteResponse(1, NewDelResponse(message.ResultCodeSuccess, "")))
}

func TestResponseFor(t *testing.T) {
	tests := []struct {
		name    string
		request message.ProtocolOp
		check   func(message.ProtocolOp) bool
	}{
		{"bind", message.BindRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.BindResponse); return ok }},
		{"search", message.SearchRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.SearchResultDone); return ok }},
		{"add", message.AddRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.AddResponse); return ok }},
		{"modify", message.ModifyRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.ModifyResponse); return ok }},
		{"modifyDN", message.ModifyDNRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.ModifyDNResponse); return ok }},
		{"delete", message.DelRequest("cn=x"), func(op message.ProtocolOp) bool { _, ok := op.(message.DelResponse); return ok }},
		{"compare", message.CompareRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.CompareResponse); return ok }},
		{"extended", message.ExtendedRequest{}, func(op message.ProtocolOp) bool { _, ok := op.(message.ExtendedResponse); return ok }},
		{"unbind", message.UnbindRequest{}, func(op message.ProtocolOp) bool { return op == nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ResponseFor(tt.request, message.ResultCodeOperationsError, "failed")
			assert.True(t, tt.check(resp), "got %T", resp)
		})
	}
}
