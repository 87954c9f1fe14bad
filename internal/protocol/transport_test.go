package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/lor00x/goldap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// delRequest encodes a DelRequest for dn with the given message id
func delRequest(id byte, dn string) []byte {
	body := []byte{0x02, 0x01, id, 0x4a, byte(len(dn))}
	body = append(body, dn...)
	return append([]byte{0x30, byte(len(body))}, body...)
}

// tlv encodes a short-form BER element
func tlv(tag byte, parts ...[]byte) []byte {
	var content []byte
	for _, p := range parts {
		content = append(content, p...)
	}
	return append([]byte{tag, byte(len(content))}, content...)
}

// incrementRequest encodes a ModifyRequest using the RFC 4525 increment
// operation, which the decoder does not accept
func incrementRequest(id byte) []byte {
	change := tlv(0x30,
		[]byte{0x0a, 0x01, 0x03},
		tlv(0x30, tlv(0x04, []byte("uidNumber")), tlv(0x31, tlv(0x04, []byte("1")))),
	)
	op := tlv(0x66, tlv(0x04, []byte("cn=a")), tlv(0x30, change))
	return tlv(0x30, []byte{0x02, 0x01, id}, op)
}

func TestReadLDAPMessage(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(delRequest(1, "cn=test")))

	msg, err := ReadLDAPMessage(r)
	require.NoError(t, err)
	assert.Equal(t, 1, int(msg.MessageID()))
	req, ok := msg.ProtocolOp().(message.DelRequest)
	require.True(t, ok, "got %T", msg.ProtocolOp())
	assert.Equal(t, "cn=test", string(req))

	_, err = ReadLDAPMessage(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLDAPMessagePipelined(t *testing.T) {
	var stream []byte
	stream = append(stream, delRequest(1, "cn=a")...)
	stream = append(stream, delRequest(2, "cn=b")...)
	stream = append(stream, delRequest(3, "cn=c")...)
	r := bufio.NewReader(bytes.NewReader(stream))

	for i, dn := range []string{"cn=a", "cn=b", "cn=c"} {
		msg, err := ReadLDAPMessage(r)
		require.NoError(t, err)
		assert.Equal(t, i+1, int(msg.MessageID()))
		assert.Equal(t, dn, string(msg.ProtocolOp().(message.DelRequest)))
	}
}

func TestReadPacketLongFormLength(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 300)
	packet := append([]byte{0x30, 0x82, 0x01, 0x2c}, content...)

	data, err := readPacket(bufio.NewReader(bytes.NewReader(packet)))
	require.NoError(t, err)
	assert.Equal(t, packet, data)
}

func TestReadLDAPMessageMalformed(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(append(incrementRequest(4), delRequest(5, "cn=b")...)))

	_, err := ReadLDAPMessage(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)

	// framing is intact, so the next message is still readable
	msg, err := ReadLDAPMessage(r)
	require.NoError(t, err)
	assert.Equal(t, 5, int(msg.MessageID()))
}

func TestReadPacketErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr string
		eof     bool
	}{
		{name: "empty stream", input: nil, eof: true},
		{name: "wrong tag", input: []byte{0x04, 0x01, 0x00}, wantErr: "unexpected BER tag"},
		{name: "indefinite length", input: []byte{0x30, 0x80}, wantErr: "invalid BER length"},
		{name: "oversized length of length", input: []byte{0x30, 0x85, 1, 2, 3, 4, 5}, wantErr: "invalid BER length"},
		{name: "too large", input: []byte{0x30, 0x84, 0x7f, 0xff, 0xff, 0xff}, wantErr: "exceeds"},
		{name: "truncated header", input: []byte{0x30}, wantErr: "failed to read full message"},
		{name: "truncated body", input: []byte{0x30, 0x05, 0x02, 0x01}, wantErr: "failed to read full message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readPacket(bufio.NewReader(bytes.NewReader(tt.input)))
			require.Error(t, err)
			if tt.eof {
				assert.True(t, errors.Is(err, io.EOF))
				return
			}
			assert.False(t, errors.Is(err, io.EOF), "mid-message errors must not look like a clean disconnect")
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should contain %q", err, tt.wantErr)
		})
	}
}

func TestWriteLDAPMessage(t *testing.T) {
	msg := message.NewLDAPMessageWithProtocolOp(NewDelResponse(message.ResultCodeNoSuchObject, "no such entry"))
	msg.SetMessageID(7)

	var buf bytes.Buffer
	require.NoError(t, WriteLDAPMessage(&buf, msg))

	decoded, err := ReadLDAPMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, 7, int(decoded.MessageID()))
	_, ok := decoded.ProtocolOp().(message.DelResponse)
	assert.True(t, ok, "got %T", decoded.ProtocolOp())
}
