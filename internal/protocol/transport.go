package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/lor00x/goldap/message"
)

// MaxMessageSize bounds the content length of a single incoming message
const MaxMessageSize = 16 << 20

const tagSequence = 0x30

// ErrMalformedMessage reports a correctly framed message that could not be
// decoded
var ErrMalformedMessage = errors.New("malformed LDAP message")

// ReadLDAPMessage reads a single BER-encoded LDAP message. Messages are
// framed by their outer SEQUENCE length, so pipelined requests on the same
// reader are returned one at a time.
func ReadLDAPMessage(r *bufio.Reader) (*message.LDAPMessage, error) {
	data, err := readPacket(r)
	if err != nil {
		return nil, err
	}

	msg, err := message.ReadLDAPMessage(message.NewBytes(0, data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// readPacket returns the raw bytes of the next message, header included.
// io.EOF is returned unwrapped only when the stream ends between messages.
func readPacket(r *bufio.Reader) ([]byte, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag != tagSequence {
		return nil, fmt.Errorf("unexpected BER tag 0x%02x", tag)
	}

	first, err := r.ReadByte()
	if err != nil {
		return nil, truncated(err)
	}
	header := []byte{tag, first}

	length := int(first)
	if first&0x80 != 0 {
		n := int(first & 0x7f)
		if n == 0 || n > 4 {
			return nil, fmt.Errorf("invalid BER length encoding")
		}
		lengthBytes := make([]byte, n)
		if _, err := io.ReadFull(r, lengthBytes); err != nil {
			return nil, truncated(err)
		}
		header = append(header, lengthBytes...)

		length = 0
		for _, b := range lengthBytes {
			length = length<<8 | int(b)
		}
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds the %d byte limit", length, MaxMessageSize)
	}

	data := make([]byte, len(header)+length)
	copy(data, header)
	if _, err := io.ReadFull(r, data[len(header):]); err != nil {
		return nil, truncated(err)
	}
	return data, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("failed to read full message: %w", err)
}

// WriteLDAPMessage writes a BER-encoded LDAP message
func WriteLDAPMessage(w io.Writer, msg *message.LDAPMessage) error {
	data, err := msg.Write()
	if err != nil {
		return fmt.Errorf("failed to encode LDAP message: %w", err)
	}

	if _, err := w.Write(data.Bytes()); err != nil {
		return fmt.Errorf("failed to write to connection: %w", err)
	}
	return nil
}
