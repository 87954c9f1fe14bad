package protocol

import (
	"github.com/lor00x/goldap/message"

	"github.com/smarzola/ldapgate/internal/models"
)

// Helper functions for creating LDAP responses

// NewResult creates the result body shared by every response type
func NewResult(resultCode int, diagnosticMessage string) message.LDAPResult {
	r := message.LDAPResult{}
	r.SetResultCode(resultCode)
	if diagnosticMessage != "" {
		r.SetDiagnosticMessage(diagnosticMessage)
	}
	return r
}

// NewBindResponse creates a bind response with the given result code
func NewBindResponse(resultCode int) message.BindResponse {
	r := message.BindResponse{}
	r.SetResultCode(resultCode)
	return r
}

// NewSearchResultEntry creates a search result entry with the given DN
func NewSearchResultEntry(dn string) message.SearchResultEntry {
	r := message.SearchResultEntry{}
	r.SetObjectName(dn)
	return r
}

// AddAttribute adds an attribute to a search result entry
func AddAttribute(entry *message.SearchResultEntry, name string, values ...string) {
	attrValues := make([]message.AttributeValue, len(values))
	for i, v := range values {
		attrValues[i] = message.AttributeValue(v)
	}
	entry.AddAttribute(message.AttributeDescription(name), attrValues...)
}

// EntryToSearchResult encodes an entry. Binary values are sent as raw
// octets; an attribute without values is sent as a bare type.
func EntryToSearchResult(entry *models.Entry) message.SearchResultEntry {
	r := NewSearchResultEntry(entry.DN)
	for _, attr := range entry.Attributes {
		values := make([]message.AttributeValue, len(attr.Values))
		for i, v := range attr.Values {
			values[i] = message.AttributeValue(v.Bytes())
		}
		r.AddAttribute(message.AttributeDescription(attr.Name), values...)
	}
	return r
}

// NewSearchResultReference creates a continuation reference
func NewSearchResultReference(uris []string) message.SearchResultReference {
	r := make(message.SearchResultReference, len(uris))
	for i, uri := range uris {
		r[i] = message.URI(uri)
	}
	return r
}

// NewSearchResultDone creates a search done response
func NewSearchResultDone(resultCode int, diagnosticMessage string) message.SearchResultDone {
	return message.SearchResultDone(NewResult(resultCode, diagnosticMessage))
}

// NewAddResponse creates an add response
func NewAddResponse(resultCode int, diagnosticMessage string) message.AddResponse {
	return message.AddResponse(NewResult(resultCode, diagnosticMessage))
}

// NewModifyResponse creates a modify response
func NewModifyResponse(resultCode int, diagnosticMessage string) message.ModifyResponse {
	return message.ModifyResponse(NewResult(resultCode, diagnosticMessage))
}

// NewModifyDNResponse creates a modify DN response
func NewModifyDNResponse(resultCode int, diagnosticMessage string) message.ModifyDNResponse {
	return message.ModifyDNResponse(NewResult(resultCode, diagnosticMessage))
}

// NewDelResponse creates a delete response
func NewDelResponse(resultCode int, diagnosticMessage string) message.DelResponse {
	return message.DelResponse(NewResult(resultCode, diagnosticMessage))
}

// NewCompareResponse creates a compare response
func NewCompareResponse(resultCode int, diagnosticMessage string) message.CompareResponse {
	return message.CompareResponse(NewResult(resultCode, diagnosticMessage))
}

// NewExtendedResponse creates an extended response
func NewExtendedResponse(resultCode int) message.ExtendedResponse {
	r := message.ExtendedResponse{}
	r.SetResultCode(resultCode)
	return r
}

// NoticeOfDisconnectionOID names the unsolicited notification sent before
// the server drops a connection (RFC 4511 4.4.1)
const NoticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"

// NewNoticeOfDisconnection creates the unsolicited notification. It is
// sent with message ID 0.
func NewNoticeOfDisconnection(resultCode int, diagnosticMessage string) message.ExtendedResponse {
	r := NewExtendedResponse(resultCode)
	r.SetDiagnosticMessage(diagnosticMessage)
	r.SetResponseName(message.LDAPOID(NoticeOfDisconnectionOID))
	return r
}

// ResponseFor returns the response type matching a request, carrying the
// given result. Unbind and abandon have no response and yield nil.
func ResponseFor(request message.ProtocolOp, resultCode int, diagnosticMessage string) message.ProtocolOp {
	result := NewResult(resultCode, diagnosticMessage)
	switch request.(type) {
	case message.BindRequest:
		return message.BindResponse{LDAPResult: result}
	case message.SearchRequest:
		return message.SearchResultDone(result)
	case message.AddRequest:
		return message.AddResponse(result)
	case message.ModifyRequest:
		return message.ModifyResponse(result)
	case message.ModifyDNRequest:
		return message.ModifyDNResponse(result)
	case message.DelRequest:
		return message.DelResponse(result)
	case message.CompareRequest:
		return message.CompareResponse(result)
	case message.UnbindRequest, message.AbandonRequest:
		return nil
	default:
		return message.ExtendedResponse{LDAPResult: result}
	}
}
