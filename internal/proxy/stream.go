package proxy

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"

	"github.com/smarzola/ldapgate/internal/backend"
)

// stream adapts an asynchronous upstream search to the backend result
// stream contract. Continuation references become referral results named
// after the search base.
type stream struct {
	base    string
	resp    ldap.Response
	cancel  context.CancelFunc
	session *Session
	code    backend.StatusCode

	next *backend.SearchResult
	done bool
}

func (st *stream) HasNext(context.Context) (bool, error) {
	if st.next != nil {
		return true, nil
	}
	if st.done {
		return false, nil
	}

	for st.resp.Next() {
		if e := st.resp.Entry(); e != nil {
			st.next = fromEntry(e)
			return true, nil
		}
		if ref := st.resp.Referral(); ref != "" {
			st.next = referral(st.base, ref)
			return true, nil
		}
		// a response carrying only controls
	}

	st.finish()
	code, err := status(st.resp.Err())
	if err != nil {
		return false, err
	}
	st.code = code
	return false, nil
}

func (st *stream) Next(ctx context.Context) (*backend.SearchResult, error) {
	more, err := st.HasNext(ctx)
	if err != nil {
		return nil, err
	}
	if !more {
		return nil, errors.New("search result stream exhausted")
	}
	res := st.next
	st.next = nil
	return res, nil
}

func (st *stream) ReturnCode() backend.StatusCode {
	return st.code
}

// Abandon cancels the upstream search
func (st *stream) Abandon() error {
	st.next = nil
	st.finish()
	return nil
}

func (st *stream) finish() {
	if st.done {
		return
	}
	st.done = true
	st.cancel()
	if st.session != nil {
		st.session.forget(st)
	}
}

// fromEntry keeps UTF-8 values as text and everything else as octets
func fromEntry(e *ldap.Entry) *backend.SearchResult {
	res := &backend.SearchResult{Name: e.DN}
	for _, attr := range e.Attributes {
		values := make([]any, len(attr.ByteValues))
		for i, v := range attr.ByteValues {
			if utf8.Valid(v) {
				values[i] = string(v)
			} else {
				values[i] = v
			}
		}
		res.Attributes = append(res.Attributes, backend.ResultAttribute{ID: attr.Name, Values: values})
	}
	return res
}

func referral(base, uri string) *backend.SearchResult {
	return &backend.SearchResult{
		Name: base,
		Attributes: []backend.ResultAttribute{
			{ID: "objectClass", Values: []any{"referral"}},
			{ID: "ref", Values: []any{uri}},
		},
	}
}
