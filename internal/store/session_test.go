package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/pkg/crypto"
)

const adminDN = "uid=admin,ou=users,dc=test,dc=com"

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return NewBackend(setupTestStore(t), discardLogger())
}

func openSession(t *testing.T, b *Backend, connID int64) *Session {
	t.Helper()
	s, err := b.CreateSession(context.Background(), connID)
	require.NoError(t, err)
	return s.(*Session)
}

func boundSession(t *testing.T, b *Backend) *Session {
	t.Helper()
	s := openSession(t, b, 1)
	code, err := s.Bind(context.Background(), adminDN, []byte("test_admin_password"))
	require.NoError(t, err)
	require.Equal(t, backend.Success, code)
	return s
}

func textAttr(name string, values ...string) models.Attribute {
	return *models.NewAttribute(name, models.TextValues(values...)...)
}

func TestBackendSessions(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	s := openSession(t, b, 7)
	got, err := b.GetSession(ctx, 7)
	require.NoError(t, err)
	assert.Same(t, s, got)

	other := openSession(t, b, 8)
	assert.NotEqual(t, s.ID(), other.ID())

	require.NoError(t, b.CloseSession(ctx, 7))
	got, err = b.GetSession(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	// closing an absent session is not an error
	assert.NoError(t, b.CloseSession(ctx, 7))
}

func TestBind(t *testing.T) {
	tests := []struct {
		name           string
		allowAnonymous bool
		dn             string
		password       string
		want           backend.StatusCode
		wantBoundDN    string
	}{
		{"admin", false, adminDN, "test_admin_password", backend.Success, adminDN},
		{"wrong password", false, adminDN, "nope", backend.InvalidCredentials, ""},
		{"unknown dn", false, "uid=ghost,ou=users,dc=test,dc=com", "x", backend.InvalidCredentials, ""},
		{"fixture user", false, "uid=jdoe,ou=users,dc=test,dc=com", "secret", backend.Success, "uid=jdoe,ou=users,dc=test,dc=com"},
		{"anonymous refused", false, "", "", backend.InvalidCredentials, ""},
		{"anonymous allowed", true, "", "", backend.Success, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			b.store.cfg.Security.AllowAnonymousBind = tt.allowAnonymous
			s := openSession(t, b, 1)

			code, err := s.Bind(context.Background(), tt.dn, []byte(tt.password))
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.wantBoundDN, s.BoundDN())
		})
	}
}

func TestAuthenticate(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.Authenticate(ctx, adminDN, "test_admin_password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Authenticate(ctx, adminDN, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Authenticate(ctx, adminDN, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWritesRequireBind(t *testing.T) {
	b := newTestBackend(t)
	s := openSession(t, b, 1)
	ctx := context.Background()

	code, err := s.Add(ctx, "cn=x,dc=test,dc=com", []models.Attribute{textAttr("objectClass", "device")})
	require.NoError(t, err)
	assert.Equal(t, backend.InsufficientAccessRights, code)

	code, err = s.Delete(ctx, "uid=alice,ou=users,dc=test,dc=com")
	require.NoError(t, err)
	assert.Equal(t, backend.InsufficientAccessRights, code)

	code, err = s.Modify(ctx, "uid=alice,ou=users,dc=test,dc=com", nil)
	require.NoError(t, err)
	assert.Equal(t, backend.InsufficientAccessRights, code)

	code, err = s.ModifyDN(ctx, "uid=alice,ou=users,dc=test,dc=com", "uid=al", true)
	require.NoError(t, err)
	assert.Equal(t, backend.InsufficientAccessRights, code)

	// a later unbind drops the write permission again
	s = boundSession(t, b)
	_, err = s.Unbind(ctx)
	require.NoError(t, err)
	code, err = s.Delete(ctx, "uid=alice,ou=users,dc=test,dc=com")
	require.NoError(t, err)
	assert.Equal(t, backend.InsufficientAccessRights, code)
}

func TestAdd(t *testing.T) {
	person := []models.Attribute{
		textAttr("objectClass", "top", "person"),
		textAttr("cn", "Carol"),
		textAttr("sn", "Carol"),
	}

	tests := []struct {
		name  string
		dn    string
		attrs []models.Attribute
		want  backend.StatusCode
	}{
		{"person", "cn=Carol,ou=users,dc=test,dc=com", person, backend.Success},
		{"existing", "uid=jdoe,ou=users,dc=test,dc=com", person, backend.EntryAlreadyExists},
		{"missing parent", "cn=Carol,ou=nowhere,dc=test,dc=com", person, backend.NoSuchObject},
		{"no objectClass", "cn=Carol,ou=users,dc=test,dc=com", []models.Attribute{textAttr("cn", "Carol")}, backend.ObjectClassViolation},
		{
			"operational attribute",
			"cn=Carol,ou=users,dc=test,dc=com",
			append([]models.Attribute{textAttr("createTimestamp", "20240101000000Z")}, person...),
			backend.UnwillingToPerform,
		},
		{
			"foreign password scheme",
			"cn=Carol,ou=users,dc=test,dc=com",
			append([]models.Attribute{textAttr("userPassword", "{SSHA}abc")}, person...),
			backend.ConstraintViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			s := boundSession(t, b)

			code, err := s.Add(context.Background(), tt.dn, tt.attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestAddCompletesRDNAndHashesPassword(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	code, err := s.Add(ctx, "uid=carol,ou=users,dc=test,dc=com", []models.Attribute{
		textAttr("objectClass", "top", "inetOrgPerson"),
		textAttr("commonName", "Carol"),
		textAttr("userPassword", "plain-secret"),
	})
	require.NoError(t, err)
	require.Equal(t, backend.Success, code)

	entry, err := b.Store().GetEntry(ctx, "uid=carol,ou=users,dc=test,dc=com")
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, []string{"carol"}, entry.Strings("uid"))
	assert.Equal(t, []string{"Carol"}, entry.Strings("cn"))

	stored := entry.First("userPassword")
	assert.True(t, strings.HasPrefix(stored, "{"+crypto.SchemeArgon2ID+"}"))
	assert.NotContains(t, stored, "plain-secret")

	ok, err := b.Authenticate(ctx, "uid=carol,ou=users,dc=test,dc=com", "plain-secret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	code, err := s.Delete(ctx, "ou=groups,dc=test,dc=com")
	require.NoError(t, err)
	assert.Equal(t, backend.NotAllowedOnNonLeaf, code)

	code, err = s.Delete(ctx, "uid=ghost,ou=users,dc=test,dc=com")
	require.NoError(t, err)
	assert.Equal(t, backend.NoSuchObject, code)

	code, err = s.Delete(ctx, "cn=admins,ou=groups,dc=test,dc=com")
	require.NoError(t, err)
	assert.Equal(t, backend.Success, code)
}

func TestModify(t *testing.T) {
	const dn = "uid=jdoe,ou=users,dc=test,dc=com"

	tests := []struct {
		name  string
		dn    string
		mods  models.ModificationRequest
		want  backend.StatusCode
		check func(t *testing.T, e *models.Entry)
	}{
		{
			name: "replace then add observe each other",
			dn:   dn,
			mods: models.ModificationRequest{
				{Op: models.ModReplace, Attribute: "mail", Values: models.TextValues("a@test.com")},
				{Op: models.ModAdd, Attribute: "mail", Values: models.TextValues("b@test.com")},
			},
			want: backend.Success,
			check: func(t *testing.T, e *models.Entry) {
				assert.Equal(t, []string{"a@test.com", "b@test.com"}, e.Strings("mail"))
			},
		},
		{
			name: "alias names the stored attribute",
			dn:   dn,
			mods: models.ModificationRequest{
				{Op: models.ModReplace, Attribute: "surname", Values: models.TextValues("Doe-Smith")},
			},
			want: backend.Success,
			check: func(t *testing.T, e *models.Entry) {
				assert.Equal(t, []string{"Doe-Smith"}, e.Strings("sn"))
			},
		},
		{
			name: "password is hashed",
			dn:   dn,
			mods: models.ModificationRequest{
				{Op: models.ModReplace, Attribute: "userPassword", Values: models.TextValues("new-secret")},
			},
			want: backend.Success,
			check: func(t *testing.T, e *models.Entry) {
				assert.True(t, strings.HasPrefix(e.First("userPassword"), "{ARGON2ID}"))
			},
		},
		{
			name: "missing entry",
			dn:   "uid=ghost,ou=users,dc=test,dc=com",
			mods: models.ModificationRequest{{Op: models.ModDelete, Attribute: "mail"}},
			want: backend.NoSuchObject,
		},
		{
			name: "delete absent value",
			dn:   dn,
			mods: models.ModificationRequest{{Op: models.ModDelete, Attribute: "mail", Values: models.TextValues("x@test.com")}},
			want: backend.NoSuchAttribute,
		},
		{
			name: "add existing value",
			dn:   dn,
			mods: models.ModificationRequest{{Op: models.ModAdd, Attribute: "mail", Values: models.TextValues("jdoe@test.com")}},
			want: backend.AttributeOrValueExists,
		},
		{
			name: "operational attribute",
			dn:   dn,
			mods: models.ModificationRequest{{Op: models.ModReplace, Attribute: "modifyTimestamp", Values: models.TextValues("20240101000000Z")}},
			want: backend.UnwillingToPerform,
		},
		{
			name: "rdn value",
			dn:   dn,
			mods: models.ModificationRequest{{Op: models.ModDelete, Attribute: "uid"}},
			want: backend.NotAllowedOnRDN,
		},
		{
			name: "objectClass removed",
			dn:   dn,
			mods: models.ModificationRequest{{Op: models.ModDelete, Attribute: "objectClass"}},
			want: backend.ObjectClassViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			s := boundSession(t, b)
			ctx := context.Background()

			code, err := s.Modify(ctx, tt.dn, tt.mods)
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)

			if tt.check != nil {
				e, err := b.Store().GetEntry(ctx, tt.dn)
				require.NoError(t, err)
				tt.check(t, e)
			}
		})
	}
}

func TestModifyDN(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	code, err := s.ModifyDN(ctx, "uid=bob,ou=users,dc=test,dc=com", "uid=robert", true)
	require.NoError(t, err)
	assert.Equal(t, backend.Success, code)

	code, err = s.ModifyDN(ctx, "uid=robert,ou=users,dc=test,dc=com", "uid=jsmith", true)
	require.NoError(t, err)
	assert.Equal(t, backend.EntryAlreadyExists, code)

	code, err = s.ModifyDN(ctx, "uid=bob,ou=users,dc=test,dc=com", "uid=rob", true)
	require.NoError(t, err)
	assert.Equal(t, backend.NoSuchObject, code)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name  string
		dn    string
		attr  string
		value models.Value
		want  backend.StatusCode
	}{
		{"matching value", "uid=jdoe,ou=users,dc=test,dc=com", "mail", models.TextValue("JDOE@test.com"), backend.CompareTrue},
		{"other value", "uid=jdoe,ou=users,dc=test,dc=com", "mail", models.TextValue("x@test.com"), backend.CompareFalse},
		{"alias", "uid=jdoe,ou=users,dc=test,dc=com", "commonName", models.TextValue("John Doe"), backend.CompareTrue},
		{"missing attribute", "uid=jdoe,ou=users,dc=test,dc=com", "telephoneNumber", models.TextValue("1"), backend.NoSuchAttribute},
		{"missing entry", "uid=ghost,ou=users,dc=test,dc=com", "mail", models.TextValue("x"), backend.NoSuchObject},
		{"password verified against hash", "uid=jdoe,ou=users,dc=test,dc=com", "userPassword", models.TextValue("secret"), backend.CompareTrue},
		{"wrong password", "uid=jdoe,ou=users,dc=test,dc=com", "userPassword", models.TextValue("nope"), backend.CompareFalse},
		{"password on entry without one", "ou=users,dc=test,dc=com", "userPassword", models.TextValue("x"), backend.NoSuchAttribute},
	}

	b := newTestBackend(t)
	s := boundSession(t, b)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := s.Compare(context.Background(), tt.dn, tt.attr, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestCompareAccess(t *testing.T) {
	const dn = "uid=jdoe,ou=users,dc=test,dc=com"
	tests := []struct {
		name           string
		allowAnonymous bool
		attr           string
		value          string
		want           backend.StatusCode
	}{
		{"anonymous refused", false, "mail", "jdoe@test.com", backend.InsufficientAccessRights},
		{"anonymous allowed", true, "mail", "jdoe@test.com", backend.CompareTrue},
		{"anonymous password guess", true, "userPassword", "secret", backend.InsufficientAccessRights},
		{"anonymous password guess without anonymous access", false, "userPassword", "secret", backend.InsufficientAccessRights},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			b.store.cfg.Security.AllowAnonymousBind = tt.allowAnonymous
			s := openSession(t, b, 7)

			code, err := s.Compare(context.Background(), dn, tt.attr, models.TextValue(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func drain(t *testing.T, rs backend.ResultStream) []*backend.SearchResult {
	t.Helper()
	ctx := context.Background()
	var out []*backend.SearchResult
	for {
		more, err := rs.HasNext(ctx)
		require.NoError(t, err)
		if !more {
			return out
		}
		res, err := rs.Next(ctx)
		require.NoError(t, err)
		out = append(out, res)
	}
}

func TestSessionSearch(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)

	rs, err := s.Search(context.Background(), "ou=users,dc=test,dc=com", "(uid=jdoe)",
		backend.SearchControls{Scope: models.ScopeOneLevel})
	require.NoError(t, err)

	results := drain(t, rs)
	require.Len(t, results, 1)
	assert.Equal(t, backend.Success, rs.ReturnCode())
	assert.Equal(t, "uid=jdoe,ou=users,dc=test,dc=com", results[0].Name)

	values := map[string][]any{}
	for _, a := range results[0].Attributes {
		values[a.ID] = a.Values
	}
	assert.Equal(t, []any{"jdoe"}, values["uid"])
	assert.Equal(t, []any{"cn=admins,ou=groups,dc=test,dc=com"}, values["memberOf"])
}

func TestSessionSearchBinaryValues(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	photo := []byte{0x00, 0xFF, 0x10}
	code, err := s.Add(ctx, "cn=pic,ou=users,dc=test,dc=com", []models.Attribute{
		textAttr("objectClass", "device"),
		*models.NewAttribute("jpegPhoto", models.BinaryValue(photo)),
	})
	require.NoError(t, err)
	require.Equal(t, backend.Success, code)

	rs, err := s.Search(ctx, "cn=pic,ou=users,dc=test,dc=com", "(objectClass=*)", backend.SearchControls{Scope: models.ScopeBase})
	require.NoError(t, err)
	results := drain(t, rs)
	require.Len(t, results, 1)

	for _, a := range results[0].Attributes {
		if a.ID == "jpegPhoto" {
			assert.Equal(t, []any{photo}, a.Values)
			return
		}
	}
	t.Fatal("jpegPhoto missing from result")
}

func TestSessionSearchCodes(t *testing.T) {
	tests := []struct {
		name           string
		bind           bool
		allowAnonymous bool
		base           string
		filter         string
		want           backend.StatusCode
	}{
		{"unbound without anonymous access", false, false, "dc=test,dc=com", "(objectClass=*)", backend.InsufficientAccessRights},
		{"unbound with anonymous access", false, true, "dc=test,dc=com", "(objectClass=*)", backend.Success},
		{"missing base", true, false, "ou=missing,dc=test,dc=com", "(objectClass=*)", backend.NoSuchObject},
		{"bad filter", true, false, "dc=test,dc=com", "(objectClass=*", backend.ProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t)
			b.store.cfg.Security.AllowAnonymousBind = tt.allowAnonymous
			var s *Session
			if tt.bind {
				s = boundSession(t, b)
			} else {
				s = openSession(t, b, 1)
			}

			rs, err := s.Search(context.Background(), tt.base, tt.filter, backend.SearchControls{Scope: models.ScopeSubtree})
			require.NoError(t, err)
			drain(t, rs)
			assert.Equal(t, tt.want, rs.ReturnCode())
		})
	}
}

func TestSearchStreamAbandon(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	rs, err := s.Search(ctx, "dc=test,dc=com", "(objectClass=*)", backend.SearchControls{Scope: models.ScopeSubtree})
	require.NoError(t, err)

	more, err := rs.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, more)
	_, err = rs.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, rs.Abandon())
	require.NoError(t, rs.Abandon())
	assert.Empty(t, s.streams)

	more, err = rs.HasNext(ctx)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestCloseSessionAbandonsSearches(t *testing.T) {
	b := newTestBackend(t)
	s := boundSession(t, b)
	ctx := context.Background()

	rs, err := s.Search(ctx, "dc=test,dc=com", "(objectClass=*)", backend.SearchControls{Scope: models.ScopeSubtree})
	require.NoError(t, err)
	more, err := rs.HasNext(ctx)
	require.NoError(t, err)
	require.True(t, more)
	assert.Len(t, s.streams, 1)

	require.NoError(t, b.CloseSession(ctx, 1))
	assert.Empty(t, s.streams)
}
