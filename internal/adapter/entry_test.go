package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/models"
)

func TestNormalizeDN(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"dc=example,dc=com", "dc=example,dc=com", false},
		{"cn=John Doe, ou=People, dc=example", "cn=John Doe,ou=People,dc=example", false},
		{"CN=Admin,DC=Example", "CN=Admin,DC=Example", false},
		{`cn=Doe\, John,dc=example`, `cn=Doe\, John,dc=example`, false},
		{"cn=a+uid=b,dc=example", "cn=a+uid=b,dc=example", false},
		{"dc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDN(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, backend.ErrInvalidDN)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEscapeDNValue(t *testing.T) {
	tests := map[string]string{
		"plain":     "plain",
		"a,b":       `a\,b`,
		"a+b":       `a\+b`,
		" lead":     `\ lead`,
		"trail ":    `trail\ `,
		"#hash":     `\#hash`,
		"mid#hash":  "mid#hash",
		`back\hash`: `back\\hash`,
		"<tag>":     `\<tag\>`,
	}
	for in, want := range tests {
		assert.Equal(t, want, escapeDNValue(in), in)
	}
}

func TestRewriteReferral(t *testing.T) {
	tests := []struct {
		name  string
		uri   string
		dn    string
		scope models.Scope
		want  string
	}{
		{"empty dn one level", "ldap://h/", "ou=x", models.ScopeOneLevel, "ldap://h/ou=x??base"},
		{"empty dn subtree", "ldap://h/", "ou=x", models.ScopeSubtree, "ldap://h/ou=x??sub"},
		{"no path", "ldap://h:389", "ou=x", models.ScopeBase, "ldap://h:389/ou=x??sub"},
		{"keeps dn", "ldap://h/dc=other", "ou=x", models.ScopeSubtree, "ldap://h/dc=other??sub"},
		{"replaces scope", "ldaps://h/dc=other?cn?base?(cn=a)", "ou=x", models.ScopeSubtree, "ldaps://h/dc=other?cn?sub?(cn=a)"},
		{"escapes dn", "ldap://h/", "ou=a b,dc=x", models.ScopeSubtree, "ldap://h/ou=a%20b%2Cdc=x??sub"},
		{"keeps extensions", "LDAP://h/dc=o?a?one?(x=y)?e", "ou=x", models.ScopeOneLevel, "LDAP://h/dc=o?a?base?(x=y)?e"},
		{"not ldap", "http://h/", "ou=x", models.ScopeSubtree, "http://h/"},
		{"not a url", "somewhere", "ou=x", models.ScopeSubtree, "somewhere"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteReferral(tt.uri, tt.dn, tt.scope))
		})
	}
}

func TestBuildEntry(t *testing.T) {
	a := newTestAdapter(newStubBackend(nil))

	photo := []byte{0xff, 0xd8, 0xff, 0x00}
	entry, err := a.BuildEntry(result("cn=u1, dc=example",
		attr("cn", "u1"),
		attr("objectClass", "top", "person"),
		attr("jpegPhoto", photo),
		attr("x-custom", "kept"),
	))
	require.NoError(t, err)

	assert.Equal(t, "cn=u1,dc=example", entry.DN)
	assert.Equal(t, []string{"cn", "objectClass", "jpegPhoto", "x-custom"}, entry.Names())
	assert.Equal(t, []string{"top", "person"}, entry.Strings("objectClass"))

	values := entry.Values("jpegPhoto")
	require.Len(t, values, 1)
	assert.True(t, values[0].IsBinary())
	assert.Equal(t, photo, values[0].Bytes())
	assert.Equal(t, "kept", entry.First("x-custom"))
}

func TestBuildEntryRoundTrip(t *testing.T) {
	a := newTestAdapter(newStubBackend(nil))

	want := models.NewEntry("uid=jdoe,ou=people,dc=example")
	want.AddText("uid", "jdoe")
	want.AddText("objectClass", "top", "inetOrgPerson")
	want.AddValues("userCertificate", models.BinaryValue([]byte{0x30, 0x82, 0x01}))

	res := &backend.SearchResult{Name: want.DN}
	for _, at := range want.Attributes {
		values := make([]any, len(at.Values))
		for i, v := range at.Values {
			if v.IsBinary() {
				values[i] = v.Bytes()
			} else {
				s, _ := v.Text()
				values[i] = s
			}
		}
		res.Attributes = append(res.Attributes, backend.ResultAttribute{ID: at.Name, Values: values})
	}

	got, err := a.BuildEntry(res)
	require.NoError(t, err)
	assert.Equal(t, want.DN, got.DN)
	assert.Equal(t, want.Names(), got.Names())
	for _, at := range want.Attributes {
		gotValues := got.Values(at.Name)
		require.Len(t, gotValues, len(at.Values), at.Name)
		for i := range at.Values {
			assert.True(t, at.Values[i].Equal(gotValues[i]), at.Name)
			assert.Equal(t, at.Values[i].IsBinary(), gotValues[i].IsBinary(), at.Name)
		}
	}
}

func TestBuildEntryErrors(t *testing.T) {
	a := newTestAdapter(newStubBackend(nil))

	tests := []struct {
		name  string
		res   *backend.SearchResult
		field string
	}{
		{"bad dn", result("dc"), "dn"},
		{"bad attribute", result("cn=u1", attr("bad name", "x")), "attribute"},
		{"int value", result("cn=u1", attr("uidNumber", 1000)), "value"},
		{"nil value", result("cn=u1", attr("cn", nil)), "value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.BuildEntry(tt.res)
			var te *backend.TranslationError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.field, te.Field)
		})
	}
}
