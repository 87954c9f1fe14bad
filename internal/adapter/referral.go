package adapter

import (
	"net/url"
	"strings"

	"github.com/smarzola/ldapgate/internal/models"
)

// RewriteReferral points an LDAP URL taken from a referral entry at the
// continuation of the current search. A URL without a DN gets the referral
// entry's DN. The scope becomes base for one-level searches and subtree
// otherwise. Strings that are not LDAP URLs are returned unchanged.
func RewriteReferral(uri, entryDN string, scope models.Scope) string {
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd < 0 {
		return uri
	}
	scheme := strings.ToLower(uri[:schemeEnd])
	if scheme != "ldap" && scheme != "ldaps" && scheme != "ldapi" {
		return uri
	}

	rest := uri[schemeEnd+3:]
	hostport, path := rest, ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		hostport, path = rest[:slash], rest[slash+1:]
	}

	// dn ? attributes ? scope ? filter ? extensions
	parts := strings.SplitN(path, "?", 5)
	for len(parts) < 3 {
		parts = append(parts, "")
	}

	if parts[0] == "" {
		parts[0] = url.PathEscape(entryDN)
	}
	if scope == models.ScopeOneLevel {
		parts[2] = "base"
	} else {
		parts[2] = "sub"
	}

	return uri[:schemeEnd+3] + hostport + "/" + strings.Join(parts, "?")
}
