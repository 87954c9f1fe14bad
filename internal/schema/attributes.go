package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/smarzola/ldapgate/internal/models"
)

var (
	// ErrUndefinedAttribute is returned by Resolve for unknown attribute types
	ErrUndefinedAttribute = errors.New("undefined attribute type")
	// ErrInvalidDescription is returned for strings that are not attribute descriptions
	ErrInvalidDescription = errors.New("invalid attribute description")
)

// AttributeType describes one attribute type known to the server
type AttributeType struct {
	OID         string
	Name        string
	Aliases     []string
	Definition  string // RFC 4512 attributeTypes value
	Operational bool
	Binary      bool
	Undefined   bool
}

// Description is a resolved attribute description: a type plus options
// such as ";binary" or ";lang-en"
type Description struct {
	Type    *AttributeType
	Options []string
}

// String renders the canonical type name with the options as supplied
func (d Description) String() string {
	if len(d.Options) == 0 {
		return d.Type.Name
	}
	return d.Type.Name + ";" + strings.Join(d.Options, ";")
}

// Registry resolves attribute descriptions to types. Unknown names resolve
// to an undefined type instead of failing.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]*AttributeType
	undefined map[string]*AttributeType
}

// NewRegistry creates a registry holding the core attribute types
func NewRegistry() *Registry {
	r := &Registry{
		types:     make(map[string]*AttributeType),
		undefined: make(map[string]*AttributeType),
	}
	for _, at := range coreAttributeTypes {
		r.Register(at)
	}
	return r
}

// Register adds an attribute type under its name, aliases and OID
func (r *Registry) Register(at *AttributeType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[strings.ToLower(at.Name)] = at
	for _, alias := range at.Aliases {
		r.types[strings.ToLower(alias)] = at
	}
	if at.OID != "" {
		r.types[at.OID] = at
	}
}

// Resolve looks up a known attribute type
func (r *Registry) Resolve(desc string) (Description, error) {
	name, options, err := splitDescription(desc)
	if err != nil {
		return Description{}, err
	}

	r.mu.RLock()
	at, ok := r.types[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return Description{}, fmt.Errorf("%w: %s", ErrUndefinedAttribute, name)
	}
	return Description{Type: at, Options: options}, nil
}

// ResolveOrUndefined resolves a description, falling back to an undefined
// attribute type for unknown names. It only fails when desc is not a
// syntactically valid attribute description.
func (r *Registry) ResolveOrUndefined(desc string) (Description, error) {
	d, err := r.Resolve(desc)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrUndefinedAttribute) {
		return Description{}, err
	}

	name, options, _ := splitDescription(desc)
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.undefined[key]
	if !ok {
		at = &AttributeType{Name: name, Undefined: true}
		r.undefined[key] = at
	}
	return Description{Type: at, Options: options}, nil
}

// IsOperational reports whether name is a known operational attribute
func (r *Registry) IsOperational(name string) bool {
	d, err := r.Resolve(name)
	return err == nil && d.Type.Operational
}

// ValidDescription reports whether s is an RFC 4512 attribute description
func ValidDescription(s string) bool {
	_, _, err := splitDescription(s)
	return err == nil
}

func splitDescription(desc string) (string, []string, error) {
	parts := strings.Split(strings.TrimSpace(desc), ";")
	name := parts[0]
	if !isKeystring(name) && !isNumericOID(name) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidDescription, desc)
	}
	options := parts[1:]
	for _, opt := range options {
		if !isOption(opt) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidDescription, desc)
		}
	}
	return name, options, nil
}

// keystring = leadkeychar *keychar
func isKeystring(s string) bool {
	if s == "" || !isAlpha(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlpha(s[i]) && !isDigit(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

func isOption(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlpha(s[i]) && !isDigit(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

func isNumericOID(s string) bool {
	if s == "" {
		return false
	}
	for _, arc := range strings.Split(s, ".") {
		if arc == "" || (len(arc) > 1 && arc[0] == '0') {
			return false
		}
		for i := 0; i < len(arc); i++ {
			if !isDigit(arc[i]) {
				return false
			}
		}
	}
	return true
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// SubschemaDN is the DN the subschema entry is published under
const SubschemaDN = "cn=Subschema"

// Subschema renders the subschema subentry
func (r *Registry) Subschema() *models.Entry {
	entry := models.NewEntry(SubschemaDN)
	entry.AddText("objectClass", "top", "subschema")
	entry.AddText("cn", "Subschema")
	entry.AddText("objectClasses", objectClassDefinitions...)

	r.mu.RLock()
	seen := make(map[*AttributeType]bool)
	var defs []string
	for _, at := range coreAttributeTypes {
		if registered, ok := r.types[strings.ToLower(at.Name)]; ok && !seen[registered] {
			seen[registered] = true
			defs = append(defs, registered.Definition)
		}
	}
	for key, at := range r.types {
		if !seen[at] && key == strings.ToLower(at.Name) && at.Definition != "" {
			seen[at] = true
			defs = append(defs, at.Definition)
		}
	}
	r.mu.RUnlock()

	entry.AddText("attributeTypes", defs...)
	return entry
}

var coreAttributeTypes = []*AttributeType{
	{OID: "2.5.4.0", Name: "objectClass", Definition: "( 2.5.4.0 NAME 'objectClass' DESC 'RFC2256: object classes of the entity' EQUALITY objectIdentifierMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 )"},
	{OID: "2.5.4.41", Name: "name", Definition: "( 2.5.4.41 NAME 'name' DESC 'RFC2256: common supertype of name attributes' EQUALITY caseIgnoreMatch SUBSTR caseIgnoreSubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15{32768} )"},
	{OID: "2.5.4.3", Name: "cn", Aliases: []string{"commonName"}, Definition: "( 2.5.4.3 NAME ( 'cn' 'commonName' ) SUP name DESC 'RFC2256: common name(s) for which the entity is known by' )"},
	{OID: "2.5.4.4", Name: "sn", Aliases: []string{"surname"}, Definition: "( 2.5.4.4 NAME ( 'sn' 'surname' ) SUP name DESC 'RFC2256: last (family) name(s) for which the entity is known by' )"},
	{OID: "2.5.4.42", Name: "givenName", Aliases: []string{"gn"}, Definition: "( 2.5.4.42 NAME ( 'givenName' 'gn' ) SUP name DESC 'RFC2256: first name(s) for which the entity is known by' )"},
	{OID: "2.16.840.1.113730.3.1.241", Name: "displayName", Definition: "( 2.16.840.1.113730.3.1.241 NAME 'displayName' DESC 'RFC2798: preferred name to be used when displaying entries' EQUALITY caseIgnoreMatch SUBSTR caseIgnoreSubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 SINGLE-VALUE )"},
	{OID: "2.5.4.13", Name: "description", Definition: "( 2.5.4.13 NAME 'description' DESC 'RFC2256: descriptive information' EQUALITY caseIgnoreMatch SUBSTR caseIgnoreSubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15{1024} )"},
	{OID: "0.9.2342.19200300.100.1.1", Name: "uid", Aliases: []string{"userid"}, Definition: "( 0.9.2342.19200300.100.1.1 NAME ( 'uid' 'userid' ) DESC 'RFC1274: user identifier' EQUALITY caseIgnoreMatch SUBSTR caseIgnoreSubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15{256} )"},
	{OID: "0.9.2342.19200300.100.1.3", Name: "mail", Aliases: []string{"rfc822Mailbox"}, Definition: "( 0.9.2342.19200300.100.1.3 NAME ( 'mail' 'rfc822Mailbox' ) DESC 'RFC1274: RFC822 Mailbox' EQUALITY caseIgnoreIA5Match SUBSTR caseIgnoreIA5SubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.26{256} )"},
	{OID: "2.5.4.35", Name: "userPassword", Binary: true, Definition: "( 2.5.4.35 NAME 'userPassword' DESC 'RFC2256/2307: password of user' EQUALITY octetStringMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.40{128} )"},
	{OID: "2.5.4.49", Name: "distinguishedName", Definition: "( 2.5.4.49 NAME 'distinguishedName' DESC 'RFC2256: common supertype of DN attributes' EQUALITY distinguishedNameMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )"},
	{OID: "2.5.4.31", Name: "member", Definition: "( 2.5.4.31 NAME 'member' DESC 'RFC2256: member of a group' SUP distinguishedName )"},
	{OID: "2.5.4.32", Name: "owner", Definition: "( 2.5.4.32 NAME 'owner' DESC 'RFC2256: owner (of the object)' SUP distinguishedName )"},
	{OID: "2.5.4.34", Name: "seeAlso", Definition: "( 2.5.4.34 NAME 'seeAlso' DESC 'RFC2256: DN of related object' SUP distinguishedName )"},
	{OID: "2.5.4.11", Name: "ou", Aliases: []string{"organizationalUnitName"}, Definition: "( 2.5.4.11 NAME ( 'ou' 'organizationalUnitName' ) SUP name DESC 'RFC2256: organizational unit this object belongs to' )"},
	{OID: "2.5.4.10", Name: "o", Aliases: []string{"organizationName"}, Definition: "( 2.5.4.10 NAME ( 'o' 'organizationName' ) SUP name DESC 'RFC2256: organization this object belongs to' )"},
	{OID: "0.9.2342.19200300.100.1.25", Name: "dc", Aliases: []string{"domainComponent"}, Definition: "( 0.9.2342.19200300.100.1.25 NAME ( 'dc' 'domainComponent' ) DESC 'RFC1274/2247: domain component' EQUALITY caseIgnoreIA5Match SUBSTR caseIgnoreIA5SubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.26 SINGLE-VALUE )"},
	{OID: "2.5.4.20", Name: "telephoneNumber", Definition: "( 2.5.4.20 NAME 'telephoneNumber' DESC 'RFC2256: Telephone Number' EQUALITY telephoneNumberMatch SUBSTR telephoneNumberSubstringsMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.50{32} )"},
	{OID: "0.9.2342.19200300.100.1.60", Name: "jpegPhoto", Binary: true, Definition: "( 0.9.2342.19200300.100.1.60 NAME 'jpegPhoto' DESC 'RFC2798: a JPEG image' SYNTAX 1.3.6.1.4.1.1466.115.121.1.28 )"},
	{OID: "2.5.4.36", Name: "userCertificate", Binary: true, Definition: "( 2.5.4.36 NAME 'userCertificate' DESC 'RFC2256: X.509 user certificate, use ;binary' EQUALITY certificateExactMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.8 )"},
	{OID: "2.16.840.1.113730.3.1.34", Name: "ref", Definition: "( 2.16.840.1.113730.3.1.34 NAME 'ref' DESC 'RFC3296: subordinate referral URL' EQUALITY caseExactMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 USAGE distributedOperation )"},
	{OID: "1.2.840.113556.1.2.102", Name: "memberOf", Operational: true, Definition: "( 1.2.840.113556.1.2.102 NAME 'memberOf' DESC 'RFC2307bis: Groups to which the entry belongs' EQUALITY distinguishedNameMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 NO-USER-MODIFICATION USAGE directoryOperation )"},
	{OID: "2.5.18.1", Name: "createTimestamp", Operational: true, Definition: "( 2.5.18.1 NAME 'createTimestamp' DESC 'RFC4512: time which object was created' EQUALITY generalizedTimeMatch ORDERING generalizedTimeOrderingMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.24 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )"},
	{OID: "2.5.18.2", Name: "modifyTimestamp", Operational: true, Definition: "( 2.5.18.2 NAME 'modifyTimestamp' DESC 'RFC4512: time which object was last modified' EQUALITY generalizedTimeMatch ORDERING generalizedTimeOrderingMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.24 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )"},
	{OID: "1.3.6.1.1.20", Name: "entryDN", Operational: true, Definition: "( 1.3.6.1.1.20 NAME 'entryDN' DESC 'DN of the entry' EQUALITY distinguishedNameMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )"},
	{OID: "2.5.18.9", Name: "hasSubordinates", Operational: true, Definition: "( 2.5.18.9 NAME 'hasSubordinates' DESC 'X.501: entry has children' EQUALITY booleanMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.7 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )"},
	{OID: "2.5.18.10", Name: "subschemaSubentry", Operational: true, Definition: "( 2.5.18.10 NAME 'subschemaSubentry' DESC 'RFC4512: name of controlling subschema entry' EQUALITY distinguishedNameMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )"},
}

var objectClassDefinitions = []string{
	"( 2.5.6.0 NAME 'top' DESC 'top of the superclass chain' ABSTRACT MUST objectClass )",
	"( 2.5.6.6 NAME 'person' DESC 'RFC2256: a person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY ( userPassword $ telephoneNumber $ seeAlso $ description ) )",
	"( 2.5.6.7 NAME 'organizationalPerson' DESC 'RFC2256: an organizational person' SUP person STRUCTURAL MAY ( title $ telephoneNumber $ ou $ st $ l ) )",
	"( 2.16.840.1.113730.3.2.2 NAME 'inetOrgPerson' DESC 'RFC2798: Internet Organizational Person' SUP organizationalPerson STRUCTURAL MAY ( displayName $ givenName $ jpegPhoto $ mail $ o $ uid $ userCertificate ) )",
	"( 2.5.6.9 NAME 'groupOfNames' DESC 'RFC2256: a group of names (DNs)' SUP top STRUCTURAL MUST ( member $ cn ) MAY ( seeAlso $ owner $ ou $ o $ description ) )",
	"( 2.5.6.5 NAME 'organizationalUnit' DESC 'RFC2256: an organizational unit' SUP top STRUCTURAL MUST ou MAY ( userPassword $ seeAlso $ telephoneNumber $ description ) )",
	"( 2.5.6.4 NAME 'organization' DESC 'RFC2256: an organization' SUP top STRUCTURAL MUST o MAY ( userPassword $ seeAlso $ telephoneNumber $ description ) )",
	"( 1.3.6.1.4.1.1466.344 NAME 'dcObject' DESC 'RFC2247: domain component object' SUP top AUXILIARY MUST dc )",
	"( 2.16.840.1.113730.3.2.6 NAME 'referral' DESC 'namedref: named subordinate referral' SUP top STRUCTURAL MUST ref )",
	"( 1.3.6.1.4.1.1466.101.120.111 NAME 'extensibleObject' DESC 'RFC4512: extensible object' SUP top AUXILIARY )",
}
