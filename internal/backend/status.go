package backend

import "fmt"

// StatusCode is an LDAP result code as returned by a backend on the normal
// (non-error) path. Values match RFC 4511.
type StatusCode int

const (
	Success                      StatusCode = 0
	OperationsError              StatusCode = 1
	ProtocolError                StatusCode = 2
	TimeLimitExceeded            StatusCode = 3
	SizeLimitExceeded            StatusCode = 4
	CompareFalse                 StatusCode = 5
	CompareTrue                  StatusCode = 6
	AuthMethodNotSupported       StatusCode = 7
	Referral                     StatusCode = 10
	AdminLimitExceeded           StatusCode = 11
	UnavailableCriticalExtension StatusCode = 12
	ConfidentialityRequired      StatusCode = 13
	NoSuchAttribute              StatusCode = 16
	UndefinedAttributeType       StatusCode = 17
	InappropriateMatching        StatusCode = 18
	ConstraintViolation          StatusCode = 19
	AttributeOrValueExists       StatusCode = 20
	InvalidAttributeSyntax       StatusCode = 21
	NoSuchObject                 StatusCode = 32
	InvalidDNSyntax              StatusCode = 34
	InappropriateAuthentication  StatusCode = 48
	InvalidCredentials           StatusCode = 49
	InsufficientAccessRights     StatusCode = 50
	Busy                         StatusCode = 51
	Unavailable                  StatusCode = 52
	UnwillingToPerform           StatusCode = 53
	NamingViolation              StatusCode = 64
	ObjectClassViolation         StatusCode = 65
	NotAllowedOnNonLeaf          StatusCode = 66
	NotAllowedOnRDN              StatusCode = 67
	EntryAlreadyExists           StatusCode = 68
	ObjectClassModsProhibited    StatusCode = 69
	AffectsMultipleDSAs          StatusCode = 71
	Other                        StatusCode = 80
)

var statusNames = map[StatusCode]string{
	Success:                      "success",
	OperationsError:              "operationsError",
	ProtocolError:                "protocolError",
	TimeLimitExceeded:            "timeLimitExceeded",
	SizeLimitExceeded:            "sizeLimitExceeded",
	CompareFalse:                 "compareFalse",
	CompareTrue:                  "compareTrue",
	AuthMethodNotSupported:       "authMethodNotSupported",
	Referral:                     "referral",
	AdminLimitExceeded:           "adminLimitExceeded",
	UnavailableCriticalExtension: "unavailableCriticalExtension",
	ConfidentialityRequired:      "confidentialityRequired",
	NoSuchAttribute:              "noSuchAttribute",
	UndefinedAttributeType:       "undefinedAttributeType",
	InappropriateMatching:        "inappropriateMatching",
	ConstraintViolation:          "constraintViolation",
	AttributeOrValueExists:       "attributeOrValueExists",
	InvalidAttributeSyntax:       "invalidAttributeSyntax",
	NoSuchObject:                 "noSuchObject",
	InvalidDNSyntax:              "invalidDNSyntax",
	InappropriateAuthentication:  "inappropriateAuthentication",
	InvalidCredentials:           "invalidCredentials",
	InsufficientAccessRights:     "insufficientAccessRights",
	Busy:                         "busy",
	Unavailable:                  "unavailable",
	UnwillingToPerform:           "unwillingToPerform",
	NamingViolation:              "namingViolation",
	ObjectClassViolation:         "objectClassViolation",
	NotAllowedOnNonLeaf:          "notAllowedOnNonLeaf",
	NotAllowedOnRDN:              "notAllowedOnRDN",
	EntryAlreadyExists:           "entryAlreadyExists",
	ObjectClassModsProhibited:    "objectClassModsProhibited",
	AffectsMultipleDSAs:          "affectsMultipleDSAs",
	Other:                        "other",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("resultCode(%d)", int(c))
}
