package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/smarzola/ldapgate/pkg/config"
)

const (
	argon2VersionString = "argon2id"
	argon2Version       = 19 // Argon2id version

	// SchemeArgon2ID is the userPassword scheme prefix for stored hashes
	SchemeArgon2ID = "ARGON2ID"
)

// PasswordHasher handles password hashing and verification
type PasswordHasher struct {
	cfg config.Argon2Config
}

// NewPasswordHasher creates a new password hasher
func NewPasswordHasher(cfg config.Argon2Config) *PasswordHasher {
	return &PasswordHasher{cfg: cfg}
}

// Hash hashes a password using Argon2id
// Returns hash in format: {ARGON2ID}$argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func (ph *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, ph.cfg.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		ph.cfg.Iterations,
		ph.cfg.Memory,
		ph.cfg.Parallelism,
		ph.cfg.KeyLength,
	)

	return fmt.Sprintf(
		"{%s}$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		SchemeArgon2ID,
		argon2VersionString,
		argon2Version,
		ph.cfg.Memory,
		ph.cfg.Iterations,
		ph.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// argon2Params holds the cost parameters encoded in a stored hash
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// parseHash decodes the PHC string following the scheme prefix. The cost
// parameters come from the hash itself so that hashes created under an
// older configuration keep verifying.
func parseHash(encoded string) (*argon2Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("invalid hashed password format")
	}
	if parts[1] != argon2VersionString {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2Version {
		return nil, fmt.Errorf("invalid hashed password format: version %q", parts[2])
	}

	p := &argon2Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return nil, fmt.Errorf("invalid hashed password format: %w", err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	if len(p.hash) == 0 {
		return nil, fmt.Errorf("invalid hashed password format: empty hash")
	}
	return p, nil
}

// Verify verifies a password against its stored hash, with or without the
// {ARGON2ID} prefix
func (ph *PasswordHasher) Verify(password, hashedPassword string) (bool, error) {
	encoded := strings.TrimPrefix(hashedPassword, "{"+SchemeArgon2ID+"}")

	p, err := parseHash(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// ProcessPassword prepares a userPassword value for storage. Plain text is
// hashed; values already carrying the {ARGON2ID} scheme are kept after their
// structure is checked; other schemes are refused.
func (ph *PasswordHasher) ProcessPassword(password string) (string, error) {
	if !strings.HasPrefix(password, "{") {
		return ph.Hash(password)
	}

	scheme, err := extractScheme(password)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(scheme, SchemeArgon2ID) {
		return "", fmt.Errorf("unsupported password scheme: %s", scheme)
	}

	if _, err := parseHash(password[len(scheme)+2:]); err != nil {
		return "", err
	}
	return password, nil
}

// IsHashed reports whether value carries a password scheme prefix
func IsHashed(value string) bool {
	_, err := extractScheme(value)
	return err == nil
}

// extractScheme returns the scheme name of a "{SCHEME}data" value
func extractScheme(value string) (string, error) {
	if !strings.HasPrefix(value, "{") {
		return "", fmt.Errorf("missing scheme prefix")
	}
	end := strings.IndexByte(value, '}')
	if end < 0 {
		return "", fmt.Errorf("malformed scheme prefix")
	}
	return value[1:end], nil
}
