package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/smarzola/ldapgate/internal/models"
)

// VerifyPassword checks password against the userPassword values of dn.
// A missing entry or an entry without a password does not verify.
func (s *SQLiteStore) VerifyPassword(ctx context.Context, dn, password string) (bool, error) {
	entry, err := s.GetEntry(ctx, dn)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	for _, hash := range entry.Strings("userPassword") {
		ok, err := s.hasher.Verify(password, hash)
		if err != nil {
			s.logger.Debug("Stored password is not verifiable", "dn", entry.DN, "error", err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// hashPasswords replaces plain userPassword values with argon2id hashes
func (s *SQLiteStore) hashPasswords(values []models.Value) ([]models.Value, error) {
	out := make([]models.Value, len(values))
	for i, v := range values {
		text, ok := v.Text()
		if !ok {
			return nil, fmt.Errorf("userPassword must be text")
		}
		hashed, err := s.hasher.ProcessPassword(text)
		if err != nil {
			return nil, err
		}
		out[i] = models.TextValue(hashed)
	}
	return out, nil
}

func isPasswordAttribute(name string) bool {
	name, _, _ = strings.Cut(name, ";")
	return strings.EqualFold(name, "userPassword") || name == "2.5.4.35"
}
