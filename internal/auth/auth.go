// Package auth resolves client identity: external platform tickets through
// pluggable authenticators, and the salted password exchange used by
// password-protected servers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
)

// HashPassword returns the form in which server passwords are stored.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil))
}

// SaltPassword combines a password hash with the salt issued for a single
// connection attempt. Both sides compute this so the hash itself is never sent.
func SaltPassword(passwordHash string, salt int32) []byte {
	var saltBytes [4]byte
	binary.LittleEndian.PutUint32(saltBytes[:], uint32(salt))

	hash := sha256.New()
	hash.Write([]byte(passwordHash))
	hash.Write(saltBytes[:])
	return hash.Sum(nil)
}

// IsPasswordCorrect checks a client's salted response against the stored hash.
func IsPasswordCorrect(response []byte, passwordHash string, salt int32) bool {
	return subtle.ConstantTimeCompare(response, SaltPassword(passwordHash, salt)) == 1
}
