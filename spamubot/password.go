package spamubot

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2idPrefix = "$argon2id$"
	saltLength     = 16
)

var errInvalidHash = errors.New("invalid hash format")

// argon2Params are the cost settings stored alongside each hash, so
// stored hashes stay valid if the defaults change
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultArgon2Params = argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// encode renders a PHC string:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func (p argon2Params) encode(salt, key []byte) string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf(
		"%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix, argon2.Version,
		p.Memory, p.Time, p.Threads,
		enc.EncodeToString(salt), enc.EncodeToString(key),
	)
}

// decodeHash parses a string produced by argon2Params.encode
func decodeHash(encoded string) (argon2Params, []byte, []byte, error) {
	var p argon2Params
	if !isPasswordHash(encoded) {
		return p, nil, nil, errInvalidHash
	}
	fields := strings.Split(strings.TrimPrefix(encoded, argon2idPrefix), "$")
	if len(fields) != 4 {
		return p, nil, nil, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil {
		return p, nil, nil, errInvalidHash
	}
	if _, err := fmt.Sscanf(
		fields[1], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads,
	); err != nil {
		return p, nil, nil, errInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[3])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidHash)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// isPasswordHash reports whether s looks like a hash produced by HashPassword
func isPasswordHash(s string) bool {
	return strings.HasPrefix(s, argon2idPrefix)
}

// HashPassword hashes a password with argon2id and a random salt. The
// result is what `spamubot hash-password` prints, and what api.password
// accepts in place of the plain text.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultArgon2Params
	return p.encode(salt, p.key(password, salt)), nil
}

// VerifyPassword reports whether password matches storedHash. An error
// is returned only if storedHash can't be parsed.
func VerifyPassword(storedHash, password string) (bool, error) {
	p, salt, want, err := decodeHash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, p.key(password, salt)) == 1, nil
}

// constantTimeEqual compares two tokens in constant time. Empty tokens
// never match.
func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
