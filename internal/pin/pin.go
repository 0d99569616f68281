// Package pin implements Argon2id PIN verification for secret sessions.
//
// A PIN is never stored. What is stored is an encoded verifier string
// carrying the Argon2id parameters, the salt, and the derived key:
//
//	$argon2id$v=19$m=65536,t=2,p=2$<base64 salt>$<base64 key>
//
// Verification derives a key from the presented PIN with the parameters
// taken from the verifier and compares it in constant time.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrMalformed indicates an encoded verifier that does not parse.
	ErrMalformed = errors.New("malformed pin verifier")

	// ErrUnsupportedVersion indicates a verifier written by an
	// incompatible argon2 version.
	ErrUnsupportedVersion = errors.New("unsupported argon2 version")
)

const (
	saltLen = 16
	keyLen  = 32
)

// Params are the Argon2id cost parameters used when hashing a PIN.
type Params struct {
	// Time is the number of passes over memory.
	Time uint32

	// MemoryKiB is the memory cost in KiB.
	MemoryKiB uint32

	// Parallelism is the number of threads.
	Parallelism uint8
}

// DefaultParams returns moderate interactive-use parameters.
func DefaultParams() Params {
	return Params{Time: 2, MemoryKiB: 64 * 1024, Parallelism: 2}
}

// normalize fills zero fields with their defaults.
func (p Params) normalize() Params {
	def := DefaultParams()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = def.MemoryKiB
	}
	if p.Parallelism == 0 {
		p.Parallelism = def.Parallelism
	}
	return p
}

// Hash derives an encoded verifier for the given PIN. The salt is drawn
// from crypto/rand, so two calls with the same PIN produce different
// verifiers.
func Hash(pinText string, p Params) (string, error) {
	if pinText == "" {
		return "", errors.New("empty pin")
	}
	p = p.normalize()

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(pinText), salt, p.Time, p.MemoryKiB, p.Parallelism, keyLen)
	encoded := encode(p, salt, key)
	Wipe(key)
	return encoded, nil
}

// Verify reports whether pinText matches the encoded verifier. The
// derived key comparison is constant time. Derived material is wiped
// before returning.
func Verify(pinText, encoded string) (bool, error) {
	p, salt, key, err := decode(encoded)
	if err != nil {
		return false, err
	}

	derived := argon2.IDKey([]byte(pinText), salt, p.Time, p.MemoryKiB, p.Parallelism, uint32(len(key)))
	match := subtle.ConstantTimeCompare(derived, key) == 1
	Wipe(derived)
	Wipe(key)
	return match, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func encode(p Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrMalformed
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, ErrMalformed
	}
	if version != argon2.Version {
		return Params{}, nil, nil, ErrUnsupportedVersion
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrMalformed
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 {
		return Params{}, nil, nil, ErrMalformed
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Params{}, nil, nil, ErrMalformed
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, ErrMalformed
	}

	return p, salt, key, nil
}
