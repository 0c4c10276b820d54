// Package secret handles the hardcore-goal secrets: the one-time backup code and
// the sealed lock combination.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
)

// CodeLength is the fixed length of a backup code.
const CodeLength = 6

// Ambiguous glyphs (0/O, 1/I/L) are left out.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

var ErrSealedValue = errors.New("sealed value is corrupt")

// dummyHash is compared against when no code is stored, so a missing code costs
// the same as a wrong one.
var dummyHash = mustHash("XXXXXX")

func mustHash(code string) []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
}

// NewBackupCode returns a fresh plaintext code and its bcrypt hash.
func NewBackupCode() (code string, hash string, err error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", "", fmt.Errorf("generate backup code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	code = b.String()
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash backup code: %w", err)
	}
	return code, string(hashed), nil
}

// NormalizeCode trims, upper-cases and bounds user input to CodeLength runes.
func NormalizeCode(input string) string {
	code := strings.ToUpper(strings.TrimSpace(input))
	runes := []rune(code)
	if len(runes) > CodeLength {
		runes = runes[:CodeLength]
	}
	return string(runes)
}

// VerifyCode reports whether input matches hash. It always performs one bcrypt
// comparison.
func VerifyCode(hash, input string) bool {
	code := NormalizeCode(input)
	target := []byte(hash)
	if hash == "" {
		target = dummyHash
	}
	err := bcrypt.CompareHashAndPassword(target, []byte(code))
	return err == nil && hash != "" && len([]rune(code)) == CodeLength
}

// Sealer keeps the lock combination opaque until it is revealed.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the secretbox key from a configured secret.
func NewSealer(secret string) *Sealer {
	return &Sealer{key: sha256.Sum256([]byte(secret))}
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("seal: read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", ErrSealedValue
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedValue
	}
	return string(plain), nil
}
