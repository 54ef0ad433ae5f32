package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/echolock/core/internal/corerr"
	"golang.org/x/crypto/pbkdf2"
)

// MinPBKDF2Iterations is the minimum accepted PBKDF2 iteration count.
const MinPBKDF2Iterations = 600_000

const (
	KeySize  = 32 // AES-256
	SaltSize = 32
	IVSize   = 12
	TagSize  = 16
)

// DeriveKey derives a 32-byte AES-256 key from password and salt via
// PBKDF2-HMAC-SHA256. Empty passwords are rejected.
func DeriveKey(password string, salt []byte, iterations int) (*Secret, error) {
	if password == "" {
		return nil, corerr.New(corerr.KindInvalidInput, "password must not be empty")
	}
	if len(salt) != SaltSize {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("salt must be %d bytes", SaltSize))
	}
	if iterations < MinPBKDF2Iterations {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("iterations must be >= %d", MinPBKDF2Iterations))
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256New)
	return NewSecret(key), nil
}

// NewSalt returns a fresh random salt suitable for DeriveKey.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// NewIV returns a fresh random 12-byte GCM nonce. Called exactly once per
// encryption so IV reuse under a given key is structurally impossible —
// the atomic payload always carries its own freshly generated IV.
func NewIV() ([]byte, error) {
	return randomBytes(IVSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to read random bytes", err)
	}
	return b, nil
}

// EncryptResult holds the components of an AES-256-GCM encryption, split
// apart because the atomic payload (internal/payload) binds them with its
// own canonical framing rather than using Go's append-tag-to-ciphertext
// convention.
type EncryptResult struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encrypt performs AES-256-GCM encryption of plaintext under key, with an
// optional associated-data binding (e.g. the switch id). The same aad MUST
// be passed to Decrypt.
func Encrypt(key, plaintext, aad []byte) (*EncryptResult, error) {
	if len(key) != KeySize {
		return nil, corerr.New(corerr.KindInvalidInput, "key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to create GCM", err)
	}
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return &EncryptResult{Ciphertext: ct, IV: iv, Tag: tag}, nil
}

// Decrypt performs AES-256-GCM decryption. Tag mismatch (wrong password or
// tampered ciphertext) surfaces as corerr.KindDecryptAuthFail with no
// partial plaintext returned.
func Decrypt(key, ciphertext, iv, tag, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, corerr.New(corerr.KindInvalidInput, "key must be 32 bytes")
	}
	if len(iv) != IVSize {
		return nil, corerr.New(corerr.KindInvalidInput, "iv must be 12 bytes")
	}
	if len(tag) != TagSize {
		return nil, corerr.New(corerr.KindInvalidInput, "tag must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to create GCM", err)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		log.Debugf("aesgcm: auth tag mismatch on decrypt")
		return nil, corerr.Wrap(corerr.KindDecryptAuthFail, "authentication tag mismatch", err)
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
