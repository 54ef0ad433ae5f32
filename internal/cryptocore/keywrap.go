package cryptocore

import (
	"encoding/binary"
	"fmt"

	"github.com/echolock/core/internal/corerr"
)

// wrappedKeyVersion is the serialization version of a wrapped-key blob.
const wrappedKeyVersion byte = 1

// wrappedKeyOverhead is the fixed byte count surrounding the ciphertext:
// version(1) + iterations(4) + salt(32) + iv(12) + tag(16).
const wrappedKeyOverhead = 1 + 4 + SaltSize + IVSize + TagSize

// WrapKey encrypts key under a PBKDF2-derived key so it can be persisted
// at rest. The output blob is self-describing:
// version(1) ‖ iterations(4 BE) ‖ salt(32) ‖ iv(12) ‖ tag(16) ‖ ciphertext.
// The derived wrapping key is zeroized before return.
func WrapKey(password string, key []byte, iterations int, aad []byte) ([]byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	wrapping, err := DeriveKey(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer wrapping.Zero()

	enc, err := Encrypt(wrapping.Bytes(), key, aad)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, wrappedKeyOverhead+len(enc.Ciphertext))
	blob = append(blob, wrappedKeyVersion)
	var iter [4]byte
	binary.BigEndian.PutUint32(iter[:], uint32(iterations))
	blob = append(blob, iter[:]...)
	blob = append(blob, salt...)
	blob = append(blob, enc.IV...)
	blob = append(blob, enc.Tag...)
	blob = append(blob, enc.Ciphertext...)
	return blob, nil
}

// UnwrapKey reverses WrapKey. A wrong password surfaces as
// KindDecryptAuthFail from the GCM tag check; the derived wrapping key is
// zeroized before return. The caller owns zeroizing the returned key.
func UnwrapKey(password string, blob []byte, aad []byte) ([]byte, error) {
	if len(blob) < wrappedKeyOverhead {
		return nil, corerr.New(corerr.KindInvalidInput, "wrapped key blob is truncated")
	}
	if blob[0] != wrappedKeyVersion {
		return nil, corerr.Wrap(corerr.KindUnsupportedVersion, fmt.Sprintf("unsupported wrapped key version %d", blob[0]), corerr.ErrUnsupportedVersion)
	}
	iterations := int(binary.BigEndian.Uint32(blob[1:5]))
	off := 5
	salt := blob[off : off+SaltSize]
	off += SaltSize
	iv := blob[off : off+IVSize]
	off += IVSize
	tag := blob[off : off+TagSize]
	off += TagSize
	ciphertext := blob[off:]

	wrapping, err := DeriveKey(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer wrapping.Zero()

	return Decrypt(wrapping.Bytes(), ciphertext, iv, tag, aad)
}
