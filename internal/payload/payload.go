// Package payload implements the AtomicPayload wire format: the canonical
// binding of every crypto component (ciphertext, IV, auth tag, salt,
// iteration count) into one blob with a SHA-256 integrity field, so a relay
// can neither selectively strip nor desynchronize its parts.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
)

// Version1 is the only AtomicPayload version currently understood.
const Version1 byte = 1

const (
	ivLen        = cryptocore.IVSize
	tagLen       = cryptocore.TagSize
	saltLen      = cryptocore.SaltSize
	integrityLen = 32 // sha256.Size
)

// AtomicPayload is the canonical binding of an AES-256-GCM ciphertext to its
// IV, auth tag, PBKDF2 salt and iteration count.
type AtomicPayload struct {
	Version    byte
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Salt       []byte
	Iterations uint32
	Integrity  []byte
}

// New builds an AtomicPayload and computes its integrity hash. ciphertext,
// iv, and authTag are typically the fields of a cryptocore.EncryptResult.
func New(ciphertext, iv, authTag, salt []byte, iterations uint32) (*AtomicPayload, error) {
	if len(iv) != ivLen {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("iv must be %d bytes", ivLen))
	}
	if len(authTag) != tagLen {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("auth tag must be %d bytes", tagLen))
	}
	if len(salt) != saltLen {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("salt must be %d bytes", saltLen))
	}
	p := &AtomicPayload{
		Version:    Version1,
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    authTag,
		Salt:       salt,
		Iterations: iterations,
	}
	p.Integrity = computeIntegrity(p)
	return p, nil
}

// iterBE encodes Iterations as big-endian for the integrity preimage.
func iterBE(iterations uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, iterations)
	return b
}

// computeIntegrity returns SHA-256(version‖ciphertext‖iv‖auth_tag‖salt‖iter_be).
func computeIntegrity(p *AtomicPayload) []byte {
	buf := make([]byte, 0, 1+len(p.Ciphertext)+ivLen+tagLen+saltLen+4)
	buf = append(buf, p.Version)
	buf = append(buf, p.Ciphertext...)
	buf = append(buf, p.IV...)
	buf = append(buf, p.AuthTag...)
	buf = append(buf, p.Salt...)
	buf = append(buf, iterBE(p.Iterations)...)
	return cryptocore.SHA256(buf)
}

// Verify recomputes the integrity hash and compares it in constant time
// against p.Integrity. Any mismatch — tampering or truncation — is
// KindIntegrityMismatch.
func (p *AtomicPayload) Verify() error {
	want := computeIntegrity(p)
	if !cryptocore.ConstantTimeEqual(want, p.Integrity) {
		return corerr.New(corerr.KindIntegrityMismatch, "atomic payload integrity check failed")
	}
	return nil
}

// MarshalBinary serializes p into its canonical fixed-field-order wire form:
// version(1) ‖ ct_len(4 BE) ‖ ciphertext ‖ iv(12) ‖ auth_tag(16) ‖ salt(32)
// ‖ iterations(4 BE) ‖ integrity(32). ct_len is not covered by the
// integrity hash (only version‖ciphertext‖... is) but is required on the
// wire because ciphertext is variable-length and must precede the
// fixed-width fields that follow it.
func (p *AtomicPayload) MarshalBinary() ([]byte, error) {
	if len(p.IV) != ivLen || len(p.AuthTag) != tagLen || len(p.Salt) != saltLen || len(p.Integrity) != integrityLen {
		return nil, corerr.New(corerr.KindInvalidInput, "atomic payload has malformed field widths")
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(p.Version)
	ctLen := make([]byte, 4)
	binary.BigEndian.PutUint32(ctLen, uint32(len(p.Ciphertext)))
	buf.Write(ctLen)
	buf.Write(p.Ciphertext)
	buf.Write(p.IV)
	buf.Write(p.AuthTag)
	buf.Write(p.Salt)
	buf.Write(iterBE(p.Iterations))
	buf.Write(p.Integrity)
	return buf.Bytes(), nil
}

// UnmarshalBinary parses the canonical wire form produced by MarshalBinary.
// Any missing or truncated field is rejected; callers MUST call Verify
// separately to check the integrity hash (UnmarshalBinary only checks
// structural well-formedness).
func UnmarshalBinary(data []byte) (*AtomicPayload, error) {
	const headerLen = 1 + 4 // version + ct_len
	if len(data) < headerLen {
		return nil, corerr.New(corerr.KindInvalidInput, "atomic payload truncated before header")
	}
	version := data[0]
	if version != Version1 {
		return nil, corerr.Wrap(corerr.KindUnsupportedVersion, fmt.Sprintf("unsupported atomic payload version %d", version), corerr.ErrUnsupportedVersion)
	}
	ctLen := int(binary.BigEndian.Uint32(data[1:5]))
	off := headerLen
	tailLen := ctLen + ivLen + tagLen + saltLen + 4 + integrityLen
	if len(data) < off+tailLen {
		return nil, corerr.New(corerr.KindInvalidInput, "atomic payload truncated before fixed fields")
	}
	if len(data) != off+tailLen {
		return nil, corerr.New(corerr.KindInvalidInput, "atomic payload has trailing garbage")
	}

	ciphertext := data[off : off+ctLen]
	off += ctLen
	iv := data[off : off+ivLen]
	off += ivLen
	authTag := data[off : off+tagLen]
	off += tagLen
	salt := data[off : off+saltLen]
	off += saltLen
	iterations := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	integrity := data[off : off+integrityLen]

	return &AtomicPayload{
		Version:    version,
		Ciphertext: append([]byte{}, ciphertext...),
		IV:         append([]byte{}, iv...),
		AuthTag:    append([]byte{}, authTag...),
		Salt:       append([]byte{}, salt...),
		Iterations: iterations,
		Integrity:  append([]byte{}, integrity...),
	}, nil
}
