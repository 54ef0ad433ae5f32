package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

func sha256New() hash.Hash {
	return sha256.New()
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// SHA256 computes SHA-256(data).
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
