package mac

import (
	"crypto/hmac"
	"crypto/sha256"
)

const Size = sha256.Size

// Sum returns HMAC-SHA256(key, message).
func Sum(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// Verify reports whether tag is the MAC of message under key, in constant time.
func Verify(key, message, tag []byte) bool {
	return hmac.Equal(Sum(key, message), tag)
}
