package utils

import (
	cryptoRand "crypto/rand"
	"encoding/hex"
)

// TokenHex returns n random bytes, hex encoded.
func TokenHex(n int) string {
	b := make([]byte, n)
	if _, err := cryptoRand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
