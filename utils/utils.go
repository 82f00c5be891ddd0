package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// TokenSize is the number of random bytes behind a bearer token.
const TokenSize = 32

// PairGroup returns the canonical group name shared by every message
// exchanged between a and b.
func PairGroup(a, b uint64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatUint(a, 10) + "@" + strconv.FormatUint(b, 10)
}

// RandomUserID draws a nonzero user id from the OS CSPRNG. The top bit is
// cleared so ids round-trip through a signed 64-bit sqlite INTEGER.
func RandomUserID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to read random id: %v", err)
		}
		id := binary.BigEndian.Uint64(buf[:]) &^ (1 << 63)
		if id != 0 {
			return id, nil
		}
	}
}

// NewToken generates a hex encoded bearer token.
func NewToken() (string, error) {
	secret := make([]byte, TokenSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate token: %v", err)
	}
	return hex.EncodeToString(secret), nil
}

func TokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
