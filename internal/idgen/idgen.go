package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RequestPrefix = "REQ_"

	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	randomLength   = 6
)

// NewRequestID returns REQ_ followed by the base36 creation time and a
// random base36 suffix, e.g. REQ_M7Q2K1ZX_4F0A9C.
func NewRequestID(now time.Time) string {
	stamp := strconv.FormatInt(now.UnixMilli(), 36)
	id := uuid.New()
	return RequestPrefix + strings.ToUpper(stamp+"_"+encodeBase36(id[:], randomLength))
}

// NewSecretCode returns a random 4-digit code in 1000..9999.
func NewSecretCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("generate secret code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+1000, 10), nil
}

// encodeBase36 keeps the least significant length digits of data in base36.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	mod := new(big.Int)

	chars := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		num.DivMod(num, base, mod)
		chars[i] = base36Alphabet[mod.Int64()]
	}
	return string(chars)
}
