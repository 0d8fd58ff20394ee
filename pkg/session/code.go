package session

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/rescp17/peerFileSharer/pkg/crypto"
)

// CodeAlphabet has no vowels and no digits that read like letters.
const CodeAlphabet = "6789BCDFGHJKLMNPQRTWbcdfghjkmnpqrtwz"

// NewCode draws n symbols uniformly from CodeAlphabet.
func NewCode(n int) (string, error) {
	limit := big.NewInt(int64(len(CodeAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = CodeAlphabet[v.Int64()]
	}
	return string(buf), nil
}

// NewKey returns a base64 encoded 32-byte transfer key.
func NewKey() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	return crypto.EncodeKey(key), nil
}
