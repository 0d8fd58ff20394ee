package crypto_test

import (
	"fmt"

	"github.com/rescp17/peerFileSharer/pkg/crypto"
)

// Both peers derive the same fragment cipher from the session key the
// rendezvous server handed out.
func ExampleNew() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Println(err)
		return
	}
	shared := crypto.EncodeKey(key)

	raw, _ := crypto.DecodeKey(shared)
	senderCipher, _ := crypto.New(crypto.SuiteChaCha20Poly1305, raw)
	receiverCipher, _ := crypto.New(crypto.SuiteChaCha20Poly1305, raw)

	nonce, _ := senderCipher.NewNonce()
	aad := []byte{0, 0, 0, 0, 0, 0, 0, 7}
	sealed, _ := senderCipher.Seal(nonce, []byte("fragment 7"), aad)

	plain, err := receiverCipher.Open(nonce, sealed, aad)
	fmt.Println(string(plain), err)
	// Output: fragment 7 <nil>
}
