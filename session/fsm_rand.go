package session

import "crypto/rand"

const nonceSize = 16

// cryptoRandomNonce produces the client's random_nonce for the hello
// pack (spec §4.4 Handshaking), the same crypto/rand source the
// original transport used for its handshake nonces.
func cryptoRandomNonce() []byte {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return b
}
