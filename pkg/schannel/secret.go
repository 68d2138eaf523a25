package schannel

import (
	"crypto/rand"
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// secretSize is the size of the machine secret: an MD4 digest.
const secretSize = 16

// ntOWF computes the NT one-way function of a password: MD4 over the
// UTF-16LE encoding. This is the machine secret the channel is keyed by.
func ntOWF(password string) []byte {
	enc := utf16.Encode([]rune(password))
	buf := make([]byte, len(enc)*2)
	for i, u := range enc {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}

	h := md4.New()
	h.Write(buf)
	return h.Sum(nil)
}

// randomNonce draws a fresh 8-byte challenge seed. Each challenge round uses
// its own seed; a retry never reuses the previous one.
func randomNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}
