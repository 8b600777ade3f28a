package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NewKey makes a random 32-byte symmetric key.
func NewKey() ([32]byte, error) {
	var key [32]byte
	if _, err := io.ReadFull(crypto_rand.Reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// EncryptWithKey seals msg with a random nonce prepended to the ciphertext.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce := enc[:chacha20poly1305.NonceSizeX]
	return cipher.Open(nil, nonce, enc[chacha20poly1305.NonceSizeX:], ad)
}
