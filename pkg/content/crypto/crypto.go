// Package crypto provides an AES-256-CBC content.Transform for encrypting
// blobs at rest.
//
// Wire format of a stored blob: a random 16-byte IV followed by the CBC
// ciphertext of the PKCS#7-padded plaintext. The key is derived from a
// passphrase with SHA-256, so the same passphrase always opens the same
// store.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/driftfs/driftfs/pkg/content"
)

// AESTransform implements content.Transform with AES-256-CBC.
type AESTransform struct {
	key []byte
}

// NewAESTransform derives a 256-bit key from the passphrase and returns a
// transform using it.
func NewAESTransform(passphrase string) (*AESTransform, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase must not be empty")
	}
	key := sha256.Sum256([]byte(passphrase))
	return &AESTransform{key: key[:]}, nil
}

// Encode encrypts plaintext, prepending the random IV.
func (t *AESTransform) Encode(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))

	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decode decrypts stored bytes produced by Encode.
func (t *AESTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < 2*aes.BlockSize || len(stored)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a valid block sequence", len(stored))
	}

	block, err := aes.NewCipher(t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	iv := stored[:aes.BlockSize]
	body := stored[aes.BlockSize:]

	padded := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, body)

	return unpad(padded, aes.BlockSize)
}

// pad applies PKCS#7 padding. The input is never empty on disk: even a
// zero-byte plaintext gains a full padding block.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding, rejecting malformed tails.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

var _ content.Transform = (*AESTransform)(nil)
