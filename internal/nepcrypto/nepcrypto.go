// Package nepcrypto provides the primitives protecting NEP sessions:
// HMAC-SHA256 for authentication, AES-128-CBC for confidentiality and
// PBKDF2-SHA256 for key derivation.
package nepcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"firestige.xyz/nepwire/internal/core"
)

const (
	CipherKeyLen = 16
	MACKeyLen    = 32
	BlockLen     = aes.BlockSize

	DefaultIterations = 1000
)

// Suite implements nep.Crypto.
type Suite struct{}

func (Suite) MAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func (Suite) Encrypt(key, iv, data []byte) error {
	block, err := newBlock(key, iv, data)
	if err != nil {
		return err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, data)
	return nil
}

func (Suite) Decrypt(key, iv, data []byte) error {
	block, err := newBlock(key, iv, data)
	if err != nil {
		return err
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)
	return nil
}

func newBlock(key, iv, data []byte) (cipher.Block, error) {
	if len(iv) != BlockLen {
		return nil, fmt.Errorf("nepcrypto: iv of %d bytes: %w", len(iv), core.ErrMalformedInput)
	}
	if len(data)%BlockLen != 0 {
		return nil, fmt.Errorf("nepcrypto: %d bytes is not block aligned: %w", len(data), core.ErrLengthMismatch)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("nepcrypto: %v: %w", err, core.ErrMalformedInput)
	}
	return block, nil
}

// DeriveKey stretches passphrase into size bytes. The salt is the nonce
// material followed by label, so every key of a session differs.
func DeriveKey(passphrase string, nonces []byte, label string, iterations, size int) []byte {
	if iterations < 1 {
		iterations = DefaultIterations
	}
	salt := make([]byte, 0, len(nonces)+len(label))
	salt = append(salt, nonces...)
	salt = append(salt, label...)
	return pbkdf2.Key([]byte(passphrase), salt, iterations, size, sha256.New)
}

// Nonce reads n random bytes from r.
func Nonce(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("nepcrypto: read nonce: %w", err)
	}
	return b, nil
}
