package session

import (
	"bytes"

	"firestige.xyz/nepwire/internal/nepcrypto"
)

// Key derivation labels, one per key and direction.
const (
	labelMACC2S    = "NEPkey-mac-c2s"
	labelMACS2C    = "NEPkey-mac-s2c"
	labelCipherC2S = "NEPkey-cipher-c2s"
	labelCipherS2C = "NEPkey-cipher-s2c"
)

// Keys holds one generation of session keys. c2s protects client to
// server traffic, s2c the reverse.
type Keys struct {
	MACC2S    []byte
	MACS2C    []byte
	CipherC2S []byte
	CipherS2C []byte
}

// DeriveKeys stretches passphrase over the nonce material: the server nonce
// for the initial generation, server nonce followed by client nonce for the
// final one.
func DeriveKeys(passphrase string, nonces []byte, iterations int) Keys {
	return Keys{
		MACC2S:    nepcrypto.DeriveKey(passphrase, nonces, labelMACC2S, iterations, nepcrypto.MACKeyLen),
		MACS2C:    nepcrypto.DeriveKey(passphrase, nonces, labelMACS2C, iterations, nepcrypto.MACKeyLen),
		CipherC2S: nepcrypto.DeriveKey(passphrase, nonces, labelCipherC2S, iterations, nepcrypto.CipherKeyLen),
		CipherS2C: nepcrypto.DeriveKey(passphrase, nonces, labelCipherS2C, iterations, nepcrypto.CipherKeyLen),
	}
}

// FinalNonces concatenates the nonces the final keys are derived from.
func FinalNonces(serverNonce, clientNonce []byte) []byte {
	return append(bytes.Clone(serverNonce), clientNonce...)
}

// InitialIVs returns the first IV of each direction.
func InitialIVs(serverNonce, clientNonce []byte) (c2s, s2c []byte) {
	return bytes.Clone(serverNonce[:nepcrypto.BlockLen]), bytes.Clone(clientNonce[:nepcrypto.BlockLen])
}
