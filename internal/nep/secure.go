package nep

import (
	"bytes"
	"crypto/hmac"
	"fmt"

	"firestige.xyz/nepwire/internal/core"
)

// Crypto supplies the keyed primitives used to protect a message. Keys are
// passed on every call and never retained by the codec.
type Crypto interface {
	// MAC returns a MACLen-byte keyed digest of data.
	MAC(key, data []byte) []byte
	// Encrypt enciphers data in place. len(data) is a multiple of BlockLen.
	Encrypt(key, iv, data []byte) error
	// Decrypt deciphers data in place.
	Decrypt(key, iv, data []byte) error
}

// MACBounds returns the range covered by the MAC of a message of type mt
// and total length n: everything in front of the MAC field.
func MACBounds(mt MessageType, n int) (start, length int, err error) {
	size, err := sizeOf(mt, n)
	if err != nil {
		return 0, 0, err
	}
	return 0, size - MACLen, nil
}

// CiphertextBounds returns the range that is encrypted for a message of
// type mt and total length n. HANDSHAKE_SERVER is never encrypted and
// yields an empty range.
func CiphertextBounds(mt MessageType, n int) (start, length int, err error) {
	size, err := sizeOf(mt, n)
	if err != nil {
		return 0, 0, err
	}
	lay := layouts[mt]
	if lay.cipherLen < 0 {
		return lay.cipherStart, size - MACLen - lay.cipherStart, nil
	}
	return lay.cipherStart, lay.cipherLen, nil
}

func sizeOf(mt MessageType, n int) (int, error) {
	lay, ok := layoutOf(mt)
	if !ok {
		return 0, fmt.Errorf("nep: unknown message type 0x%02x: %w", uint8(mt), core.ErrFieldViolation)
	}
	if lay.size == 0 {
		if n < EchoMinLen || n > MaxPacketLen || (n-HeaderLen-MACLen)%BlockLen != 0 {
			return 0, fmt.Errorf("nep: %s of %d bytes: %w", mt, n, core.ErrLengthMismatch)
		}
		return n, nil
	}
	if n != lay.size {
		return 0, fmt.Errorf("nep: %s must be %d bytes, got %d: %w", mt, lay.size, n, core.ErrLengthMismatch)
	}
	return n, nil
}

func (h *Header) macRegion() ([]byte, []byte, error) {
	start, n, err := MACBounds(h.MessageType(), h.length)
	if err != nil {
		return nil, nil, err
	}
	return h.buf[start : start+n], h.buf[h.length-MACLen : h.length], nil
}

// ComputeMAC writes the MAC of the covered range into the MAC field,
// overwriting any previous value.
func (h *Header) ComputeMAC(c Crypto, key []byte) error {
	covered, field, err := h.macRegion()
	if err != nil {
		return err
	}
	sum := c.MAC(key, covered)
	if len(sum) != MACLen {
		return fmt.Errorf("nep: MAC of %d bytes, want %d: %w", len(sum), MACLen, core.ErrFieldViolation)
	}
	copy(field, sum)
	return nil
}

// VerifyMAC reports whether the stored MAC matches the covered range under
// key. The message is never modified.
func (h *Header) VerifyMAC(c Crypto, key []byte) bool {
	covered, field, err := h.macRegion()
	if err != nil {
		return false
	}
	return hmac.Equal(c.MAC(key, covered), field)
}

// Authenticate is VerifyMAC reporting a mismatch as an error.
func (h *Header) Authenticate(c Crypto, key []byte) error {
	if !h.VerifyMAC(c, key) {
		return fmt.Errorf("nep: %s seq %d: %w", h.MessageType(), h.SequenceNumber(), core.ErrAuthenticationFailure)
	}
	return nil
}

// Encrypt enciphers the ciphertext range of the current message type in
// place and returns the last ciphertext block, the IV of the next message in
// the same direction. It returns a nil block when the range is empty.
func (h *Header) Encrypt(c Crypto, key, iv []byte) ([]byte, error) {
	start, n, err := CiphertextBounds(h.MessageType(), h.length)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	region := h.buf[start : start+n]
	if err := c.Encrypt(key, iv, region); err != nil {
		return nil, err
	}
	return bytes.Clone(region[n-BlockLen:]), nil
}

// Decrypt deciphers a received message whose type mt is known in advance,
// since the common header itself may be ciphertext. It returns the last
// ciphertext block seen, the IV of the next message in the same direction.
func (h *Header) Decrypt(c Crypto, key, iv []byte, mt MessageType) ([]byte, error) {
	start, n, err := CiphertextBounds(mt, h.length)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	region := h.buf[start : start+n]
	next := bytes.Clone(region[n-BlockLen:])
	if err := c.Decrypt(key, iv, region); err != nil {
		return nil, err
	}
	h.refresh()
	return next, nil
}
