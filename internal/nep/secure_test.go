package nep

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/nepcrypto"
)

var (
	testMACKey    = bytes.Repeat([]byte{0x42}, 32)
	testCipherKey = bytes.Repeat([]byte{0x17}, 16)
	testIV        = bytes.Repeat([]byte{0x99}, 16)
)

func TestBounds(t *testing.T) {
	tests := []struct {
		mt                 MessageType
		n                  int
		macLen             int
		cipherOff, cipherN int
	}{
		{HandshakeServer, 96, 64, 0, 0},
		{HandshakeClient, 144, 112, 80, 32},
		{HandshakeFinal, 112, 80, 48, 32},
		{PacketSpec, 160, 128, 0, 128},
		{Ready, 48, 16, 0, 16},
		{Echo, 96, 64, 0, 64},
		{Error, 128, 96, 0, 96},
	}
	for _, tt := range tests {
		start, n, err := MACBounds(tt.mt, tt.n)
		if err != nil || start != 0 || n != tt.macLen {
			t.Errorf("%s MAC bounds: %d,%d,%v", tt.mt, start, n, err)
		}
		start, n, err = CiphertextBounds(tt.mt, tt.n)
		if err != nil || start != tt.cipherOff || n != tt.cipherN {
			t.Errorf("%s cipher bounds: %d,%d,%v", tt.mt, start, n, err)
		}
		if n%BlockLen != 0 || start+n > tt.n-MACLen {
			t.Errorf("%s cipher range not block aligned or overlaps MAC", tt.mt)
		}
	}
	if _, _, err := MACBounds(Ready, 64); !errors.Is(err, core.ErrLengthMismatch) {
		t.Errorf("wrong size: %v", err)
	}
	if _, _, err := CiphertextBounds(Echo, 70); !errors.Is(err, core.ErrLengthMismatch) {
		t.Errorf("unaligned echo: %v", err)
	}
}

func TestMACBinding(t *testing.T) {
	var c nepcrypto.Suite
	h := mustMessage(t, Error)
	h.SetErrorMessage("bad spec")
	if err := h.ComputeMAC(c, testMACKey); err != nil {
		t.Fatal(err)
	}
	if !h.VerifyMAC(c, testMACKey) {
		t.Fatal("fresh MAC does not verify")
	}
	if h.VerifyMAC(c, bytes.Repeat([]byte{1}, 32)) {
		t.Error("MAC verified under a different key")
	}
	if err := h.Authenticate(c, bytes.Repeat([]byte{1}, 32)); !errors.Is(err, core.ErrAuthenticationFailure) {
		t.Errorf("expected ErrAuthenticationFailure, got %v", err)
	}

	before := bytes.Clone(h.Bytes())
	h.buf[20] ^= 0x01
	if h.VerifyMAC(c, testMACKey) {
		t.Error("MAC verified after covered byte changed")
	}
	h.buf[20] ^= 0x01
	h.VerifyMAC(c, testMACKey)
	if !bytes.Equal(before, h.Bytes()) {
		t.Error("VerifyMAC modified the message")
	}

	// recompute overwrites the old value
	h.SetSequenceNumber(2)
	if err := h.ComputeMAC(c, testMACKey); err != nil || !h.VerifyMAC(c, testMACKey) {
		t.Errorf("recomputed MAC: %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	var c nepcrypto.Suite
	for _, mt := range []MessageType{HandshakeClient, HandshakeFinal, PacketSpec, Ready, Echo, Error} {
		t.Run(mt.String(), func(t *testing.T) {
			h := mustMessage(t, mt)
			switch mt {
			case HandshakeClient, HandshakeFinal:
				h.SetPartnerAddress(netipMust("198.51.100.1"))
			case PacketSpec:
				h.SetIPVersion(4)
				h.SetProtocol(ProtoICMP)
				h.AddFieldSpec(TagICMPType, []byte{8})
			case Echo:
				h.SetEchoedPacket(bytes.Repeat([]byte{0x60}, 33))
				h.FinalizeTotalLength()
			case Error:
				h.SetErrorMessage("nope")
			}
			h.SetSequenceNumber(77)
			if err := h.ComputeMAC(c, testMACKey); err != nil {
				t.Fatal(err)
			}
			plain := bytes.Clone(h.Bytes())

			next, err := h.Encrypt(c, testCipherKey, testIV)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if bytes.Equal(plain, h.Bytes()) {
				t.Fatal("Encrypt changed nothing")
			}
			start, n, _ := CiphertextBounds(mt, h.Len())
			if !bytes.Equal(next, h.Bytes()[start+n-BlockLen:start+n]) {
				t.Error("returned IV is not the last ciphertext block")
			}
			if !bytes.Equal(plain[:start], h.Bytes()[:start]) || !bytes.Equal(plain[start+n:], h.Bytes()[start+n:]) {
				t.Error("bytes outside the ciphertext range changed")
			}

			rx := &Header{}
			if err := rx.Decode(h.Bytes()); err != nil {
				t.Fatal(err)
			}
			got, err := rx.Decrypt(c, testCipherKey, testIV, mt)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, next) {
				t.Error("receiver IV differs from sender IV")
			}
			if !bytes.Equal(rx.Bytes(), plain) {
				t.Error("plaintext differs after decrypt")
			}
			if err := rx.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !rx.VerifyMAC(c, testMACKey) {
				t.Error("MAC does not verify after decrypt")
			}
		})
	}
}

func TestHandshakeServerStaysClear(t *testing.T) {
	var c nepcrypto.Suite
	h := mustMessage(t, HandshakeServer)
	h.SetServerNonce(bytes.Repeat([]byte{3}, NonceLen))
	plain := bytes.Clone(h.Bytes())
	next, err := h.Encrypt(c, testCipherKey, testIV)
	if err != nil || next != nil {
		t.Fatalf("Encrypt: %x, %v", next, err)
	}
	if !bytes.Equal(plain, h.Bytes()) {
		t.Error("HANDSHAKE_SERVER was encrypted")
	}
}

func netipMust(s string) netip.Addr { return netip.MustParseAddr(s) }
