// Package session runs the NEP handshake and protects the messages that
// follow it. A Session is driven by a single goroutine and does no locking.
package session

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"

	"firestige.xyz/nepwire/internal/config"
	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/log"
	"firestige.xyz/nepwire/internal/metrics"
	"firestige.xyz/nepwire/internal/nep"
	"firestige.xyz/nepwire/internal/nepcrypto"
)

// Role tells which side of the handshake a session plays.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

type state int

const (
	stateNew state = iota
	stateServerHelloSent
	stateServerHelloReceived
	stateClientHelloSent
	stateClientHelloReceived
	stateEstablished
)

// Options tunes a Session. Zero values select crypto/rand, time.Now and
// the nepcrypto suite.
type Options struct {
	Rand    io.Reader
	Clock   func() time.Time
	Crypto  nep.Crypto
	Metrics *metrics.SessionMetrics
}

// Session holds the key schedule, IV chains and sequence numbers of one
// NEP association.
type Session struct {
	role   Role
	cfg    config.SessionConfig
	opts   Options
	state  state
	logger log.Logger

	serverNonce []byte
	clientNonce []byte
	partner     netip.Addr

	initial Keys
	final   Keys

	sendIV, recvIV []byte
	sendSeq        uint32
	recvSeq        uint32
	recvSeqKnown   bool
}

// New creates a session for role. cfg must carry a passphrase.
func New(role Role, cfg config.SessionConfig, opts Options) (*Session, error) {
	if err := cfg.Require(); err != nil {
		return nil, err
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Crypto == nil {
		opts.Crypto = nepcrypto.Suite{}
	}
	s := &Session{
		role:   role,
		cfg:    cfg,
		opts:   opts,
		logger: log.GetLogger().WithField("role", role.String()),
	}
	var seq [4]byte
	if _, err := io.ReadFull(opts.Rand, seq[:]); err != nil {
		return nil, fmt.Errorf("session: initial sequence number: %w", err)
	}
	s.sendSeq = binary.BigEndian.Uint32(seq[:])
	return s, nil
}

func (s *Session) Role() Role { return s.role }

// Established reports whether the handshake has completed.
func (s *Session) Established() bool { return s.state == stateEstablished }

// Partner returns the partner address carried by the handshake.
func (s *Session) Partner() netip.Addr { return s.partner }

// Nonces returns the server and client nonces seen so far.
func (s *Session) Nonces() (server, client []byte) {
	return bytes.Clone(s.serverNonce), bytes.Clone(s.clientNonce)
}

func (s *Session) expect(role Role, st state, op string) error {
	if s.role != role || s.state != st {
		return fmt.Errorf("session: %s as %s in state %d: %w", op, s.role, s.state, core.ErrSessionState)
	}
	return nil
}

func (s *Session) nonce() ([]byte, error) {
	return nepcrypto.Nonce(s.opts.Rand, nep.NonceLen)
}

// HandshakeServer builds the server's opening message. It is sent in the
// clear and authenticated with the initial keys.
func (s *Session) HandshakeServer() ([]byte, error) {
	if err := s.expect(Server, stateNew, "HandshakeServer"); err != nil {
		return nil, err
	}
	n, err := s.nonce()
	if err != nil {
		return nil, err
	}
	h, err := nep.NewMessage(nep.HandshakeServer)
	if err != nil {
		return nil, err
	}
	if err := h.SetServerNonce(n); err != nil {
		return nil, err
	}
	s.serverNonce = n
	s.initial = DeriveKeys(s.cfg.Passphrase, n, s.cfg.KDFIterations)

	wire, err := s.seal(h, s.initial.MACS2C, nil, nil)
	if err != nil {
		return nil, err
	}
	s.state = stateServerHelloSent
	return wire, nil
}

// AcceptHandshakeServer verifies the server's opening message.
func (s *Session) AcceptHandshakeServer(wire []byte) error {
	if err := s.expect(Client, stateNew, "AcceptHandshakeServer"); err != nil {
		return err
	}
	h := &nep.Header{}
	if err := h.Decode(wire); err != nil {
		return err
	}
	if err := s.checkPlain(h, nep.HandshakeServer); err != nil {
		return err
	}
	n, err := h.ServerNonce()
	if err != nil {
		return err
	}
	keys := DeriveKeys(s.cfg.Passphrase, n, s.cfg.KDFIterations)
	if err := s.authenticate(h, keys.MACS2C); err != nil {
		return err
	}
	s.acceptSeq(h.SequenceNumber())
	s.serverNonce = n
	s.initial = keys
	s.state = stateServerHelloReceived
	s.count("open", h)
	return nil
}

// HandshakeClient answers the server with a fresh client nonce and the
// partner address, protected by the initial keys.
func (s *Session) HandshakeClient(partner netip.Addr) ([]byte, error) {
	if err := s.expect(Client, stateServerHelloReceived, "HandshakeClient"); err != nil {
		return nil, err
	}
	n, err := s.nonce()
	if err != nil {
		return nil, err
	}
	h, err := nep.NewMessage(nep.HandshakeClient)
	if err != nil {
		return nil, err
	}
	if err := h.SetServerNonce(s.serverNonce); err != nil {
		return nil, err
	}
	if err := h.SetClientNonce(n); err != nil {
		return nil, err
	}
	if err := h.SetPartnerAddress(partner); err != nil {
		return nil, err
	}

	s.clientNonce = n
	c2s, s2c := InitialIVs(s.serverNonce, s.clientNonce)
	s.sendIV, s.recvIV = c2s, s2c
	wire, err := s.seal(h, s.initial.MACC2S, s.initial.CipherC2S, &s.sendIV)
	if err != nil {
		return nil, err
	}
	s.partner = partner
	s.final = DeriveKeys(s.cfg.Passphrase, FinalNonces(s.serverNonce, s.clientNonce), s.cfg.KDFIterations)
	s.state = stateClientHelloSent
	return wire, nil
}

// AcceptHandshakeClient verifies the client's answer and derives the final
// keys.
func (s *Session) AcceptHandshakeClient(wire []byte) error {
	if err := s.expect(Server, stateServerHelloSent, "AcceptHandshakeClient"); err != nil {
		return err
	}
	iv := s.serverNonce[:nepcrypto.BlockLen]
	h, next, err := s.open(wire, nep.HandshakeClient, s.initial.MACC2S, s.initial.CipherC2S, iv)
	if err != nil {
		return err
	}
	sn, _ := h.ServerNonce()
	if !bytes.Equal(sn, s.serverNonce) {
		return fmt.Errorf("session: client echoed a different server nonce: %w", core.ErrAuthenticationFailure)
	}
	cn, _ := h.ClientNonce()
	partner, err := h.PartnerAddress()
	if err != nil {
		return err
	}

	s.clientNonce = cn
	s.partner = partner
	s.recvIV = next
	_, s.sendIV = InitialIVs(s.serverNonce, s.clientNonce)
	s.final = DeriveKeys(s.cfg.Passphrase, FinalNonces(s.serverNonce, s.clientNonce), s.cfg.KDFIterations)
	s.state = stateClientHelloReceived
	return nil
}

// HandshakeFinal confirms the client nonce and the partner address under
// the final keys. The session is established once it is built.
func (s *Session) HandshakeFinal(partner netip.Addr) ([]byte, error) {
	if err := s.expect(Server, stateClientHelloReceived, "HandshakeFinal"); err != nil {
		return nil, err
	}
	h, err := nep.NewMessage(nep.HandshakeFinal)
	if err != nil {
		return nil, err
	}
	if err := h.SetClientNonce(s.clientNonce); err != nil {
		return nil, err
	}
	if err := h.SetPartnerAddress(partner); err != nil {
		return nil, err
	}
	wire, err := s.seal(h, s.final.MACS2C, s.final.CipherS2C, &s.sendIV)
	if err != nil {
		return nil, err
	}
	s.state = stateEstablished
	s.logger.WithField("partner", partner).Debug("session established")
	return wire, nil
}

// AcceptHandshakeFinal verifies the server's confirmation and establishes
// the session.
func (s *Session) AcceptHandshakeFinal(wire []byte) error {
	if err := s.expect(Client, stateClientHelloSent, "AcceptHandshakeFinal"); err != nil {
		return err
	}
	h, next, err := s.open(wire, nep.HandshakeFinal, s.final.MACS2C, s.final.CipherS2C, s.recvIV)
	if err != nil {
		return err
	}
	cn, _ := h.ClientNonce()
	if !bytes.Equal(cn, s.clientNonce) {
		return fmt.Errorf("session: server echoed a different client nonce: %w", core.ErrAuthenticationFailure)
	}
	if p, err := h.PartnerAddress(); err == nil {
		s.partner = p
	}
	s.recvIV = next
	s.state = stateEstablished
	s.logger.WithField("partner", s.partner).Debug("session established")
	return nil
}

func (s *Session) sendKeys() (mac, cipher []byte) {
	if s.role == Client {
		return s.final.MACC2S, s.final.CipherC2S
	}
	return s.final.MACS2C, s.final.CipherS2C
}

func (s *Session) recvKeys() (mac, cipher []byte) {
	if s.role == Client {
		return s.final.MACS2C, s.final.CipherS2C
	}
	return s.final.MACC2S, s.final.CipherC2S
}

// Seal stamps a copy of h with the next sequence number and the current
// time, fixes its total length, MACs and encrypts it, and returns the wire
// bytes. h itself is left in the clear.
func (s *Session) Seal(h *nep.Header) ([]byte, error) {
	if s.state != stateEstablished {
		return nil, fmt.Errorf("session: seal %s before the handshake completed: %w", h.MessageType(), core.ErrSessionState)
	}
	mac, cipher := s.sendKeys()
	c := *h
	return s.seal(&c, mac, cipher, &s.sendIV)
}

// Open decrypts and authenticates a message the peer sent as type mt.
func (s *Session) Open(wire []byte, mt nep.MessageType) (*nep.Header, error) {
	return s.OpenAny(wire, mt)
}

// OpenAny tries each candidate type in turn; the first that decrypts to a
// valid, authentic message of that type wins. The ciphertext range depends
// on the type, so a receiver expecting ECHO or ERROR cannot decide up front.
//
// Every protected type ends its ciphertext right before the MAC, so the
// block in front of the MAC is the next receive IV whatever the type. The
// IV moves on even when the message is rejected, keeping the chain in step
// with the sender. The expected sequence number only moves on acceptance.
func (s *Session) OpenAny(wire []byte, candidates ...nep.MessageType) (*nep.Header, error) {
	if s.state != stateEstablished {
		return nil, fmt.Errorf("session: open before the handshake completed: %w", core.ErrSessionState)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("session: no candidate message types: %w", core.ErrWrongVariant)
	}
	mac, cipher := s.recvKeys()

	var (
		firstErr error
		next     []byte
	)
	for _, mt := range candidates {
		h, n, err := s.open(wire, mt, mac, cipher, s.recvIV)
		if n != nil {
			next = n
		}
		if err == nil {
			s.recvIV = next
			return h, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if next == nil {
		next = lastBlock(wire)
	}
	if next != nil {
		s.recvIV = next
	}
	return nil, firstErr
}

// lastBlock returns the cipher block in front of the MAC of a protected
// message, or nil when wire cannot be one.
func lastBlock(wire []byte) []byte {
	end := len(wire) - nep.MACLen
	if end < nep.HeaderLen || end%nepcrypto.BlockLen != 0 {
		return nil
	}
	return bytes.Clone(wire[end-nepcrypto.BlockLen : end])
}

func (s *Session) seal(h *nep.Header, macKey, cipherKey []byte, iv *[]byte) ([]byte, error) {
	h.SetSequenceNumber(s.sendSeq)
	h.Stamp(s.opts.Clock())
	h.FinalizeTotalLength()
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if err := h.ComputeMAC(s.opts.Crypto, macKey); err != nil {
		return nil, err
	}
	mt := h.MessageType()
	if cipherKey != nil {
		next, err := h.Encrypt(s.opts.Crypto, cipherKey, *iv)
		if err != nil {
			return nil, err
		}
		if next != nil {
			*iv = next
		}
	}
	s.sendSeq++
	if s.opts.Metrics != nil {
		s.opts.Metrics.Message("seal", mt.String())
	}
	return bytes.Clone(h.Bytes()), nil
}

// open deciphers wire as mt under iv and returns the next IV once
// deciphering succeeded, whether or not the message is accepted. Only an
// accepted message updates the expected sequence number.
func (s *Session) open(wire []byte, mt nep.MessageType, macKey, cipherKey, iv []byte) (*nep.Header, []byte, error) {
	h := &nep.Header{}
	if err := h.Decode(wire); err != nil {
		return nil, nil, err
	}
	next, err := h.Decrypt(s.opts.Crypto, cipherKey, iv, mt)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkPlain(h, mt); err != nil {
		return nil, next, err
	}
	if err := s.authenticate(h, macKey); err != nil {
		return nil, next, err
	}
	if err := s.checkSeq(h.SequenceNumber()); err != nil {
		return nil, next, err
	}
	s.acceptSeq(h.SequenceNumber())
	s.count("open", h)
	return h, next, nil
}

func (s *Session) checkPlain(h *nep.Header, mt nep.MessageType) error {
	if got := h.MessageType(); got != mt {
		return fmt.Errorf("session: expected %s, got %s: %w", mt, got, core.ErrFieldViolation)
	}
	return h.Validate()
}

func (s *Session) authenticate(h *nep.Header, macKey []byte) error {
	if err := h.Authenticate(s.opts.Crypto, macKey); err != nil {
		if s.opts.Metrics != nil {
			s.opts.Metrics.AuthFailure()
		}
		s.logger.WithField("type", h.MessageType()).Warn("MAC verification failed")
		return err
	}
	return nil
}

// checkSeq rejects sequence numbers behind the expected one, in serial
// number arithmetic. Gaps left by lost or rejected messages are accepted.
func (s *Session) checkSeq(seq uint32) error {
	if s.cfg.VerifySequence && s.recvSeqKnown && int32(seq-s.recvSeq) < 0 {
		return fmt.Errorf("session: sequence number %d, expected at least %d: %w", seq, s.recvSeq, core.ErrFieldViolation)
	}
	return nil
}

func (s *Session) acceptSeq(seq uint32) {
	s.recvSeq = seq + 1
	s.recvSeqKnown = true
}

func (s *Session) count(op string, h *nep.Header) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Message(op, h.MessageType().String())
	}
}
