package cmd

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/core/decoder"
	"firestige.xyz/nepwire/internal/source/file"
)

const (
	testServerNonce = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testClientNonce = "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff000102030405060708090a0b0c0d0e0f"
)

// mockSource implements packetSource
type mockSource struct {
	mock.Mock
}

func (m *mockSource) Next() ([]byte, gopacket.CaptureInfo, error) {
	args := m.Called()
	data, _ := args.Get(0).([]byte)
	return data, args.Get(1).(gopacket.CaptureInfo), args.Error(2)
}

func (m *mockSource) LinkType() layers.LinkType {
	return m.Called().Get(0).(layers.LinkType)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func udpFrame(t *testing.T) []byte {
	t.Helper()
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv6,
		},
		ip6,
		&layers.UDP{SrcPort: 40000, DstPort: 33434},
		gopacket.Payload("probe"),
	))
	return buf.Bytes()
}

func TestRunDecodeRouting(t *testing.T) {
	data, _ := hex.DecodeString("3b0202010000000020010db8000000000000000000000001")
	var buf bytes.Buffer
	err := runDecodeRouting(data, core.DetailHigh, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Routing[nh=59 len=2 type=2 segleft=1]")
	assert.Contains(t, buf.String(), "home address 2001:db8::1")
}

func TestRunDecodeRouting_Invalid(t *testing.T) {
	// type 2 with two segments left
	data, _ := hex.DecodeString("3b0202020000000020010db8000000000000000000000001")
	var buf bytes.Buffer
	err := runDecodeRouting(data, core.DetailHigh, &buf)

	assert.True(t, errors.Is(err, core.ErrFieldViolation), "got %v", err)
	assert.Empty(t, buf.String())
}

func TestRunPcap(t *testing.T) {
	src := new(mockSource)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src.On("LinkType").Return(layers.LinkTypeEthernet)
	src.On("Next").Return(udpFrame(t), gopacket.CaptureInfo{Timestamp: ts}, nil).Once()
	src.On("Next").Return([]byte{0xff}, gopacket.CaptureInfo{Timestamp: ts}, nil).Once()
	src.On("Next").Return(nil, gopacket.CaptureInfo{}, io.EOF).Once()

	var buf bytes.Buffer
	stats, err := runPcap(src, decoder.New(decoder.Config{}, nil), core.DetailLow, &buf)

	require.NoError(t, err)
	assert.Equal(t, pcapStats{Packets: 2, Failures: 1}, stats)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1 03:04:05.000000 "), lines[0])
	assert.Contains(t, lines[0], "UDP")
	assert.Contains(t, lines[1], "!!")
	src.AssertExpectations(t)
}

func TestRunPcap_SourceError(t *testing.T) {
	src := new(mockSource)
	src.On("LinkType").Return(layers.LinkTypeEthernet)
	src.On("Next").Return(nil, gopacket.CaptureInfo{}, errors.New("disk gone")).Once()

	var buf bytes.Buffer
	_, err := runPcap(src, decoder.New(decoder.Config{}, nil), core.DetailLow, &buf)

	assert.ErrorContains(t, err, "disk gone")
	src.AssertExpectations(t)
}

func TestRunBuild_RoundTripThroughPcap(t *testing.T) {
	tmpl := writeFile(t, "ready.yaml", "type: READY\nsequence: 9\n")
	out := filepath.Join(t.TempDir(), "ready.pcap")

	var buf bytes.Buffer
	err := runBuild(buildOptions{template: tmpl, pcapOut: out}, 1, 0, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "wrote "+out)

	src, err := file.Open(out, file.Options{})
	require.NoError(t, err)
	defer src.Close()

	var chains bytes.Buffer
	stats, err := runPcap(src, decoder.New(decoder.Config{}, nil), core.DetailLow, &chains)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Packets)
	assert.Zero(t, stats.Failures)
	assert.Contains(t, chains.String(), "NEP[ver=1 type=READY len=48 seq=9]")
}

func TestRunBuild_ProtectedThenDecode(t *testing.T) {
	tmpl := writeFile(t, "spec.yaml", `
type: PACKET_SPEC
ip_version: 4
protocol: tcp
packet_count: 3
fields:
  - tag: tcp.dst_port
    value: 80
`)
	opts := buildOptions{
		template:    tmpl,
		passphrase:  "secret",
		serverNonce: testServerNonce,
		clientNonce: testClientNonce,
	}
	var buf bytes.Buffer
	require.NoError(t, runBuild(opts, 1, 0, &buf))

	var wire string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			wire = line
		}
	}
	data, err := hex.DecodeString(wire)
	require.NoError(t, err)

	var keys bytes.Buffer
	require.NoError(t, runKeys("secret", testServerNonce, testClientNonce, 1, &keys))
	key := func(label string) string {
		for _, line := range strings.Split(keys.String(), "\n") {
			if strings.HasPrefix(line, label) {
				f := strings.Fields(line)
				return f[len(f)-1]
			}
		}
		t.Fatalf("no %q in keys output", label)
		return ""
	}

	var dec bytes.Buffer
	err = runDecodeNEP(data, nepDecodeOptions{
		decryptType: "PACKET_SPEC",
		cipherKey:   key("final cipher c2s"),
		macKey:      key("final mac c2s"),
		iv:          key("iv c2s"),
	}, core.DetailMedium, &dec)
	require.NoError(t, err)
	assert.Contains(t, dec.String(), "MAC ok")
	assert.Contains(t, dec.String(), "field tcp.dst_port 0050")

	// the wrong direction's key fails authentication
	err = runDecodeNEP(data, nepDecodeOptions{
		decryptType: "PACKET_SPEC",
		cipherKey:   key("final cipher c2s"),
		macKey:      key("final mac s2c"),
		iv:          key("iv c2s"),
	}, core.DetailMedium, io.Discard)
	assert.True(t, errors.Is(err, core.ErrAuthenticationFailure), "got %v", err)
}

func TestRunBuild_Errors(t *testing.T) {
	tmpl := writeFile(t, "ready.yaml", "type: READY\n")

	err := runBuild(buildOptions{template: tmpl, serverNonce: testServerNonce}, 1, 0, io.Discard)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	err = runBuild(buildOptions{template: tmpl, passphrase: "p", serverNonce: testServerNonce}, 1, 0, io.Discard)
	assert.ErrorContains(t, err, "needs --client-nonce")

	err = runBuild(buildOptions{template: tmpl, passphrase: "p", serverNonce: "0011"}, 1, 0, io.Discard)
	assert.ErrorContains(t, err, "nonces must be")

	bad := writeFile(t, "bad.yaml", "type: READY\nversion: 9\n")
	err = runBuild(buildOptions{template: bad}, 1, 0, io.Discard)
	assert.ErrorIs(t, err, core.ErrFieldViolation)
	assert.NoError(t, runBuild(buildOptions{template: bad, noValidate: true}, 1, 0, io.Discard))
}

func TestRunKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runKeys("secret", testServerNonce, "", 1, &buf))
	assert.Contains(t, buf.String(), "initial mac c2s")
	assert.NotContains(t, buf.String(), "final")

	buf.Reset()
	require.NoError(t, runKeys("secret", testServerNonce, testClientNonce, 1, &buf))
	assert.Contains(t, buf.String(), "final cipher s2c")
	assert.Contains(t, buf.String(), "iv c2s     000102030405060708090a0b0c0d0e0f")

	assert.ErrorIs(t, runKeys("", testServerNonce, "", 1, io.Discard), core.ErrConfigInvalid)
	assert.Error(t, runKeys("secret", "abcd", "", 1, io.Discard))
}

func TestRunValidate(t *testing.T) {
	good := writeFile(t, "good.yml", `
nepwire:
  log:
    level: debug
  session:
    passphrase: s3cret
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(good, &buf))
	assert.Contains(t, buf.String(), "VALID: log debug/pattern")
	assert.Contains(t, buf.String(), "passphrase set")

	bad := writeFile(t, "bad.yml", "nepwire:\n  log:\n    level: loud\n")
	buf.Reset()
	err := runValidate(bad, &buf)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Contains(t, buf.String(), "INVALID")
}

func TestParseDetail(t *testing.T) {
	d, err := parseDetail("high")
	require.NoError(t, err)
	assert.Equal(t, core.DetailHigh, d)
	d, err = parseDetail("")
	require.NoError(t, err)
	assert.Equal(t, core.DetailMedium, d)
	_, err = parseDetail("verbose")
	assert.Error(t, err)
}
