package airplay2

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func newPipedDeviceSession(t *testing.T) (*DeviceSession, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	ds := &DeviceSession{
		transport:  NewTransport(client),
		SessionURL: "/session",
		state:      StateStopped,
	}
	return ds, server
}

// readRequestHead reads one request's status line, headers, and (if
// present) its Content-Length body, so the reader is correctly
// positioned at the start of the next request.
func readRequestHead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	head := line
	contentLength := 0
	for {
		h, err := r.ReadString('\n')
		require.NoError(t, err)
		if h == "\r\n" {
			break
		}
		head += h
		if kv := strings.SplitN(strings.TrimRight(h, "\r\n"), ":", 2); len(kv) == 2 &&
			strings.EqualFold(strings.TrimSpace(kv[0]), "content-length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(kv[1]))
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		_, err := io.ReadFull(r, body)
		require.NoError(t, err)
	}
	return head
}

// TestSetupSessionStepRetriesOnceOnDigestChallenge exercises Testable
// Property 9 / scenario S3: a single 401 with a digest challenge triggers
// exactly one retry carrying a computed Authorization header, and the
// second attempt succeeding completes the step.
func TestSetupSessionStepRetriesOnceOnDigestChallenge(t *testing.T) {
	ds, server := newPipedDeviceSession(t)
	done := make(chan struct{})

	go func() {
		defer close(done)
		r := bufio.NewReader(server)

		readRequestHead(t, r) // first SETUP, unauthenticated
		server.Write([]byte("RTSP/1.0 401 Unauthorized\r\n" +
			"CSeq: 1\r\n" +
			"WWW-Authenticate: Digest realm=\"airplay\", nonce=\"abc123\", qop=\"auth\"\r\n\r\n"))

		second := readRequestHead(t, r)
		require.Contains(t, second, "Authorization: Digest ")
		server.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 2\r\n\r\n"))
	}()

	seq := Sequence{Name: "setup", Steps: []Step{setupSessionStep("user", "pass")}}
	err := seq.Run(ds)
	require.NoError(t, err)
	require.Equal(t, StateSetup, ds.State())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

// TestSetupSessionStepAbortsOnSecondDigestChallenge checks that a second
// 401 (the retried request also rejected) aborts the sequence instead of
// retrying again.
func TestSetupSessionStepAbortsOnSecondDigestChallenge(t *testing.T) {
	ds, server := newPipedDeviceSession(t)
	done := make(chan struct{})
	challenge := "RTSP/1.0 401 Unauthorized\r\n" +
		"CSeq: 1\r\n" +
		"WWW-Authenticate: Digest realm=\"airplay\", nonce=\"abc123\", qop=\"auth\"\r\n\r\n"

	go func() {
		defer close(done)
		r := bufio.NewReader(server)
		readRequestHead(t, r)
		server.Write([]byte(challenge))
		readRequestHead(t, r)
		server.Write([]byte(challenge))
	}()

	seq := Sequence{Name: "setup", Steps: []Step{setupSessionStep("user", "pass")}}
	err := seq.Run(ds)
	require.Error(t, err)
	require.Equal(t, StateFailed, ds.State())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestAirplayVolumeMapsRangeAndMute(t *testing.T) {
	require.Equal(t, -144.0, airplayVolume(0))
	require.Equal(t, 0.0, airplayVolume(100))
	require.InDelta(t, -15.0, airplayVolume(50), 0.01)
	require.Equal(t, 0.0, airplayVolume(200))
}

func TestNewFeedbackReportCarriesRTCPLossAndJitter(t *testing.T) {
	rr := rtcp.ReceptionReport{
		SSRC:         0xdeadbeef,
		FractionLost: 12,
		TotalLost:    34,
		Jitter:       567,
	}
	report := NewFeedbackReport(rr, 1000, 5, 2)
	require.Equal(t, uint32(1000), report.PacketsSent)
	require.Equal(t, uint32(5), report.RetransmitsServed)
	require.Equal(t, uint32(2), report.RetransmitsMissed)
	require.Equal(t, uint8(12), report.FractionLost)
	require.Equal(t, uint32(567), report.Jitter)
}
