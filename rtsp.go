package airplay2

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/owntone-go/airplay2/pairing"
)

// maxEncryptedBlock is the largest plaintext chunk sent in one encrypted
// frame, per spec.md §4.1.
const maxEncryptedBlock = pairing.MaxBlockSize

// RTSPRequest is one outbound request, per spec.md §4.5.3: CSeq, a fixed
// set of identifying headers, and an optional typed body.
type RTSPRequest struct {
	Method        string
	URI           string
	CSeq          int
	UserAgent     string
	ClientInst    string
	DACPID        string
	ActiveRemote  uint32
	Authorization string
	ContentType   string
	Body          []byte
}

// Marshal serialises the request as RTSP 1.0 request text.
func (r RTSPRequest) Marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", r.Method, r.URI)
	fmt.Fprintf(&b, "CSeq: %d\r\n", r.CSeq)
	if r.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", r.UserAgent)
	}
	if r.ClientInst != "" {
		fmt.Fprintf(&b, "Client-Instance: %s\r\n", r.ClientInst)
	}
	if r.DACPID != "" {
		fmt.Fprintf(&b, "DACP-ID: %s\r\n", r.DACPID)
	}
	fmt.Fprintf(&b, "Active-Remote: %d\r\n", r.ActiveRemote)
	if r.Authorization != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", r.Authorization)
	}
	if r.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", r.ContentType)
	}
	if len(r.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// RTSPResponse is a parsed response: status line, headers (lower-cased
// keys), and body, per spec.md §4.5.3's "replies may be TLV8, binary
// plists, or text/parameters".
type RTSPResponse struct {
	StatusCode int
	Reason     string
	Headers    map[string]string
	Body       []byte
}

// Header looks up a response header case-insensitively.
func (r *RTSPResponse) Header(name string) (string, bool) {
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

func parseRTSPResponse(r *bufio.Reader) (*RTSPResponse, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("airplay2: read rtsp status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed rtsp status line %q", ErrProtocol, statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed rtsp status code %q", ErrProtocol, parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("airplay2: read rtsp headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}

	var body []byte
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed content-length %q", ErrProtocol, cl)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("airplay2: read rtsp body: %w", err)
		}
	}

	return &RTSPResponse{StatusCode: code, Reason: reason, Headers: headers, Body: body}, nil
}

// Transport owns one device session's RTSP connection, CSeq counter, and
// (once pair-verify completes) the encrypted pair-cipher framing, per
// spec.md §4.5.3.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader

	cseq int

	UserAgent    string
	ClientInst   string
	DACPID       string
	ActiveRemote uint32

	cipher *pairing.TransportCipher
}

// NewTransport wraps conn for RTSP request/response exchange.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn, reader: bufio.NewReader(conn)}
}

// SetCipher installs the pair-verify-derived control-channel cipher;
// every request/response after this point is framed per spec.md §4.1's
// encrypted transport.
func (t *Transport) SetCipher(c *pairing.TransportCipher) {
	t.cipher = c
}

// Do sends one request and returns its parsed response. Headers carrying
// session identity (CSeq, User-Agent, Client-Instance, DACP-ID,
// Active-Remote) are filled in from the Transport's configured values;
// authorization and content fields come from req.
func (t *Transport) Do(req RTSPRequest) (*RTSPResponse, error) {
	t.cseq++
	req.CSeq = t.cseq
	if req.UserAgent == "" {
		req.UserAgent = t.UserAgent
	}
	if req.ClientInst == "" {
		req.ClientInst = t.ClientInst
	}
	if req.DACPID == "" {
		req.DACPID = t.DACPID
	}
	if req.ActiveRemote == 0 {
		req.ActiveRemote = t.ActiveRemote
	}

	wire := req.Marshal()
	if t.cipher != nil {
		if err := writeEncryptedFrames(t.conn, t.cipher, wire); err != nil {
			return nil, fmt.Errorf("%w: write encrypted request: %v", ErrTransport, err)
		}
		plain, err := readEncryptedResponse(t.reader, t.cipher)
		if err != nil {
			return nil, fmt.Errorf("%w: read encrypted response: %v", ErrTransport, err)
		}
		return parseRTSPResponse(bufio.NewReader(bytes.NewReader(plain)))
	}

	if _, err := t.conn.Write(wire); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrTransport, err)
	}
	resp, err := parseRTSPResponse(t.reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error { return t.conn.Close() }

// writeEncryptedFrames splits plaintext into <=maxEncryptedBlock chunks and
// writes each as <u16 length LE><ciphertext+tag>, per spec.md §4.1's
// framed transport; the length field doubles as AEAD associated data.
func writeEncryptedFrames(w io.Writer, cipher *pairing.TransportCipher, plaintext []byte) error {
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > maxEncryptedBlock {
			n = maxEncryptedBlock
		}
		block := plaintext[:n]
		plaintext = plaintext[n:]

		aad := make([]byte, 2)
		binary.LittleEndian.PutUint16(aad, uint16(n))

		sealed, err := cipher.Encrypt(aad, block)
		if err != nil {
			return err
		}

		frame := make([]byte, 0, 2+len(sealed))
		frame = append(frame, aad...)
		frame = append(frame, sealed...)
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// readEncryptedFrames reads and decrypts frames from r until a predicate
// over the accumulated plaintext reports done, or EOF.
func readEncryptedFrames(r *bufio.Reader, cipher *pairing.TransportCipher, done func([]byte) bool) ([]byte, error) {
	var out []byte
	for {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint16(lenBuf)

		ciphertext := make([]byte, int(n)+16)
		if _, err := io.ReadFull(r, ciphertext); err != nil {
			return nil, err
		}

		plain, err := cipher.Decrypt(lenBuf, ciphertext)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
		if done(out) {
			return out, nil
		}
	}
}

// readEncryptedResponse reads encrypted frames until a full RTSP response
// (status line + headers + any body indicated by Content-Length) has been
// accumulated.
func readEncryptedResponse(r *bufio.Reader, cipher *pairing.TransportCipher) ([]byte, error) {
	return readEncryptedFrames(r, cipher, func(buf []byte) bool {
		headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
		if headerEnd == -1 {
			return false
		}
		header := string(buf[:headerEnd])
		want := 0
		for _, line := range strings.Split(header, "\r\n") {
			kv := strings.SplitN(line, ":", 2)
			if len(kv) == 2 && strings.EqualFold(strings.TrimSpace(kv[0]), "content-length") {
				if n, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
					want = n
				}
			}
		}
		return len(buf) >= headerEnd+4+want
	})
}
