//go:build linux

package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/tzrikka/xsp/internal/logger"
	"github.com/tzrikka/xsp/pkg/wsproto"
)

// State is the WS transport client's lifecycle state, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1 (open) and
// https://datatracker.ietf.org/doc/html/rfc6455#section-7 (close).
type State int

const (
	// Closed means the transport was never opened, or has been torn
	// down. It is both the initial and the terminal state.
	Closed State = iota
	// Ok means the handshake succeeded; reads and writes are permitted.
	Ok
	// Failed means a recoverable protocol violation was observed; writes
	// (to send a Close frame) are still permitted, but no further reads
	// will be attempted.
	Failed
	// FailedNoClose means a transport-level failure occurred; neither
	// side may write a Close frame. Terminal: never recovers.
	FailedNoClose
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	case FailedNoClose:
		return "failed_no_close"
	default:
		return "unknown"
	}
}

// DialOpt configures a [Transport] before [Open] performs the handshake.
type DialOpt func(*Transport)

// WithHTTPHeader adds a single HTTP header to the handshake request. Use
// [WithHTTPHeaders] to specify multiple ones.
func WithHTTPHeader(key, value string) DialOpt {
	return func(t *Transport) {
		t.headers.Add(key, value)
	}
}

// WithHTTPHeaders adds multiple HTTP headers to the handshake request.
func WithHTTPHeaders(hs http.Header) DialOpt {
	return func(t *Transport) {
		for k, vs := range hs {
			for _, v := range vs {
				t.headers.Add(k, v)
			}
		}
	}
}

// WithSubprotocols requests one or more WebSocket subprotocols, in
// preference order.
func WithSubprotocols(protocols ...string) DialOpt {
	return func(t *Transport) {
		if len(protocols) > 0 {
			t.headers.Set("Sec-WebSocket-Protocol", strings.Join(protocols, ", "))
		}
	}
}

// WithTLSConfig sets the TLS configuration used for "wss://" targets,
// instead of a zero-value [tls.Config].
func WithTLSConfig(cfg *tls.Config) DialOpt {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// Config holds the per-progress timeouts applied to the transport's
// underlying reads and writes.
type Config struct {
	// ReadTimeout bounds one underlying read syscall.
	ReadTimeout time.Duration
	// WriteTimeout bounds one underlying write (flush).
	WriteTimeout time.Duration
}

// Transport is a client-only WS connection: it performs the RFC 6455
// Upgrade handshake, then exposes poll/read-frame/write-frame primitives
// and a [State] enum, for a caller (ordinarily a [Handler]) to drive from
// inside a loop watcher.
type Transport struct {
	logger    zerolog.Logger
	headers   http.Header
	nonceGen  io.Reader
	tlsConfig *tls.Config

	cfg Config

	conn      net.Conn
	rawFD     int
	bufReader *bufio.Reader
	bufWriter *bufio.Writer

	state       State
	subprotocol string

	readBuf  [8]byte
	writeBuf [8]byte
	closeBuf [maxControlPayload]byte
}

// Open dials wsURL ("ws://..." or "wss://..."), performs the RFC 6455
// HTTP/1.1 Upgrade handshake over the raw connection, and, on success,
// returns a [Transport] in state [Ok].
//
// Unlike a generic HTTP client, Open dials and speaks the handshake by
// hand (rather than going through [http.Client]) so it keeps direct
// access to the underlying [net.Conn]: this package's whole design rests
// on registering that connection's raw file descriptor with a
// [loop.Loop], which an http.Client's hijacked-connection abstraction
// does not expose.
//
// It is based on:
//   - Opening handshake: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
//   - Client requirements: https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2
func Open(ctx context.Context, wsURL string, cfg Config, opts ...DialOpt) (*Transport, error) {
	t := &Transport{
		logger:   logger.FromContext(ctx),
		headers:  http.Header{},
		nonceGen: rand.Reader,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(t)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	useTLS, err := isTLSScheme(u.Scheme)
	if err != nil {
		return nil, err
	}

	nonce, err := generateNonce(t.nonceGen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}

	conn, err := dial(ctx, u, useTLS, t.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket server: %w", err)
	}

	if err := t.handshake(ctx, conn, u, nonce); err != nil {
		_ = conn.Close()
		return nil, err
	}

	fd, err := rawFD(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to extract WebSocket transport file descriptor: %w", err)
	}

	t.conn = conn
	t.rawFD = fd
	t.bufWriter = bufio.NewWriter(conn)
	t.state = Ok

	t.logger.Debug().Str("subprotocol", t.subprotocol).Msg("WebSocket transport opened")
	return t, nil
}

func isTLSScheme(scheme string) (bool, error) {
	switch scheme {
	case "ws", "http":
		return false, nil
	case "wss", "https":
		return true, nil
	default:
		return false, fmt.Errorf("unexpected WebSocket URL scheme: %q", scheme)
	}
}

func dial(ctx context.Context, u *url.URL, useTLS bool, tlsConfig *tls.Config) (net.Conn, error) {
	host := u.Host
	if !strings.Contains(host, ":") {
		if useTLS {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	var d net.Dialer
	if !useTLS {
		return d.DialContext(ctx, "tcp", host)
	}

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12} //nolint:gosec // ServerName set below satisfies verification.
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = u.Hostname()
	}

	tlsDialer := tls.Dialer{NetDialer: &d, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", host)
}

// handshake writes the Upgrade request over conn and parses the response
// status line and headers by hand (rather than via [http.ReadResponse]),
// so that any bytes the server already sent past the header block remain
// buffered in t.bufReader as this connection's "overread": the leading
// bytes of the first WebSocket frame.
func (t *Transport) handshake(ctx context.Context, conn net.Conn, u *url.URL, nonce string) error {
	req, err := handshakeRequest(ctx, u, nonce, t.headers)
	if err != nil {
		return err
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("failed to write WebSocket handshake request: %w", err)
	}

	t.bufReader = bufio.NewReader(conn)
	tp := textproto.NewReader(t.bufReader)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("failed to read WebSocket handshake response status line: %w", err)
	}
	statusCode, err := parseStatusLine(statusLine)
	if err != nil {
		return err
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && !isEOFOK(err) {
		return fmt.Errorf("failed to read WebSocket handshake response headers: %w", err)
	}
	header := http.Header(mimeHeader)

	if err := checkHandshakeResponse(statusCode, header, nonce); err != nil {
		return err
	}
	t.subprotocol = header.Get("Sec-WebSocket-Protocol")

	return nil
}

// isEOFOK reports whether err is the harmless case of a MIME header
// block immediately followed by EOF (which can legitimately happen if
// the overread data ends exactly at the blank line).
func isEOFOK(err error) bool {
	return err == io.EOF //nolint:errorlint // textproto returns io.EOF verbatim here.
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed WebSocket handshake response status line: %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed WebSocket handshake response status code: %q", parts[1])
	}
	return code, nil
}

// FD returns the underlying socket's file descriptor, suitable for
// registration with a [loop.Loop] watcher.
func (t *Transport) FD() int {
	return t.rawFD
}

// State returns the transport's current lifecycle state.
func (t *Transport) State() State {
	return t.state
}

// Subprotocol returns the subprotocol the server selected, or "" if none.
func (t *Transport) Subprotocol() string {
	return t.subprotocol
}

// PollRead waits up to timeoutMS for the transport to become readable,
// treating any already-buffered (including overread) bytes as
// immediately readable.
func (t *Transport) PollRead(timeoutMS int) (bool, error) {
	if t.bufReader.Buffered() > 0 {
		return true, nil
	}
	return t.poll(unix.POLLIN, timeoutMS)
}

// PollWrite waits up to timeoutMS for the transport to become writable.
func (t *Transport) PollWrite(timeoutMS int) (bool, error) {
	return t.poll(unix.POLLOUT, timeoutMS)
}

func (t *Transport) poll(events int16, timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(t.rawFD), Events: events}} //gosec:disable G115 -- fd is a small positive int
	n, err := unix.Poll(fds, timeoutMS)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint // unix.Errno comparisons are idiomatic here.
			return false, nil
		}
		return false, wsproto.New(wsproto.TransportFailed, "poll() on WebSocket transport failed", err)
	}
	return n > 0 && fds[0].Revents&events != 0, nil
}

// ReadFrame reads one whole frame's header and payload into buf, using at
// most the transport's configured read timeout of progress per
// underlying read. Returns the frame header and the payload slice (a
// subslice of buf).
//
// Benign protocol violations (a non-minimal length encoding, and those
// classified as benign by [checkFrameHeader]) move the state to
// [Failed] and still return the decoded header/payload, so the caller
// may echo a Close. Fatal violations and I/O errors move the state to
// [FailedNoClose] and return an error with no usable frame.
func (t *Transport) ReadFrame(buf []byte) (frameHeader, []byte, error) {
	if t.state != Ok {
		return frameHeader{}, nil, wsproto.New(wsproto.InvalidState, "transport is not open", nil)
	}

	h, err := t.readFrameHeader()
	var headerErr error
	if err != nil {
		if !wsproto.HasKind(err, wsproto.ProtocolError) {
			t.state = FailedNoClose
			return h, nil, err
		}
		headerErr = err // Non-minimal length encoding: benign, keep reading.
	}

	if int(h.payloadLength) > len(buf) {
		t.state = FailedNoClose
		return h, nil, wsproto.New(wsproto.TransportFailed, "WebSocket frame payload larger than caller buffer", nil)
	}

	payload := buf[:h.payloadLength]
	if h.payloadLength > 0 {
		t.setReadDeadline()
		if _, err := io.ReadFull(t.bufReader, payload); err != nil {
			t.state = FailedNoClose
			return h, nil, fmt.Errorf("failed to read WebSocket frame payload: %w", err)
		}
	}

	if err := checkFrameHeader(h); err != nil {
		if wsproto.HasKind(err, wsproto.TransportFailed) {
			t.state = FailedNoClose
			return h, nil, err
		}
		t.state = Failed
		return h, payload, err
	}
	if headerErr != nil {
		t.state = Failed
		return h, payload, headerErr
	}

	return h, payload, nil
}

// WriteFrame sends one whole frame, using at most the transport's
// configured write timeout of progress per underlying write.
func (t *Transport) WriteFrame(fin bool, op Opcode, payload []byte) error {
	if t.state != Ok && t.state != Failed {
		return wsproto.New(wsproto.InvalidState, "transport is not open", nil)
	}

	if err := t.writeFrame(fin, op, payload); err != nil {
		t.state = FailedNoClose
		return err
	}

	t.setWriteDeadline()
	if err := t.bufWriter.Flush(); err != nil {
		t.state = FailedNoClose
		return fmt.Errorf("failed to flush WebSocket frame: %w", err)
	}

	return nil
}

// WriteCloseFrame serializes {status(u16 BE), reason} as a Close data
// payload and writes it. status == 0 means no payload at all.
func (t *Transport) WriteCloseFrame(status StatusCode, reason string) error {
	if status == 0 {
		return t.WriteFrame(true, opcodeClose, nil)
	}

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	payload := t.closeBuf[:2+len(reason)]
	putUint16BE(payload, uint16(status))
	copy(payload[2:], reason)

	return t.WriteFrame(true, opcodeClose, payload)
}

// Close is idempotent: it flushes, sleeps briefly to let any in-flight
// bytes drain (the transport offers no explicit flush-then-confirm
// primitive of its own), and tears down the connection. State becomes
// [Closed].
func (t *Transport) Close() error {
	if t.state == Closed {
		return nil
	}

	_ = t.bufWriter.Flush()
	time.Sleep(time.Millisecond)

	err := t.conn.Close()
	t.state = Closed
	t.subprotocol = ""
	return err
}

func (t *Transport) readByte() (byte, error) {
	t.setReadDeadline()
	return t.bufReader.ReadByte()
}

func (t *Transport) writeByte(b byte) error {
	return t.bufWriter.WriteByte(b)
}

func (t *Transport) writeBytes(b []byte) error {
	_, err := t.bufWriter.Write(b)
	return err
}

func (t *Transport) setReadDeadline() {
	if t.cfg.ReadTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
}

func (t *Transport) setWriteDeadline() {
	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
}

func putUint16BE(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// rawFD extracts the OS file descriptor backing conn, so it can be
// registered with a [loop.Loop]'s readiness poll alongside the socket's
// ordinary (deadline-based) use by this package's own reads/writes:
// POSIX poll/epoll readiness is a property of the socket, not consumed
// by any one waiter, so both can watch the same FD concurrently.
func rawFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		tc, isTLS := conn.(*tls.Conn)
		if !isTLS {
			return 0, fmt.Errorf("connection type %T does not expose a raw file descriptor", conn)
		}
		sc, ok = tc.NetConn().(syscall.Conn)
		if !ok {
			return 0, fmt.Errorf("connection type %T does not expose a raw file descriptor", tc.NetConn())
		}
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd int
	err = rc.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd, err
}

// generateNonce generates a nonce consisting of a randomly selected
// 16-byte value that has been Base64-encoded. The nonce MUST be selected
// randomly for each connection.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// handshakeRequest implements the client request details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func handshakeRequest(ctx context.Context, u *url.URL, nonce string, extraHeaders http.Header) (*http.Request, error) {
	reqURL := *u
	switch reqURL.Scheme {
	case "ws":
		reqURL.Scheme = "http"
	case "wss":
		reqURL.Scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket handshake request: %w", err)
	}

	req.Header = extraHeaders.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")

	return req, nil
}

// checkHandshakeResponse checks the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func checkHandshakeResponse(statusCode int, header http.Header, nonce string) error {
	if statusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("WebSocket handshake response status: got %d, want %d",
			statusCode, http.StatusSwitchingProtocols)
	}

	if err := checkHTTPHeader(header, "Upgrade", "websocket"); err != nil {
		return err
	}
	if err := checkHTTPHeader(header, "Connection", "Upgrade"); err != nil {
		return err
	}

	want := expectedServerAcceptValue(nonce)
	return checkHTTPHeader(header, "Sec-WebSocket-Accept", want)
}

func checkHTTPHeader(headers http.Header, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		return fmt.Errorf("WebSocket handshake response header %q: got %q, want %q", key, got, want)
	}
	return nil
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedServerAcceptValue constructs the expected value of the
// "Sec-WebSocket-Accept" header, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedServerAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
