// Package httpconn implements the per-connection HTTP/1.x state machine
// a worker runs against its dispatched connection (C3 in the design):
// request parsing, body framing, size and timing enforcement, endpoint
// dispatch, and keep-alive.
package httpconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/wyrmd/wyrm/internal/endpoint"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// Config is the subset of the daemon configuration a connection's state
// machine needs.
type Config struct {
	MaxRequestSize   int64
	MaxHTTPWaiting   time.Duration
	KeepAliveEnabled bool
	KeepAliveTimeout time.Duration
	WithRemoteIP     bool
}

// Conn drives the HTTP/1.x state machine for one dispatched connection,
// serving requests against table until the connection closes, an error
// occurs, or keep-alive lapses.
type Conn struct {
	conn          net.Conn
	br            *bufio.Reader
	bw            *bufio.Writer
	cfg           Config
	table         *endpoint.Table
	logger        *wlog.Logger
	listenerIndex int
	peerAddr      string
}

// New wraps conn for HTTP/1.x service against table.
func New(conn net.Conn, cfg Config, table *endpoint.Table, logger *wlog.Logger, listenerIndex int, peerAddr string) *Conn {
	return &Conn{
		conn:          conn,
		br:            bufio.NewReader(conn),
		bw:            bufio.NewWriter(conn),
		cfg:           cfg,
		table:         table,
		logger:        logger,
		listenerIndex: listenerIndex,
		peerAddr:      peerAddr,
	}
}

// Serve runs the WaitFirstByte -> ... -> WaitFirstByte loop until the
// connection closes. It never returns an error that should be treated as
// worker-fatal: every failure here is connection-scoped per §7.
func (c *Conn) Serve(ctx context.Context) {
	defer func() { _ = c.conn.Close() }()

	waiting := c.cfg.MaxHTTPWaiting
	for {
		if waiting > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(waiting))
		}

		req, err := c.readRequest()
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("malformed request, closing", "peer_addr", c.peerAddr, "error", err)
			c.writeErrorStatus(400)
			return
		}
		_ = c.conn.SetReadDeadline(time.Time{})

		if !c.serveOne(req) {
			return
		}

		waiting = c.cfg.KeepAliveTimeout
		if waiting <= 0 {
			waiting = c.cfg.MaxHTTPWaiting
		}
	}
}

// serveOne runs one request through resolution and response writing,
// returning whether the connection is eligible to be kept alive.
func (c *Conn) serveOne(req *parsedRequest) bool {
	if req.sizeViolation {
		c.logger.Warn("request exceeds max_request_size", "peer_addr", c.peerAddr, "content_length", req.contentLength)
		c.writeErrorStatus(413)
		return false
	}
	if req.unknownTransferCoding {
		c.logger.Warn("unknown transfer coding", "peer_addr", c.peerAddr)
		c.writeErrorStatus(501)
		return false
	}
	if req.conflictingFraming {
		c.logger.Warn("conflicting Content-Length and chunked framing", "peer_addr", c.peerAddr)
		c.writeErrorStatus(400)
		return false
	}

	if req.expectContinue {
		if err := c.writeContinue(); err != nil {
			return false
		}
	}

	body, err := c.readBody(req)
	if err != nil {
		if errors.Is(err, errSizeExceeded) {
			c.writeErrorStatus(413)
		} else {
			c.writeErrorStatus(400)
		}
		return false
	}

	endpointReq := &endpoint.Request{
		Method:     req.method,
		RawTarget:  req.target,
		ProtoMajor: req.protoMajor,
		ProtoMinor: req.protoMinor,
		Header:     req.header,
		Body:       body,
		PeerAddr:   c.peerAddr,
		ReceivedAt: time.Now().UnixNano(),
	}
	if c.cfg.WithRemoteIP {
		endpointReq.Header.Set("X-Remote-IP", c.peerAddr)
	}

	w := newResponseWriter(c.bw, req.protoMajor, req.protoMinor)
	if !c.table.Resolve(w, endpointReq) {
		w.WriteHeader(404)
	}
	keepAlive := w.finish(c.keepAliveAllowed(req))
	if err := c.bw.Flush(); err != nil {
		return false
	}
	return keepAlive
}

// keepAliveAllowed applies §4.3's keep-alive eligibility rule based on
// protocol version and the Connection header, independent of whether the
// response ends up self-delimited (that half is enforced in finish).
func (c *Conn) keepAliveAllowed(req *parsedRequest) bool {
	if !c.cfg.KeepAliveEnabled {
		return false
	}
	conn := strings.ToLower(req.header.Get("Connection"))
	if req.protoMajor == 1 && req.protoMinor == 1 {
		return conn != "close"
	}
	return conn == "keep-alive"
}

func (c *Conn) writeContinue() error {
	_, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
	if err == nil {
		err = c.bw.Flush()
	}
	return err
}

// writeErrorStatus writes a minimal status-line-only response and
// flushes; used for protocol errors per §7, which always close the
// connection afterward.
func (c *Conn) writeErrorStatus(status int) {
	text := http.StatusText(status)
	body := fmt.Sprintf("%d %s", status, text)
	fmt.Fprintf(c.bw, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(c.bw, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(c.bw, "Connection: close\r\n\r\n")
	_, _ = c.bw.WriteString(body)
	_ = c.bw.Flush()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parsedRequest is the raw result of request-line + header parsing
// before body framing is resolved.
type parsedRequest struct {
	method     string
	target     string
	protoMajor int
	protoMinor int
	header     http.Header

	contentLength         int64
	hasContentLength      bool
	chunked               bool
	conflictingFraming    bool
	unknownTransferCoding bool
	sizeViolation         bool
	expectContinue        bool
}

// readRequest parses the request line and header block. It never reads
// the body.
func (c *Conn) readRequest() (*parsedRequest, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		// Tolerate a leading blank line (RFC 7230 §3.5) before the real
		// request line.
		line, err = c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpconn: malformed request line %q", line)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("httpconn: unsupported protocol %q", proto)
	}

	tp := textproto.NewReader(c.br)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("httpconn: header parse failed: %w", err)
	}
	header := http.Header(mimeHeader)

	req := &parsedRequest{
		method:     method,
		target:     target,
		protoMajor: major,
		protoMinor: minor,
		header:     header,
	}

	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			req.conflictingFraming = true
		} else {
			req.contentLength = n
			req.hasContentLength = true
		}
	}

	if te := header.Get("Transfer-Encoding"); te != "" {
		coding := strings.ToLower(strings.TrimSpace(te))
		switch coding {
		case "chunked":
			req.chunked = true
		case "identity":
		default:
			req.unknownTransferCoding = true
		}
	}

	if req.chunked && req.hasContentLength {
		req.conflictingFraming = true
	}

	if req.hasContentLength && c.cfg.MaxRequestSize > 0 && req.contentLength > c.cfg.MaxRequestSize {
		req.sizeViolation = true
	}

	if strings.EqualFold(header.Get("Expect"), "100-continue") {
		req.expectContinue = true
	}

	return req, nil
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	switch proto {
	case "HTTP/1.1":
		return 1, 1, true
	case "HTTP/1.0":
		return 1, 0, true
	default:
		return 0, 0, false
	}
}

var errSizeExceeded = errors.New("httpconn: request body exceeds max_request_size")

// readBody reads the body per the framing resolved during header
// parsing, enforcing max_request_size as bytes arrive (not just against
// a declared length) for the chunked and unbounded-identity cases.
func (c *Conn) readBody(req *parsedRequest) ([]byte, error) {
	maxSize := c.cfg.MaxRequestSize

	switch {
	case req.chunked:
		return c.readChunkedBody(maxSize)
	case req.hasContentLength:
		if req.contentLength == 0 {
			return nil, nil
		}
		if maxSize > 0 && req.contentLength > maxSize {
			return nil, errSizeExceeded
		}
		buf := make([]byte, req.contentLength)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		// No declared body: identity with no Content-Length means no
		// body on a request (responses differ, but this is the request
		// side of the state machine).
		return nil, nil
	}
}

func (c *Conn) readChunkedBody(maxSize int64) ([]byte, error) {
	tp := textproto.NewReader(c.br)
	var body []byte
	var total int64

	for {
		sizeLine, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("httpconn: malformed chunk size %q", sizeLine)
		}
		if size == 0 {
			// Trailer section, possibly empty, terminated by CRLF.
			for {
				trailer, err := tp.ReadLine()
				if err != nil {
					return nil, err
				}
				if trailer == "" {
					break
				}
			}
			return body, nil
		}

		total += size
		if maxSize > 0 && total > maxSize {
			return nil, errSizeExceeded
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(c.br, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)

		// Each chunk is followed by a trailing CRLF.
		if _, err := tp.ReadLine(); err != nil {
			return nil, err
		}
	}
}
