package httpconn

import (
	"bufio"
	"fmt"
	"net/http"
)

// responseWriter implements endpoint.ResponseWriter against a buffered
// connection writer. The first call to Write or WriteHeader commits the
// response: per §9's open-question decision, the response is considered
// committed at the moment its first byte (header or body) leaves the
// worker, after which a fault closes the connection without attempting
// to report it to the client.
type responseWriter struct {
	bw         *bufio.Writer
	protoMajor int
	protoMinor int

	header  http.Header
	status  int
	written bool

	// body buffers everything written before headers are flushed, so
	// Content-Length can be computed when the handler never set one
	// explicitly (self-delimiting the response for keep-alive per §4.3).
	body []byte
}

func newResponseWriter(bw *bufio.Writer, major, minor int) *responseWriter {
	return &responseWriter{
		bw:         bw,
		protoMajor: major,
		protoMinor: minor,
		header:     make(http.Header),
	}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(status int) {
	if w.written {
		return
	}
	w.status = status
	w.written = true
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.written {
		w.WriteHeader(200)
	}
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *responseWriter) Written() bool {
	return w.written
}

// finish flushes the buffered status/headers/body to the wire and
// reports whether the connection may be kept alive: keep-alive requires
// a self-delimited response (explicit Content-Length, since chunked
// responses are not produced by this writer) in addition to
// wantKeepAlive (the request-side eligibility check).
func (w *responseWriter) finish(wantKeepAlive bool) bool {
	if !w.written {
		w.WriteHeader(200)
	}

	status := w.status
	text := http.StatusText(status)
	if text == "" {
		text = "status " + fmt.Sprint(status)
	}

	if w.header.Get("Content-Length") == "" {
		w.header.Set("Content-Length", fmt.Sprint(len(w.body)))
	}
	if !wantKeepAlive {
		w.header.Set("Connection", "close")
	} else if w.header.Get("Connection") == "" {
		w.header.Set("Connection", "keep-alive")
	}

	fmt.Fprintf(w.bw, "HTTP/%d.%d %d %s\r\n", w.protoMajor, w.protoMinor, status, text)
	for name, values := range w.header {
		for _, v := range values {
			fmt.Fprintf(w.bw, "%s: %s\r\n", name, v)
		}
	}
	_, _ = w.bw.WriteString("\r\n")
	_, _ = w.bw.Write(w.body)

	return wantKeepAlive && w.header.Get("Connection") != "close"
}
