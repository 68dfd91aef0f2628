package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

var errNotHijacker = errors.New("response writer does not support hijacking")

// statusWriter records what was written to a response. One instance is
// shared by every middleware of a request; see capture.
type statusWriter struct {
	http.ResponseWriter
	status   int
	written  int64
	upgraded bool
	// userID is filled in by Auth once the caller is known.
	userID string
}

// capture returns the statusWriter wrapping w, creating it on first use.
func capture(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

// Status returns the response status, 200 when nothing set it explicitly.
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.written += int64(n)
	return n, err
}

// Hijack hands the connection to a websocket upgrade.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		sw.status = http.StatusSwitchingProtocols
		sw.upgraded = true
	}
	return conn, rw, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// annotateUser records the authenticated caller for request logging.
func annotateUser(w http.ResponseWriter, userID string) {
	if sw, ok := w.(*statusWriter); ok {
		sw.userID = userID
	}
}

// routePattern returns the matched chi route, or the raw path outside chi.
// It is only complete after the router has served the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
