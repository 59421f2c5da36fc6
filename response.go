package x402

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
)

// BufferedWriter is a response writer whose status and body can still be
// replaced until it is committed. *ResponseBuffer implements it.
type BufferedWriter interface {
	http.ResponseWriter
	Status() int
	Committed() bool
	Reset()
}

var _ BufferedWriter = (*ResponseBuffer)(nil)

// committer is implemented by response writers that hold output back until commit.
type committer interface {
	Committed() bool
	Reset()
}

// WritePaymentRequired writes a 402 challenge carrying requirements and an optional reason.
// It does nothing if the response is already committed.
func WritePaymentRequired(w http.ResponseWriter, requirements *PaymentRequirements, reason string) error {
	if !prepare(w) {
		return nil
	}
	return writeJSON(w, http.StatusPaymentRequired, newPaymentRequired(requirements, reason))
}

// WriteInternalError writes a 500 response with a JSON error message.
// It does nothing if the response is already committed.
func WriteInternalError(w http.ResponseWriter, message string) error {
	if !prepare(w) {
		return nil
	}
	return writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message})
}

// WriteError answers err with the response its StatusCode calls for.
func WriteError(w http.ResponseWriter, err error) error {
	var pe *PaymentError
	if !errors.As(err, &pe) {
		return WriteInternalError(w, msgVerifyInternal)
	}
	if pe.StatusCode() == http.StatusPaymentRequired {
		return WritePaymentRequired(w, pe.Requirements, pe.Message)
	}
	return WriteInternalError(w, pe.Message)
}

// SetSettlementHeader attaches the encoded X-PAYMENT-RESPONSE header and
// exposes it to cross-origin clients.
func SetSettlementHeader(h http.Header, encoded string) {
	h.Set(HeaderPaymentResponse, encoded)
	h.Set(HeaderExposeHeaders, HeaderPaymentResponse)
}

// prepare resets any held-back output. It reports false if the response can no longer change.
func prepare(w http.ResponseWriter) bool {
	c, ok := w.(committer)
	if !ok {
		return true
	}
	if c.Committed() {
		return false
	}
	c.Reset()
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	// Headers describing the discarded handler body must not reach the client.
	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	h.Del("ETag")
	h.Del("Last-Modified")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// ResponseBuffer holds a handler's status and body back from the client so
// the gate can still replace them after the handler returns. The response is
// committed when the handler flushes, when the body outgrows the buffer, or
// when Commit is called.
type ResponseBuffer struct {
	w         http.ResponseWriter
	limit     int
	buf       bytes.Buffer
	status    int
	committed bool
}

// NewResponseBuffer wraps w, committing automatically once more than limit body bytes are written.
func NewResponseBuffer(w http.ResponseWriter, limit int) *ResponseBuffer {
	if limit <= 0 {
		limit = DefaultResponseBufferSize
	}
	return &ResponseBuffer{w: w, limit: limit}
}

func (b *ResponseBuffer) Header() http.Header {
	return b.w.Header()
}

func (b *ResponseBuffer) WriteHeader(statusCode int) {
	if b.committed || b.status != 0 {
		return
	}
	b.status = statusCode
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.WriteHeader(http.StatusOK)
	}
	if b.committed {
		return b.w.Write(p)
	}
	if b.buf.Len()+len(p) > b.limit {
		if err := b.Commit(); err != nil {
			return 0, err
		}
		return b.w.Write(p)
	}
	return b.buf.Write(p)
}

// Flush commits the response and flushes it to the client.
func (b *ResponseBuffer) Flush() {
	if err := b.Commit(); err != nil {
		return
	}
	if f, ok := b.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (b *ResponseBuffer) Unwrap() http.ResponseWriter {
	return b.w
}

// Hijack commits the buffer and takes over the connection. Held-back output
// is discarded.
func (b *ResponseBuffer) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(b.w).Hijack()
	if err != nil {
		return nil, nil, err
	}
	b.committed = true
	b.buf.Reset()
	return conn, rw, nil
}

// Status returns the status written so far, or 200 if none was.
func (b *ResponseBuffer) Status() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// Written reports whether the handler wrote a status or body.
func (b *ResponseBuffer) Written() bool {
	return b.status != 0
}

// Size returns the number of held-back body bytes.
func (b *ResponseBuffer) Size() int {
	return b.buf.Len()
}

// Committed reports whether the status line has been sent to the client.
func (b *ResponseBuffer) Committed() bool {
	return b.committed
}

// Reset discards the held-back status and body. Headers are kept.
func (b *ResponseBuffer) Reset() {
	if b.committed {
		return
	}
	b.buf.Reset()
	b.status = 0
}

// Commit sends the status, headers and held-back body to the client.
func (b *ResponseBuffer) Commit() error {
	if b.committed {
		return nil
	}
	b.committed = true
	b.w.WriteHeader(b.Status())
	if b.buf.Len() == 0 {
		return nil
	}
	_, err := b.w.Write(b.buf.Bytes())
	b.buf.Reset()
	return err
}
