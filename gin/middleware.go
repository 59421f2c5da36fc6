// Package gin provides Gin-compatible middleware for x402 payment gating.
// It is a thin adapter over x402.PaymentGate: the handler's output is held
// in an x402.ResponseBuffer so a failed settlement can still replace it.
package gin

import (
	"fmt"
	"net/http"

	x402 "github.com/becomeliminal/x402-gate"
	"github.com/gin-gonic/gin"
)

// PaymentContextKey is the gin context key for storing verified payment information.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates x402 payment middleware for Gin.
// It panics if cfg is invalid.
//
//	r := gin.Default()
//	r.Use(gin.NewX402Middleware(cfg))
//	r.GET("/v1/premium", func(c *gin.Context) {
//	    payment := gin.GetPaymentFromContext(c)
//	    c.JSON(200, gin.H{"payer": payment.PayerAddress})
//	})
func NewX402Middleware(cfg x402.Config) gin.HandlerFunc {
	gate, err := x402.NewPaymentGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return Middleware(gate)
}

// Middleware returns a Gin handler gating requests through gate.
// Routes without a policy pass through untouched.
func Middleware(gate *x402.PaymentGate) gin.HandlerFunc {
	logger := gate.Config().Logger
	bufferSize := gate.Config().ResponseBufferSize

	return func(c *gin.Context) {
		policy, requiresPayment := gate.MatchEndpoint(c.Request.URL.Path)
		if !requiresPayment {
			c.Next()
			return
		}

		resource := c.Request.URL.Path
		session, err := gate.Verify(c.Request.Context(), policy, resource, c.GetHeader(x402.HeaderPayment))
		if err != nil {
			if werr := x402.WriteError(c.Writer, err); werr != nil {
				logger.Error("x402 failed to write payment response", "resource", resource, "error", werr)
			}
			c.Abort()
			return
		}

		payment := session.PaymentContext()
		c.Set(PaymentContextKey, payment)
		c.Request = c.Request.WithContext(x402.WithPaymentContext(c.Request.Context(), payment))

		original := c.Writer
		w := newBufferedWriter(original, bufferSize)
		c.Writer = w
		defer func() { c.Writer = original }()

		c.Next()

		gate.Complete(c.Request.Context(), w, session)

		if err := w.buf.Commit(); err != nil {
			logger.Warn("x402 failed to write response", "resource", resource, "error", err)
		}
	}
}

// GetPaymentFromContext returns the verified payment for the current request, or nil.
func GetPaymentFromContext(c *gin.Context) *x402.PaymentContext {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	payment, ok := value.(*x402.PaymentContext)
	if !ok {
		return nil
	}
	return payment
}

// bufferedWriter routes a gin.ResponseWriter's status and body through an
// x402.ResponseBuffer. Hijack, CloseNotify and Pusher go to the wrapped writer.
type bufferedWriter struct {
	gin.ResponseWriter
	buf *x402.ResponseBuffer
}

var _ x402.BufferedWriter = (*bufferedWriter)(nil)

func newBufferedWriter(w gin.ResponseWriter, limit int) *bufferedWriter {
	return &bufferedWriter{
		ResponseWriter: w,
		buf:            x402.NewResponseBuffer(w, limit),
	}
}

func (w *bufferedWriter) Header() http.Header {
	return w.buf.Header()
}

func (w *bufferedWriter) WriteHeader(code int) {
	w.buf.WriteHeader(code)
}

// WriteHeaderNow records a 200 if no status was set. The status line itself
// is sent when the buffer commits.
func (w *bufferedWriter) WriteHeaderNow() {
	if !w.buf.Written() {
		w.buf.WriteHeader(http.StatusOK)
	}
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	return w.buf.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.buf.Write([]byte(s))
}

func (w *bufferedWriter) Status() int {
	return w.buf.Status()
}

func (w *bufferedWriter) Size() int {
	if !w.buf.Written() {
		return -1
	}
	if w.buf.Committed() {
		return w.ResponseWriter.Size()
	}
	return w.buf.Size()
}

func (w *bufferedWriter) Written() bool {
	return w.buf.Written()
}

func (w *bufferedWriter) Flush() {
	w.buf.Flush()
}

func (w *bufferedWriter) Committed() bool {
	return w.buf.Committed()
}

func (w *bufferedWriter) Reset() {
	w.buf.Reset()
}
