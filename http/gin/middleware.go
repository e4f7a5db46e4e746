// Package gin adapts the x402 payment middleware to Gin. The adapter
// translates gin.Context to the stdlib gate and stores the verified payment
// in the Gin context under PaymentContextKey.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpx402 "github.com/fluxlayer/x402-go/http"
)

// PaymentContextKey is the Gin context key holding the verified payment as
// a *x402.VerifyResponse.
const PaymentContextKey = "x402_payment"

// NewMiddleware creates payment-gating middleware for Gin. Gin buffers
// responses through its own writer, so payments settle before the protected
// handler runs rather than at response-commit time. OPTIONS requests bypass
// the payment check so CORS preflights succeed.
//
// Example:
//
//	r := gin.Default()
//	r.Use(ginx402.NewMiddleware(&httpx402.Config{
//		FacilitatorURL:      "https://x402.org/facilitator",
//		PaymentRequirements: requirements,
//	}))
//	r.GET("/protected", func(c *gin.Context) {
//		payment := c.MustGet(ginx402.PaymentContextKey).(*x402.VerifyResponse)
//		c.JSON(200, gin.H{"payer": payment.Payer})
//	})
func NewMiddleware(config *httpx402.Config) gin.HandlerFunc {
	gate := httpx402.NewGate(config)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		verifyResp, ok := gate.Check(c.Writer, c.Request)
		if !ok {
			c.Abort()
			return
		}

		c.Set(PaymentContextKey, verifyResp)
		c.Next()
	}
}
