// Package pocketbase adapts the x402 payment middleware to PocketBase
// request hooks. The adapter translates core.RequestEvent to the stdlib
// gate and stores the verified payment in the event store.
package pocketbase

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	httpx402 "github.com/fluxlayer/x402-go/http"
)

// PaymentStoreKey is the request-store key holding the verified payment as
// a *x402.VerifyResponse.
const PaymentStoreKey = "x402_payment"

// NewMiddleware creates payment-gating middleware for PocketBase routes.
// Payments settle before the protected handler runs. OPTIONS requests
// bypass the payment check so CORS preflights succeed.
//
// Example:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//		se.Router.GET("/api/premium/data", handler).
//			BindFunc(pbx402.NewMiddleware(config))
//		return se.Next()
//	})
//
// Handlers read the payment with:
//
//	payment := e.Get(pbx402.PaymentStoreKey).(*x402.VerifyResponse)
func NewMiddleware(config *httpx402.Config) func(*core.RequestEvent) error {
	gate := httpx402.NewGate(config)
	return func(e *core.RequestEvent) error {
		if e.Request.Method == http.MethodOptions {
			return e.Next()
		}

		verifyResp, ok := gate.Check(e.Response, e.Request)
		if !ok {
			// The gate already wrote the refusal; returning nil stops
			// the chain without PocketBase writing a second response.
			return nil
		}

		e.Set(PaymentStoreKey, verifyResp)
		return e.Next()
	}
}
