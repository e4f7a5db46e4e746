// Package chi adapts the x402 payment middleware to Chi routers. Chi
// middleware uses the stdlib func(http.Handler) http.Handler shape, so the
// adapter only adds the CORS preflight bypass and delegates everything else.
package chi

import (
	"net/http"

	httpx402 "github.com/fluxlayer/x402-go/http"
)

// NewMiddleware creates payment-gating middleware for Chi routers.
// OPTIONS requests bypass the payment check so CORS preflights succeed
// without a payment header.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(chix402.NewMiddleware(&httpx402.Config{
//		FacilitatorURL:      "https://x402.org/facilitator",
//		PaymentRequirements: requirements,
//	}))
//	r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
//		payment := httpx402.PaymentFromContext(r.Context())
//		w.Write([]byte("paid by " + payment.Payer))
//	})
func NewMiddleware(config *httpx402.Config) func(http.Handler) http.Handler {
	gate := httpx402.NewMiddleware(config)
	return func(next http.Handler) http.Handler {
		gated := gate(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
