package http

import (
	"net/http"
)

// Header names used by the x402 protocol. Matching is case-insensitive on
// receipt, but these spellings are what the protocol documents and what
// this package emits.
const (
	// PaymentHeader carries the base64 PaymentPayload on a request.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the base64 SettleResponse on a response.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// paymentResponseHeaderValue extracts the X-PAYMENT-RESPONSE value.
// Intermediaries normalize header casing inconsistently, so the lookup
// tolerates the exact protocol spelling, Go's canonical form, and the
// HTTP/2 lowercase form, preferring an exact-case match when more than one
// variant is present.
func paymentResponseHeaderValue(h http.Header) string {
	if vs, ok := h[PaymentResponseHeader]; ok && len(vs) > 0 && vs[0] != "" {
		return vs[0]
	}
	if v := h.Get(PaymentResponseHeader); v != "" {
		return v
	}
	if vs, ok := h["x-payment-response"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
