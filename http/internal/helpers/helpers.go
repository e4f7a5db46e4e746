// Package helpers holds shared logic for the x402 HTTP middleware variants.
// The stdlib, Gin, Chi, and PocketBase middlewares all funnel through these
// functions so a payment is parsed, matched, and answered identically no
// matter which router hosts the resource.
package helpers

import (
	"encoding/json"
	"net/http"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/encoding"
)

// PaymentHeader is the request header carrying the payment authorization.
const PaymentHeader = "X-PAYMENT"

// PaymentResponseHeader is the response header carrying settlement details.
const PaymentResponseHeader = "X-PAYMENT-RESPONSE"

// PaymentHeaderValue extracts the X-PAYMENT value from a request. Header
// matching is case-insensitive; when multiple casings are present the exact
// protocol spelling wins.
func PaymentHeaderValue(r *http.Request) string {
	if vs, ok := r.Header[PaymentHeader]; ok && len(vs) > 0 && vs[0] != "" {
		return vs[0]
	}
	if v := r.Header.Get(PaymentHeader); v != "" {
		return v
	}
	// Header keys arriving through HTTP/2 or a non-canonicalizing proxy.
	if vs, ok := r.Header["x-payment"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// ParsePayment decodes and validates the X-PAYMENT header of a request.
// The empty-header case is reported distinctly so middleware can answer a
// first visit (no payment attempted) without a diagnostic message.
//
// Returns x402.ErrMalformedHeader for invalid base64 or JSON and
// x402.ErrUnsupportedVersion when the payload declares a version other
// than 1; both are wrapped with the specific parse failure.
func ParsePayment(r *http.Request) (x402.PaymentPayload, error) {
	value := PaymentHeaderValue(r)
	if value == "" {
		return x402.PaymentPayload{}, x402.ErrMalformedHeader
	}
	return encoding.DecodePayment(value)
}

// SendPaymentRequired writes a 402 response listing the accepted payment
// methods. reason travels in the error field so a paying client can tell a
// fresh challenge from a rejected attempt; payer is included when the
// rejected payment identified one.
func SendPaymentRequired(w http.ResponseWriter, requirements []x402.PaymentRequirements, reason, payer string) {
	if reason == "" {
		reason = "Payment required for this resource"
	}
	response := x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Error:       reason,
		Accepts:     requirements,
		Payer:       payer,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	// Headers are already committed with the 402 status, so an encode
	// failure here can only truncate the body.
	_ = json.NewEncoder(w).Encode(response)
}

// AddPaymentResponseHeader attaches the base64 settlement result to the
// response. It must run before the response is committed.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettleResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}
