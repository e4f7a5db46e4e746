// Package mcp integrates x402 payments with the Model Context Protocol.
// Payments travel in JSON-RPC metadata: the client puts its payment in
// params._meta["x402/payment"], the server answers unpaid calls with a
// JSON-RPC error code 402 carrying the accepted payment methods, and
// settlement receipts come back in result._meta["x402/payment-response"].
package mcp

import (
	"github.com/fluxlayer/x402-go"
)

const (
	// MetaKeyPayment is the params._meta key carrying the client's
	// PaymentPayload on a tools/call request.
	MetaKeyPayment = "x402/payment"

	// MetaKeyPaymentResponse is the result._meta key carrying the
	// SettleResponse on a successful paid call.
	MetaKeyPaymentResponse = "x402/payment-response"

	// PaymentRequiredCode is the JSON-RPC error code signaling that the
	// called tool requires payment, mirroring HTTP 402.
	PaymentRequiredCode = 402
)

// PaymentRequiredData is the data field of a payment-required JSON-RPC
// error: the MCP equivalent of the HTTP 402 response body.
type PaymentRequiredData struct {
	X402Version int                        `json:"x402Version"`
	Error       string                     `json:"error"`
	Accepts     []x402.PaymentRequirements `json:"accepts"`
}
