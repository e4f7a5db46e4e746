// Package facilitator defines the contract between a resource server and the
// remote service that verifies and settles payments on its behalf.
package facilitator

import (
	"context"

	"github.com/fluxlayer/x402-go"
)

// Interface is the facilitator contract. Verify and Settle report business
// outcomes (rejected payment, failed settlement) through the response value;
// an error return always means a transport-level failure, so callers can
// tell "your payment is invalid" apart from "we couldn't check your payment".
type Interface interface {
	// Verify checks a payment authorization without touching chain state.
	Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes the payment on-chain. Settle is not idempotent;
	// callers must invoke it at most once per payload and treat a transport
	// timeout as an unknown outcome rather than a failure.
	Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported queries the scheme/network pairs the facilitator accepts.
	// Servers use it to restrict which requirements they advertise.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// SupportedKind describes one payment type a facilitator accepts, with
// optional network-specific configuration such as the SVM fee payer.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator's /supported payload.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
