package helpers

import (
	"log/slog"

	"github.com/fluxlayer/x402-go"
)

// Payer identifies the paying address of a payment, used to echo the payer
// back in 402 rejections. EVM payloads carry the address directly; SVM
// payloads require decoding the partially-signed transaction. An
// unidentifiable payer is returned as the empty string, never an error.
func Payer(payment *x402.PaymentPayload) string {
	if p := x402.PayerOf(payment); p != "" {
		return p
	}
	if t, err := x402.NetworkTypeOf(payment.Network); err != nil || t != x402.NetworkTypeSVM {
		return ""
	}
	payer, err := solanaPayer(payment)
	if err != nil {
		slog.Default().Debug("failed to extract solana payer", "network", payment.Network, "err", err)
		return ""
	}
	return payer
}
