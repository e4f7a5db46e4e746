package x402

import "math/big"

// Signer produces signed payments for a specific blockchain network.
// Implementations are chain-specific: signers/evm signs EIP-3009 transfer
// authorizations, signers/svm builds partially signed Solana transactions.
type Signer interface {
	// Network returns the blockchain network identifier (e.g. "base", "solana").
	Network() string

	// Scheme returns the payment scheme identifier (currently "exact").
	Scheme() string

	// CanSign reports whether this signer can satisfy the given requirement:
	// matching network and scheme, a configured token for the asset, and an
	// amount within the per-call limit.
	CanSign(req *PaymentRequirements) bool

	// Sign creates a signed payment payload for the given requirement.
	Sign(req *PaymentRequirements) (*PaymentPayload, error)

	// Priority orders signers during selection. Lower is preferred.
	Priority() int

	// Tokens returns the tokens this signer is willing to spend.
	Tokens() []TokenConfig

	// MaxAmount returns the per-call spending limit, or nil when unlimited.
	MaxAmount() *big.Int
}
