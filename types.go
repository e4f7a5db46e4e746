package x402

import (
	"encoding/json"
	"math/big"
)

// ProtocolVersion is the x402 protocol version this library implements.
const ProtocolVersion = 1

// FieldDef describes a single field in a resource request or response schema.
type FieldDef struct {
	Type        string              `json:"type,omitempty"`
	Required    bool                `json:"required,omitempty"`
	Description string              `json:"description,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Properties  map[string]FieldDef `json:"properties,omitempty"`
}

// InputSchema describes the expected structure of the client request.
type InputSchema struct {
	Type         string              `json:"type"`
	Method       string              `json:"method"`
	BodyType     string              `json:"bodyType,omitempty"`
	QueryParams  map[string]FieldDef `json:"queryParams,omitempty"`
	BodyFields   map[string]FieldDef `json:"bodyFields,omitempty"`
	HeaderFields map[string]FieldDef `json:"headerFields,omitempty"`
}

// OutputSchema describes the shape of the protected resource's success response.
type OutputSchema struct {
	Input  InputSchema         `json:"input,omitempty"`
	Output map[string]FieldDef `json:"output,omitempty"`
}

// PaymentRequirements describes one payment method a resource server accepts.
// A 402 response carries one PaymentRequirements per acceptable instrument.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (e.g. "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g. "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount as a base-10 integer string
	// in atomic units of Asset (wei, lamports, 10^-6 USDC).
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the absolute URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds how long the facilitator may take to settle.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the token contract address (EVM) or mint address (SVM).
	Asset string `json:"asset"`

	// OutputSchema optionally describes the resource's success response.
	OutputSchema *OutputSchema `json:"outputSchema,omitempty"`

	// Extra carries scheme-specific data, e.g. the EIP-712 domain name and
	// version for EIP-3009 tokens, or the feePayer for SVM networks.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 Payment Required response.
type PaymentRequiredResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable description of why payment is required
	// or why the supplied payment was rejected.
	Error string `json:"error"`

	// Accepts lists the payment methods the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`

	// Payer is the rejected payment's payer address, when known.
	Payer string `json:"payer,omitempty"`
}

// PaymentPayload is the proof of payment a client attaches to a retried
// request. Payload is scheme-specific and kept raw; use the scheme registry
// to decode it into its concrete representation.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g. "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload is the scheme-specific signed payment data.
	Payload json.RawMessage `json:"payload"`
}

// ExactEVMAuthorization holds the EIP-3009 transferWithAuthorization
// parameters for the "exact" scheme on EVM networks.
type ExactEVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units (wei).
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing replay.
	Nonce string `json:"nonce"`
}

// ExactEVMPayload is the "exact" scheme payload for EVM networks: an
// EIP-3009 authorization plus its EIP-712 signature.
type ExactEVMPayload struct {
	// Signature is the hex-encoded ECDSA signature over the authorization.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization ExactEVMAuthorization `json:"authorization"`
}

// ExactSVMPayload is the "exact" scheme payload for Solana networks: a
// base64-encoded partially signed transaction. The client signs with its
// own key and the facilitator adds the fee payer signature.
type ExactSVMPayload struct {
	Transaction string `json:"transaction"`
}

// VerifyResponse is the facilitator's answer to a verification request.
// Business-level rejection is reported through IsValid, never as an error.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settlement request and
// the content of the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	// Success indicates whether the payment was settled on-chain.
	Success bool `json:"success"`

	// ErrorReason explains a business-level settlement failure.
	ErrorReason string `json:"errorReason,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// Transaction is the blockchain transaction identifier.
	Transaction string `json:"transaction"`

	// Network is the network the payment settled on.
	Network string `json:"network"`
}

// TokenConfig describes a token a signer is willing to spend.
type TokenConfig struct {
	// Address is the token contract address (EVM) or mint address (SVM).
	Address string

	// Symbol is the token symbol (e.g. "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority orders tokens within a signer. Lower is preferred.
	Priority int

	// Name is an optional human-readable token name.
	Name string
}

// AmountToBigInt converts a human-readable decimal amount to atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BigIntToAmount converts atomic units back to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.5".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}
