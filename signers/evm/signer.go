// Package evm implements an x402 payment signer for EVM-compatible chains
// using EIP-3009 transferWithAuthorization.
package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fluxlayer/x402-go"
)

// Signer implements x402.Signer for EVM networks. A signer holds one
// private key, one network, and the set of tokens it is willing to spend.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chainID    *big.Int
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates an EVM signer. A private key (or keystore/mnemonic), a
// network, and at least one token are required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, x402.ErrInvalidNetwork
	}
	if netType, err := x402.NetworkTypeOf(s.network); err == nil && netType != x402.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM network", x402.ErrInvalidNetwork, s.network)
	}
	if len(s.tokens) == 0 {
		return nil, x402.ErrNoTokens
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	s.chainID = x402.ChainID(s.network)

	return s, nil
}

// WithPrivateKey sets the private key from a hex string, with or without
// the 0x prefix.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the blockchain network.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token the signer may spend.
func WithToken(address, symbol string, decimals int) SignerOption {
	return WithTokenPriority(address, symbol, decimals, 0)
}

// WithTokenPriority adds a token with an explicit selection priority.
// Lower priority tokens are preferred.
func WithTokenPriority(address, symbol string, decimals, priority int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  address,
			Symbol:   symbol,
			Decimals: decimals,
			Priority: priority,
		})
		return nil
	}
}

// WithPriority sets the signer's priority relative to other signers.
// Lower is preferred.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmountPerCall caps the amount the signer will authorize for a
// single payment, in atomic units.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return "exact"
}

// CanSign implements x402.Signer. It requires an exact scheme and network
// match plus a configured token for the required asset.
func (s *Signer) CanSign(requirement *x402.PaymentRequirements) bool {
	if requirement.Network != s.network || requirement.Scheme != "exact" {
		return false
	}
	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirement.Asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. It creates and signs an EIP-3009
// authorization for the full required amount.
func (s *Signer) Sign(requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, x402.ErrNoValidSigner
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirement.MaxAmountRequired, 10); !ok {
		return nil, x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	var tokenAddress common.Address
	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirement.Asset) {
			tokenAddress = common.HexToAddress(token.Address)
			break
		}
	}

	auth, err := CreateAuthorization(
		s.address,
		common.HexToAddress(requirement.PayTo),
		amount,
		requirement.MaxTimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}

	name, version := domainFromExtra(requirement.Extra)
	signature, err := SignTransferAuthorization(s.privateKey, tokenAddress, s.chainID, auth, name, version)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(x402.ExactEVMPayload{
		Signature: signature,
		Authorization: x402.ExactEVMAuthorization{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       auth.Nonce.Hex(),
		},
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to marshal payload", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      "exact",
		Network:     s.network,
		Payload:     payload,
	}, nil
}

// Priority implements x402.Signer.
func (s *Signer) Priority() int {
	return s.priority
}

// Tokens implements x402.Signer.
func (s *Signer) Tokens() []x402.TokenConfig {
	return s.tokens
}

// MaxAmount implements x402.Signer.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// domainFromExtra pulls the EIP-712 domain name and version out of the
// requirement's extra data, falling back to the USDC values most x402
// deployments use.
func domainFromExtra(extra map[string]interface{}) (string, string) {
	name, version := "USD Coin", "2"
	if extra == nil {
		return name, version
	}
	if v, ok := extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}
