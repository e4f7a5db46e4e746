// Package x402 implements the x402 payment negotiation protocol: the data
// model exchanged between clients, resource servers, and facilitators, the
// requirement selection algorithm, and the X-PAYMENT header codec. Transport
// integrations live in the http and mcp subpackages; blockchain signing lives
// under signers.
package x402

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// NetworkType represents the blockchain virtual machine family.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

// ChainConfig holds per-network constants: the network identifier, its VM
// family, the chain ID for EVM networks, and Circle USDC parameters.
type ChainConfig struct {
	// NetworkID is the x402 network identifier (e.g. "base", "solana").
	NetworkID string

	// Type is the VM family of the network.
	Type NetworkType

	// ChainID is the EVM chain ID; nil for non-EVM networks.
	ChainID *big.Int

	// USDCAddress is the official Circle USDC contract or mint address.
	USDCAddress string

	// USDCDecimals is the number of decimal places for USDC (always 6).
	USDCDecimals int

	// EIP3009Name is the EIP-712 domain "name" of the USDC contract
	// (empty for non-EVM networks).
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain "version" of the USDC contract
	// (empty for non-EVM networks).
	EIP3009Version string
}

// Mainnet chain configurations.
var (
	BaseMainnet = ChainConfig{
		NetworkID:      "base",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(8453),
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	PolygonMainnet = ChainConfig{
		NetworkID:      "polygon",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(137),
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	AvalancheMainnet = ChainConfig{
		NetworkID:      "avalanche",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(43114),
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	SolanaMainnet = ChainConfig{
		NetworkID:    "solana",
		Type:         NetworkTypeSVM,
		USDCAddress:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		USDCDecimals: 6,
	}
)

// Testnet chain configurations.
var (
	BaseSepolia = ChainConfig{
		NetworkID:      "base-sepolia",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(84532),
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCDecimals:   6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	PolygonAmoy = ChainConfig{
		NetworkID:      "polygon-amoy",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(80002),
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		USDCDecimals:   6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	AvalancheFuji = ChainConfig{
		NetworkID:      "avalanche-fuji",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(43113),
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	SolanaDevnet = ChainConfig{
		NetworkID:    "solana-devnet",
		Type:         NetworkTypeSVM,
		USDCAddress:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		USDCDecimals: 6,
	}
)

// knownChains indexes every built-in chain configuration by network ID.
var knownChains = map[string]ChainConfig{
	BaseMainnet.NetworkID:      BaseMainnet,
	PolygonMainnet.NetworkID:   PolygonMainnet,
	AvalancheMainnet.NetworkID: AvalancheMainnet,
	SolanaMainnet.NetworkID:    SolanaMainnet,
	BaseSepolia.NetworkID:      BaseSepolia,
	PolygonAmoy.NetworkID:      PolygonAmoy,
	AvalancheFuji.NetworkID:    AvalancheFuji,
	SolanaDevnet.NetworkID:     SolanaDevnet,
}

// ChainByNetwork returns the built-in configuration for a network ID.
func ChainByNetwork(networkID string) (ChainConfig, bool) {
	cfg, ok := knownChains[networkID]
	return cfg, ok
}

// NetworkTypeOf validates a network identifier and returns its VM family.
//
// Supported networks:
//   - EVM: base, base-sepolia, polygon, polygon-amoy, avalanche, avalanche-fuji
//   - SVM: solana, solana-devnet
func NetworkTypeOf(networkID string) (NetworkType, error) {
	if networkID == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network ID cannot be empty", ErrInvalidNetwork)
	}
	cfg, ok := knownChains[networkID]
	if !ok {
		return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
	}
	return cfg.Type, nil
}

// ChainID returns the EVM chain ID for a network, or 0 for unknown and
// non-EVM networks.
func ChainID(networkID string) *big.Int {
	cfg, ok := knownChains[networkID]
	if !ok || cfg.ChainID == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(cfg.ChainID)
}

// USDCRequirementConfig configures NewUSDCRequirement. It is a convenience
// for USDC payments; for other tokens construct PaymentRequirements directly.
type USDCRequirementConfig struct {
	// Chain is the chain configuration with USDC details (required).
	Chain ChainConfig

	// Amount is the human-readable USDC amount (e.g. "1.5" = 1.5 USDC).
	// Zero is allowed for free-with-signature authorization flows.
	Amount string

	// RecipientAddress is the payment recipient address (required).
	RecipientAddress string

	// Scheme is the payment scheme (optional, defaults to "exact").
	Scheme string

	// MaxTimeoutSeconds is the maximum settlement wait (optional, defaults to 300).
	MaxTimeoutSeconds int

	// MimeType is the response MIME type (optional, defaults to "application/json").
	MimeType string
}

// NewUSDCRequirement builds a PaymentRequirements for a USDC payment on the
// given chain. It converts the amount to atomic units and populates the
// EIP-3009 domain parameters for EVM chains.
func NewUSDCRequirement(config USDCRequirementConfig) (PaymentRequirements, error) {
	if config.RecipientAddress == "" {
		return PaymentRequirements{}, fmt.Errorf("recipientAddress: cannot be empty")
	}

	amount, err := strconv.ParseFloat(config.Amount, 64)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("amount: invalid format")
	}
	if amount < 0 {
		return PaymentRequirements{}, fmt.Errorf("amount: must be non-negative")
	}

	atomic := uint64(math.RoundToEven(amount * 1e6))

	scheme := config.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 300
	}
	mimeType := config.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	req := PaymentRequirements{
		Scheme:            scheme,
		Network:           config.Chain.NetworkID,
		MaxAmountRequired: strconv.FormatUint(atomic, 10),
		Asset:             config.Chain.USDCAddress,
		PayTo:             config.RecipientAddress,
		MimeType:          mimeType,
		MaxTimeoutSeconds: maxTimeout,
	}

	if config.Chain.EIP3009Name != "" {
		req.Extra = map[string]interface{}{
			"name":    config.Chain.EIP3009Name,
			"version": config.Chain.EIP3009Version,
		}
	}

	return req, nil
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain.
// Lower priority numbers are preferred during signer selection.
func NewUSDCTokenConfig(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: chain.USDCDecimals,
		Priority: priority,
	}
}
