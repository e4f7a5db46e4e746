// Package validation checks payment requirements and payloads against the
// x402 schema rules before they cross a trust boundary.
package validation

import (
	"fmt"
	"regexp"

	"github.com/fluxlayer/x402-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses.
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses.
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// amountRegex matches unsigned base-10 integer strings: no sign, no
	// decimals, no leading +.
	amountRegex = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)
)

// ValidateAmount checks that an amount string is an unsigned base-10 integer
// in atomic units. Zero is allowed for free-with-signature flows.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if !amountRegex.MatchString(amount) {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	return nil
}

// ValidateAddress validates an address against the format rules of the
// network's VM family.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.NetworkTypeOf(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
	case x402.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
	return nil
}

// ValidateRequirementsSchema checks the network-agnostic shape of a payment
// requirement: amount format, non-empty scheme, network, payTo, and asset,
// and a non-negative timeout. It intentionally does not consult the network
// catalog, so requirements on networks this client cannot pay still pass.
func ValidateRequirementsSchema(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}

	if req.Scheme == "" {
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	}

	if req.PayTo == "" {
		return fmt.Errorf("invalid requirement: payTo address cannot be empty")
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirement: asset address cannot be empty")
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	return nil
}

// ValidateRequirements performs comprehensive validation of a single payment
// requirement: the schema checks plus network-family address formats and the
// EIP-3009 extra parameters on EVM networks.
func ValidateRequirements(req x402.PaymentRequirements) error {
	if err := ValidateRequirementsSchema(req); err != nil {
		return err
	}

	networkType, err := x402.NetworkTypeOf(req.Network)
	if err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	if networkType == x402.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 version cannot be empty")
		}
	}

	return nil
}

// ValidatePayload validates a payment payload envelope: version, scheme,
// network, and presence of the scheme-specific payload.
func ValidatePayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.ProtocolVersion {
		return fmt.Errorf("unsupported x402 version: %d", payment.X402Version)
	}
	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if payment.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if _, err := x402.NetworkTypeOf(payment.Network); err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}
	if len(payment.Payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}
	return nil
}
