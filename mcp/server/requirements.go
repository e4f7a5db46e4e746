package server

import (
	"fmt"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/validation"
)

// ToolResource returns the canonical resource URI for a paid tool.
func ToolResource(toolName string) string {
	return fmt.Sprintf("mcp://tools/%s", toolName)
}

// RequireUSDC builds a payment requirement for a USDC payment on the named
// network. amount is in whole USDC (e.g. "0.10").
func RequireUSDC(network, payTo, amount, description string) (x402.PaymentRequirements, error) {
	chain, ok := x402.ChainByNetwork(network)
	if !ok {
		return x402.PaymentRequirements{}, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
	}
	req, err := x402.NewUSDCRequirement(x402.USDCRequirementConfig{
		Chain:            chain,
		Amount:           amount,
		RecipientAddress: payTo,
	})
	if err != nil {
		return x402.PaymentRequirements{}, err
	}
	req.Description = description
	return req, nil
}

// ValidateRequirement checks that a payment requirement is complete and
// well formed before it is registered for a tool.
func ValidateRequirement(req x402.PaymentRequirements) error {
	return validation.ValidateRequirements(req)
}
