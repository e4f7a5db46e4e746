// Package server adds x402 payment gating to MCP servers. Tool calls for
// registered paid tools are refused with JSON-RPC error 402 until the
// client supplies a verifiable payment in params._meta.
package server

import (
	"log/slog"

	"github.com/fluxlayer/x402-go"
	httpx402 "github.com/fluxlayer/x402-go/http"
)

// Config holds configuration for a payment-gated MCP server.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is an optional backup facilitator, consulted
	// only when the primary is unreachable for verification.
	FallbackFacilitatorURL string

	// FacilitatorAuthorization is a static Authorization header value for
	// the facilitator.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns a per-request Authorization
	// value. Takes precedence over the static value when set.
	FacilitatorAuthorizationProvider httpx402.AuthorizationProvider

	// VerifyOnly skips settlement. The receipt injected into result._meta
	// then reports Success false, meaning settlement was skipped rather
	// than failed.
	VerifyOnly bool

	// Timeouts configures verify and settle deadlines. Zero value uses
	// x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Logger receives handler diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// PaymentTools maps tool names to their accepted payment methods.
	// Tools absent from the map are free.
	PaymentTools map[string][]x402.PaymentRequirements
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() *Config {
	return &Config{
		FacilitatorURL: "https://x402.org/facilitator",
		PaymentTools:   make(map[string][]x402.PaymentRequirements),
	}
}

// AddPaymentTool registers payment requirements for a tool.
func (c *Config) AddPaymentTool(toolName string, requirements ...x402.PaymentRequirements) {
	if c.PaymentTools == nil {
		c.PaymentTools = make(map[string][]x402.PaymentRequirements)
	}
	c.PaymentTools[toolName] = requirements
}

// RequiresPayment reports whether a tool has payment requirements.
func (c *Config) RequiresPayment(toolName string) bool {
	return len(c.PaymentTools[toolName]) > 0
}
