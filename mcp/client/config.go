// Package client wraps MCP client transports with x402 payment handling.
package client

import (
	"net/http"

	"github.com/fluxlayer/x402-go"
)

// Config holds configuration for a payment-enabled MCP transport.
type Config struct {
	// ServerURL is the MCP server endpoint.
	ServerURL string

	// Signers is the list of payment signers in priority order.
	Signers []x402.Signer

	// HTTPClient is the HTTP client used by the underlying transport.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// OnPaymentAttempt is called when a payment attempt begins.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a paid call succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment cannot be produced or is
	// rejected by the server.
	OnPaymentFailure x402.PaymentCallback
}

// Option configures a Transport.
type Option func(*Config)

// WithSigner adds a payment signer.
func WithSigner(signer x402.Signer) Option {
	return func(c *Config) {
		c.Signers = append(c.Signers, signer)
	}
}

// WithHTTPClient sets a custom HTTP client for the underlying transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithPaymentCallback registers one callback for all payment events.
func WithPaymentCallback(callback x402.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
		c.OnPaymentSuccess = callback
		c.OnPaymentFailure = callback
	}
}

// WithPaymentCallbacks registers per-event callbacks. Nil callbacks are
// left unset.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) Option {
	return func(c *Config) {
		if onAttempt != nil {
			c.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			c.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			c.OnPaymentFailure = onFailure
		}
	}
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig(serverURL string) *Config {
	return &Config{
		ServerURL:  serverURL,
		HTTPClient: http.DefaultClient,
	}
}
