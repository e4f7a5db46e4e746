package http

import (
	"fmt"
	"net/http"

	"github.com/fluxlayer/x402-go"
)

// Client is an HTTP client that pays x402 challenges automatically. It
// embeds a standard http.Client whose transport is wrapped by Transport.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a payment-enabled HTTP client. Without a signer the
// client behaves like a plain http.Client and surfaces 402 responses
// unchanged.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client. Apply this before
// WithSigner so the payment transport wraps the custom client's transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer. Multiple signers may be added; the
// transport picks the highest-priority signer that can satisfy whatever
// requirement the origin advertises.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		transport := paymentTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithPaymentCallback registers a callback for one payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := paymentTransport(c)
		switch eventType {
		case x402.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}
		return nil
	}
}

// WithPaymentCallbacks registers all payment callbacks at once. Nil
// callbacks are left unset.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := paymentTransport(c)
		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}
		return nil
	}
}

// paymentTransport returns the client's Transport, wrapping the current one
// on first use.
func paymentTransport(c *Client) *Transport {
	transport, ok := c.Client.Transport.(*Transport)
	if !ok {
		transport = &Transport{
			Base: c.Client.Transport,
		}
		c.Client.Transport = transport
	}
	return transport
}

// GetSettlement extracts settlement details from a response. It returns nil
// when no X-PAYMENT-RESPONSE header is present or it cannot be decoded.
func GetSettlement(resp *http.Response) *x402.SettleResponse {
	headerValue := paymentResponseHeaderValue(resp.Header)
	if headerValue == "" {
		return nil
	}
	settlement, err := parseSettlement(headerValue)
	if err != nil {
		return nil
	}
	return settlement
}
