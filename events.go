package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent is a payment lifecycle notification emitted by the HTTP and
// MCP transports for logging, metrics, and spend tracking.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport ("HTTP" or "MCP").
	Method string

	// URL is the HTTP URL being accessed (HTTP only).
	URL string

	// Tool is the MCP tool being invoked (MCP only).
	Tool string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token address or mint.
	Asset string

	// Network is the blockchain network identifier.
	Network string

	// Scheme is the payment scheme.
	Scheme string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the paying address (available on success).
	Payer string

	// Transaction is the settlement transaction id (available on success).
	Transaction string

	// Error holds failure details (available on failure).
	Error error

	// Duration is the time spent on the payment attempt.
	Duration time.Duration
}

// PaymentCallback handles payment events. Callbacks run synchronously in the
// payment path; long work belongs in a goroutine inside the callback.
type PaymentCallback func(PaymentEvent)
