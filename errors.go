package x402

import "errors"

// Sentinel errors for x402 payment operations.
var (
	// ErrNoAcceptableRequirements indicates an empty requirements list was
	// offered to the selector.
	ErrNoAcceptableRequirements = errors.New("x402: no acceptable payment requirements")

	// ErrNoValidSigner indicates no signer can satisfy the payment requirements.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates the payment amount exceeds the per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrInvalidRequirements indicates the payment requirements from the server are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrInvalidAmount indicates a malformed amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidKeystore indicates an invalid or corrupted keystore file.
	ErrInvalidKeystore = errors.New("x402: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("x402: invalid mnemonic phrase")

	// ErrNoTokens indicates no tokens are configured for the signer.
	ErrNoTokens = errors.New("x402: no tokens configured")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme or
	// scheme/network pair.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrFacilitatorUnavailable indicates the facilitator could not be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates the verify call failed at the
	// transport level. It does not mean the payment itself is invalid;
	// business rejection is reported through VerifyResponse.IsValid.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates the settle call failed at the transport level.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSettlementUnknown indicates a settle call timed out or broke mid
	// flight. The on-chain outcome is unknown; callers must not retry settle.
	ErrSettlementUnknown = errors.New("x402: settlement outcome unknown")

	// ErrInvalidPaymentRequired indicates a 402 response whose body does not
	// conform to the payment-required schema.
	ErrInvalidPaymentRequired = errors.New("x402: invalid payment required response")
)

// ErrorCode classifies payment errors for programmatic handling.
type ErrorCode string

const (
	// ErrCodeNoRequirements indicates the offered requirements list was empty.
	ErrCodeNoRequirements ErrorCode = "NO_REQUIREMENTS"

	// ErrCodeNoValidSigner indicates no signer can satisfy requirements.
	ErrCodeNoValidSigner ErrorCode = "NO_VALID_SIGNER"

	// ErrCodeAmountExceeded indicates payment exceeds limits.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInvalidRequirements indicates invalid server requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates the signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates a transport-level failure.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodeMalformedHeader indicates an unparseable X-PAYMENT header.
	ErrCodeMalformedHeader ErrorCode = "MALFORMED_HEADER"

	// ErrCodeUnsupportedScheme indicates an unsupported scheme/network pair.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates an unsupported protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
