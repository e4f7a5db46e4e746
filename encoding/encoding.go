// Package encoding frames x402 payment data for transport: strict base64
// with up-front validation, plus typed helpers for the X-PAYMENT and
// X-PAYMENT-RESPONSE header values and facilitator payloads.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fluxlayer/x402-go"
)

var (
	// ErrInvalidEncoding indicates input that is not valid standard base64:
	// wrong length, characters outside the alphabet, or bad padding.
	ErrInvalidEncoding = errors.New("x402: invalid base64 encoding")

	// ErrInvalidJSON indicates base64 that decoded cleanly but does not
	// contain parseable JSON.
	ErrInvalidJSON = errors.New("x402: invalid JSON payload")
)

// Encode encodes data as standard base64.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode validates and decodes a standard base64 string. ASCII whitespace is
// stripped first, tolerating header-folding artifacts from intermediaries.
// Validation runs before the platform decoder so malformed input fails with
// ErrInvalidEncoding instead of decoding to garbage.
func Decode(encoded string) ([]byte, error) {
	cleaned := stripWhitespace(encoded)

	if err := validateBase64(cleaned); err != nil {
		return nil, err
	}

	decoded, err := base64.StdEncoding.Strict().DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return decoded, nil
}

// DecodeJSON decodes a base64 string and unmarshals the result into v.
func DecodeJSON(encoded string, v interface{}) error {
	decoded, err := Decode(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(decoded, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// validateBase64 checks length, alphabet, and padding placement.
func validateBase64(s string) error {
	if len(s)%4 != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalidEncoding, len(s))
	}

	padding := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
			if padding > 0 {
				return fmt.Errorf("%w: data after padding", ErrInvalidEncoding)
			}
		case c == '=':
			padding++
			if padding > 2 {
				return fmt.Errorf("%w: too much padding", ErrInvalidEncoding)
			}
		default:
			return fmt.Errorf("%w: invalid character %q", ErrInvalidEncoding, c)
		}
	}
	return nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// EncodePayment serializes a PaymentPayload into an X-PAYMENT header value.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return Encode(paymentJSON), nil
}

// DecodePayment parses an X-PAYMENT header value and validates the payment
// envelope. The error names the first missing or invalid field.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := Decode(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	var envelope struct {
		X402Version *json.Number    `json:"x402Version"`
		Scheme      *string         `json:"scheme"`
		Network     *string         `json:"network"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return payment, fmt.Errorf("%w: invalid JSON: %v", x402.ErrMalformedHeader, err)
	}

	if envelope.X402Version == nil {
		return payment, fmt.Errorf("%w: missing x402Version", x402.ErrMalformedHeader)
	}
	version, err := envelope.X402Version.Int64()
	if err != nil {
		return payment, fmt.Errorf("%w: x402Version is not an integer", x402.ErrMalformedHeader)
	}
	if envelope.Scheme == nil || *envelope.Scheme == "" {
		return payment, fmt.Errorf("%w: missing scheme", x402.ErrMalformedHeader)
	}
	if envelope.Network == nil || *envelope.Network == "" {
		return payment, fmt.Errorf("%w: missing network", x402.ErrMalformedHeader)
	}
	if !isJSONObject(envelope.Payload) {
		return payment, fmt.Errorf("%w: payload is not an object", x402.ErrMalformedHeader)
	}
	if version != x402.ProtocolVersion {
		return payment, fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, version)
	}

	payment.X402Version = int(version)
	payment.Scheme = *envelope.Scheme
	payment.Network = *envelope.Network
	payment.Payload = envelope.Payload
	return payment, nil
}

// isJSONObject reports whether raw starts a JSON object.
func isJSONObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// EncodeSettlement serializes a SettleResponse into an X-PAYMENT-RESPONSE
// header value.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return Encode(settlementJSON), nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	var settlement x402.SettleResponse
	if err := DecodeJSON(encoded, &settlement); err != nil {
		return settlement, err
	}
	return settlement, nil
}

// EncodeRequirements serializes a PaymentRequiredResponse to base64 JSON.
func EncodeRequirements(requirements x402.PaymentRequiredResponse) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return Encode(reqJSON), nil
}

// DecodeRequirements parses a base64 JSON PaymentRequiredResponse.
func DecodeRequirements(encoded string) (x402.PaymentRequiredResponse, error) {
	var requirements x402.PaymentRequiredResponse
	if err := DecodeJSON(encoded, &requirements); err != nil {
		return requirements, err
	}
	return requirements, nil
}
