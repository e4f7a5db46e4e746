package x402

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SchemeCodec decodes and validates the scheme-specific payload of a
// PaymentPayload. New schemes register a codec instead of extending a
// central type switch.
type SchemeCodec interface {
	// DecodePayload parses the raw payload into its concrete representation.
	DecodePayload(raw json.RawMessage) (interface{}, error)

	// Payer extracts the paying address from the raw payload, returning ""
	// when the payload does not carry one directly.
	Payer(raw json.RawMessage) string
}

// schemeKey identifies a payload variant by scheme and VM family.
type schemeKey struct {
	scheme      string
	networkType NetworkType
}

var (
	schemeMu sync.RWMutex
	schemes  = map[schemeKey]SchemeCodec{}
)

// RegisterScheme registers a payload codec for a scheme and network family.
// Later registrations for the same pair replace earlier ones.
func RegisterScheme(scheme string, networkType NetworkType, codec SchemeCodec) {
	schemeMu.Lock()
	defer schemeMu.Unlock()
	schemes[schemeKey{scheme, networkType}] = codec
}

// LookupScheme returns the codec registered for a scheme and network family.
func LookupScheme(scheme string, networkType NetworkType) (SchemeCodec, bool) {
	schemeMu.RLock()
	defer schemeMu.RUnlock()
	codec, ok := schemes[schemeKey{scheme, networkType}]
	return codec, ok
}

// DecodeSchemePayload decodes a payment's payload through the registered
// codec for its scheme and network.
func DecodeSchemePayload(payment *PaymentPayload) (interface{}, error) {
	networkType, err := NetworkTypeOf(payment.Network)
	if err != nil {
		return nil, err
	}
	codec, ok := LookupScheme(payment.Scheme, networkType)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedScheme, payment.Scheme, payment.Network)
	}
	return codec.DecodePayload(payment.Payload)
}

// PayerOf extracts the payer address from a payment when the registered
// codec can determine one, otherwise "".
func PayerOf(payment *PaymentPayload) string {
	networkType, err := NetworkTypeOf(payment.Network)
	if err != nil {
		return ""
	}
	codec, ok := LookupScheme(payment.Scheme, networkType)
	if !ok {
		return ""
	}
	return codec.Payer(payment.Payload)
}

// exactEVMCodec handles the "exact" scheme on EVM networks.
type exactEVMCodec struct{}

func (exactEVMCodec) DecodePayload(raw json.RawMessage) (interface{}, error) {
	var payload ExactEVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if payload.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedHeader)
	}
	if payload.Authorization.From == "" || payload.Authorization.To == "" {
		return nil, fmt.Errorf("%w: incomplete authorization", ErrMalformedHeader)
	}
	return &payload, nil
}

func (exactEVMCodec) Payer(raw json.RawMessage) string {
	var payload ExactEVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Authorization.From
}

// exactSVMCodec handles the "exact" scheme on Solana networks. Payer
// extraction requires decoding the transaction and is left to the HTTP
// helpers that carry the Solana dependency.
type exactSVMCodec struct{}

func (exactSVMCodec) DecodePayload(raw json.RawMessage) (interface{}, error) {
	var payload ExactSVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if payload.Transaction == "" {
		return nil, fmt.Errorf("%w: missing transaction", ErrMalformedHeader)
	}
	return &payload, nil
}

func (exactSVMCodec) Payer(json.RawMessage) string { return "" }

func init() {
	RegisterScheme("exact", NetworkTypeEVM, exactEVMCodec{})
	RegisterScheme("exact", NetworkTypeSVM, exactSVMCodec{})
}
