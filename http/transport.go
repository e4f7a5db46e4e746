package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/encoding"
	"github.com/fluxlayer/x402-go/validation"
)

// Transport is an http.RoundTripper that pays x402 challenges. It forwards
// each request unchanged; when the origin answers 402 Payment Required it
// signs a payment against one of the advertised requirements and retries
// the request once with the X-PAYMENT header attached.
//
// The retry happens at most once per request. If the origin rejects the
// paid attempt with another 402, that response is returned to the caller
// as-is rather than triggering a second payment.
type Transport struct {
	// Base is the underlying RoundTripper. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	// Signers is the list of available payment signers, tried in
	// priority order against the requirements the origin advertises.
	Signers []x402.Signer

	// OnPaymentAttempt is called when a payment attempt begins.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a paid request settles.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment cannot be produced, the
	// paid request fails in transit, or the origin rejects the payment.
	OnPaymentFailure x402.PaymentCallback
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// A request body is consumed by the first attempt, so it must be
	// replayable before anything is sent.
	if err := ensureReplayableBody(req); err != nil {
		return nil, err
	}

	firstAttempt, err := cloneWithBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := t.base().RoundTrip(firstAttempt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := parsePaymentRequired(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	requirement, err := x402.SelectRequirement(requirements, x402.SignerNetworks(t.Signers), "exact")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	t.emit(t.OnPaymentAttempt, x402.PaymentEvent{
		Type:      x402.PaymentEventAttempt,
		Timestamp: start,
		Method:    "HTTP",
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.MaxAmountRequired,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
	})

	payment, err := x402.SignForRequirement(requirement, t.Signers)
	if err != nil {
		t.emitFailure(req, err, time.Since(start))
		return nil, err
	}
	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		err = x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to encode payment header", err)
		t.emitFailure(req, err, time.Since(start))
		return nil, err
	}

	paidAttempt, err := cloneWithBody(req)
	if err != nil {
		t.emitFailure(req, err, time.Since(start))
		return nil, err
	}
	paidAttempt.Header.Set(PaymentHeader, header)

	paidResp, err := t.base().RoundTrip(paidAttempt)
	duration := time.Since(start)
	if err != nil {
		t.emitFailure(req, err, duration)
		return nil, err
	}

	// A second 402 means the server rejected the payment. It goes back to
	// the caller unchanged, after signaling the failure.
	if paidResp.StatusCode == http.StatusPaymentRequired {
		t.emitFailure(req, fmt.Errorf("payment rejected by %s", req.URL.Host), duration)
		return paidResp, nil
	}

	if settlement, err := parseSettlement(paymentResponseHeaderValue(paidResp.Header)); err == nil && settlement.Success {
		event := x402.PaymentEvent{
			Type:        x402.PaymentEventSuccess,
			Timestamp:   time.Now(),
			Method:      "HTTP",
			URL:         req.URL.String(),
			Network:     requirement.Network,
			Scheme:      requirement.Scheme,
			Amount:      requirement.MaxAmountRequired,
			Asset:       requirement.Asset,
			Recipient:   requirement.PayTo,
			Payer:       settlement.Payer,
			Transaction: settlement.Transaction,
			Duration:    duration,
		}
		t.emit(t.OnPaymentSuccess, event)
	}

	return paidResp, nil
}

func (t *Transport) emit(cb x402.PaymentCallback, event x402.PaymentEvent) {
	if cb != nil {
		cb(event)
	}
}

func (t *Transport) emitFailure(req *http.Request, err error, duration time.Duration) {
	t.emit(t.OnPaymentFailure, x402.PaymentEvent{
		Type:      x402.PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    "HTTP",
		URL:       req.URL.String(),
		Error:     err,
		Duration:  duration,
	})
}

// ensureReplayableBody makes req.Body re-readable by installing GetBody when
// the caller didn't. Bodies are buffered in memory; callers streaming large
// uploads should set GetBody themselves.
func ensureReplayableBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// cloneWithBody clones a request with a fresh body reader.
func cloneWithBody(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

// parsePaymentRequired decodes and validates the body of a 402 response.
// The whole challenge is rejected, not just the offending entry, when the
// version is wrong, the accepts list is missing, or any advertised
// requirement is schema-malformed: a server publishing broken requirements
// cannot be paid safely, and silently skipping entries would mask that.
// Requirements on networks outside the built-in catalog are kept; whether
// any signer can pay them is decided during selection.
func parsePaymentRequired(resp *http.Response) ([]x402.PaymentRequirements, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", x402.ErrInvalidPaymentRequired, err)
	}

	var challenge struct {
		X402Version *json.Number               `json:"x402Version"`
		Error       string                     `json:"error"`
		Accepts     []x402.PaymentRequirements `json:"accepts"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&challenge); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", x402.ErrInvalidPaymentRequired, err)
	}

	if challenge.X402Version == nil {
		return nil, fmt.Errorf("%w: missing x402Version", x402.ErrInvalidPaymentRequired)
	}
	version, err := challenge.X402Version.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: x402Version is not an integer", x402.ErrInvalidPaymentRequired)
	}
	if version != x402.ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", x402.ErrUnsupportedVersion, version)
	}
	if len(challenge.Accepts) == 0 {
		return nil, fmt.Errorf("%w: empty accepts list", x402.ErrInvalidPaymentRequired)
	}

	for i, req := range challenge.Accepts {
		if err := validation.ValidateRequirementsSchema(req); err != nil {
			return nil, fmt.Errorf("%w: accepts[%d]: %v", x402.ErrInvalidPaymentRequired, i, err)
		}
	}

	return challenge.Accepts, nil
}

// parseSettlement extracts settlement details from the X-PAYMENT-RESPONSE
// header value.
func parseSettlement(headerValue string) (*x402.SettleResponse, error) {
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}
