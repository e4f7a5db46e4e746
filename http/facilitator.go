// Package http provides the client and server HTTP integrations for the
// x402 payment protocol: a RoundTripper that pays 402 challenges, middleware
// that issues them, and a client for facilitator services.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/facilitator"
	"github.com/fluxlayer/x402-go/retry"
)

// AuthorizationProvider returns an Authorization header value for a request.
// Use it for dynamic credentials (e.g. refreshed JWTs) where a static string
// would go stale. The provider is called on every request, including retries,
// so it must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is invoked before a verify or settle call. Returning an error
// aborts the operation before anything is sent to the facilitator.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) error

// OnAfterVerifyFunc is invoked after Verify completes, success or failure.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.VerifyResponse, error)

// OnAfterSettleFunc is invoked after Settle completes, success or failure.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.SettleResponse, error)

// FacilitatorClient talks to a remote x402 facilitator service over HTTP.
//
// Verify and Supported are read-only and safe to retry; transient failures
// (connection errors, 5xx) are retried per MaxRetries. Settle is never
// retried: a settlement that times out after dispatch may still land
// on-chain, so the client reports it as an unknown outcome instead of
// resending the authorization.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL, e.g. "https://x402.org/facilitator".
	BaseURL string

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts holds per-operation timeouts. Zero values disable the
	// per-call deadline; a deadline already present on the caller's
	// context always wins.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of retry attempts (beyond the first) for
	// Verify and Supported. Zero disables retries.
	MaxRetries int

	// RetryDelay is the initial backoff delay between retries
	// (default 100ms, doubling each attempt).
	RetryDelay time.Duration

	// Authorization is a static Authorization header value, e.g.
	// "Bearer token". AuthorizationProvider takes precedence when set.
	Authorization string

	// AuthorizationProvider supplies a per-request Authorization value.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify aborts Verify when it returns an error.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify observes every Verify result.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle aborts Settle when it returns an error.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle observes every Settle result.
	OnAfterSettle OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

// facilitatorRequest is the wire shape POSTed to /verify and /settle.
type facilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorization applies the configured Authorization header, preferring
// the provider over the static value.
func (c *FacilitatorClient) setAuthorization(req *http.Request) {
	value := c.Authorization
	if c.AuthorizationProvider != nil {
		value = c.AuthorizationProvider(req)
	}
	if value != "" {
		req.Header.Set("Authorization", value)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: delay,
		MaxDelay:     delay * 4,
		Multiplier:   2.0,
	}
}

// opContext applies the per-operation timeout unless the caller's context
// already carries a deadline.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Verify asks the facilitator to validate a payment authorization without
// executing it. A rejected payment is not an error: it comes back as a
// VerifyResponse with IsValid false and the facilitator's reason. Errors
// mean the check itself could not be performed.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(facilitatorRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	resp, resultErr := retry.Do(ctx, c.retryConfig(), isTransientFacilitatorError, func() (*x402.VerifyResponse, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		httpResp, err := c.postJSON(reqCtx, "/verify", body)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, facilitatorStatusError(httpResp, x402.ErrVerificationFailed)
		}

		var verifyResp x402.VerifyResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}
		if verifyResp.Payer == "" {
			verifyResp.Payer = x402.PayerOf(&payment)
		}
		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payment, requirement, resp, resultErr)
	}
	return resp, resultErr
}

// Settle submits the payment for on-chain execution. Unlike Verify this is
// issued exactly once: if the request fails in transit or times out, the
// outcome is unknown (the transfer may still confirm) and the error wraps
// ErrSettlementUnknown so callers don't resubmit the same authorization.
// A facilitator that responds 200 with Success false reports a definitive
// business failure through the SettleResponse, not an error.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(facilitatorRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	resp, resultErr := c.settleOnce(ctx, body)

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payment, requirement, resp, resultErr)
	}
	return resp, resultErr
}

func (c *FacilitatorClient) settleOnce(ctx context.Context, body []byte) (*x402.SettleResponse, error) {
	reqCtx, cancel := opContext(ctx, c.Timeouts.SettleTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorization(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		// The request may have reached the facilitator before the
		// failure, so the settlement state is indeterminate.
		return nil, fmt.Errorf("%w: %v", x402.ErrSettlementUnknown, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		var settleResp x402.SettleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResp); err != nil {
			return nil, fmt.Errorf("%w: undecodable settle response: %v", x402.ErrSettlementUnknown, err)
		}
		return &settleResp, nil
	case httpResp.StatusCode >= 500:
		// The facilitator may have broadcast the transaction before
		// failing, so this is indeterminate too.
		return nil, facilitatorStatusError(httpResp, x402.ErrSettlementUnknown)
	default:
		return nil, facilitatorStatusError(httpResp, x402.ErrSettlementFailed)
	}
}

// Supported queries the scheme/network pairs the facilitator accepts.
func (c *FacilitatorClient) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	return retry.Do(ctx, c.retryConfig(), isTransientFacilitatorError, func() (*facilitator.SupportedResponse, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create supported request: %w", err)
		}
		c.setAuthorization(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, facilitatorStatusError(httpResp, x402.ErrFacilitatorUnavailable)
		}

		var supportedResp facilitator.SupportedResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
			return nil, fmt.Errorf("failed to decode supported response: %w", err)
		}
		return &supportedResp, nil
	})
}

// EnrichRequirements merges facilitator-provided configuration from
// /supported into the given requirements. Values already set on a
// requirement win over the facilitator's; typically this fills in the SVM
// feePayer that only the facilitator knows. On error the original
// requirements are returned unchanged so the caller can still serve them.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirements) ([]x402.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment kinds: %w", err)
	}

	kinds := make(map[string]facilitator.SupportedKind, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		kinds[kind.Network+"/"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := kinds[req.Network+"/"+req.Scheme]
		if !ok || len(kind.Extra) == 0 {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]interface{}, len(kind.Extra))
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}
	return enriched, nil
}

func (c *FacilitatorClient) postJSON(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorization(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	if httpResp.StatusCode >= 500 {
		err := facilitatorStatusError(httpResp, x402.ErrFacilitatorUnavailable)
		httpResp.Body.Close()
		return nil, err
	}
	return httpResp, nil
}

// facilitatorStatusError builds an error for a non-200 facilitator
// response, pulling invalidReason/errorReason out of the body when present.
func facilitatorStatusError(resp *http.Response, baseErr error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errBody map[string]interface{}
	if err := json.Unmarshal(body, &errBody); err == nil {
		for _, key := range []string{"invalidReason", "errorReason", "error"} {
			if reason, ok := errBody[key].(string); ok && reason != "" {
				return fmt.Errorf("%w: status %d: %s", baseErr, resp.StatusCode, reason)
			}
		}
	}
	if len(body) > 0 && len(body) < 500 {
		return fmt.Errorf("%w: status %d: %s", baseErr, resp.StatusCode, string(body))
	}
	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

func isTransientFacilitatorError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
