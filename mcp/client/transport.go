package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/mcp"
)

// Transport wraps an MCP transport and pays x402 challenges. When the
// server answers a request with JSON-RPC error 402, the transport signs a
// payment against the advertised requirements, injects it into
// params._meta, and retries the request exactly once. A 402 on the paid
// retry is returned to the caller unchanged.
type Transport struct {
	base   transport.Interface
	config *Config
}

var _ transport.Interface = (*Transport)(nil)

// NewTransport creates a payment-enabled MCP transport speaking streamable
// HTTP to serverURL.
func NewTransport(serverURL string, opts ...Option) (*Transport, error) {
	config := DefaultConfig(serverURL)
	for _, opt := range opts {
		opt(config)
	}

	var transportOpts []transport.StreamableHTTPCOption
	if config.HTTPClient != nil {
		transportOpts = append(transportOpts, transport.WithHTTPBasicClient(config.HTTPClient))
	}
	base, err := transport.NewStreamableHTTP(serverURL, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create base transport: %w", err)
	}

	return &Transport{base: base, config: config}, nil
}

// Start starts the MCP connection.
func (t *Transport) Start(ctx context.Context) error {
	return t.base.Start(ctx)
}

// SendRequest implements transport.Interface, intercepting 402 errors.
func (t *Transport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	resp, err := t.base.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil || resp.Error.Code != mcp.PaymentRequiredCode {
		return resp, nil
	}

	requirements, err := t.parseRequirements(resp.Error.Data)
	if err != nil {
		return resp, mcp.WrapError(err, req.Method)
	}

	requirement, err := x402.SelectRequirement(requirements, x402.SignerNetworks(t.config.Signers), "exact")
	if err != nil {
		return resp, mcp.WrapError(err, req.Method)
	}

	start := time.Now()
	t.emit(t.config.OnPaymentAttempt, x402.PaymentEvent{
		Type:      x402.PaymentEventAttempt,
		Timestamp: start,
		Method:    "MCP",
		Tool:      req.Method,
		Amount:    requirement.MaxAmountRequired,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Recipient: requirement.PayTo,
	})

	payment, err := x402.SignForRequirement(requirement, t.config.Signers)
	if err != nil {
		t.emitFailure(req.Method, requirement, err, time.Since(start))
		return resp, mcp.WrapError(err, req.Method)
	}

	paidReq, err := injectPaymentMeta(req, payment)
	if err != nil {
		t.emitFailure(req.Method, requirement, err, time.Since(start))
		return resp, mcp.WrapError(err, req.Method)
	}

	paidResp, err := t.base.SendRequest(ctx, paidReq)
	duration := time.Since(start)
	if err != nil {
		t.emitFailure(req.Method, requirement, err, duration)
		return paidResp, err
	}

	if paidResp.Error != nil {
		if paidResp.Error.Code == mcp.PaymentRequiredCode {
			t.emitFailure(req.Method, requirement,
				fmt.Errorf("payment rejected: %s", paidResp.Error.Message), duration)
		}
		return paidResp, nil
	}

	event := x402.PaymentEvent{
		Type:      x402.PaymentEventSuccess,
		Timestamp: time.Now(),
		Method:    "MCP",
		Tool:      req.Method,
		Amount:    requirement.MaxAmountRequired,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Recipient: requirement.PayTo,
		Duration:  duration,
	}
	if settlement := settlementFromResult(paidResp.Result); settlement != nil {
		event.Transaction = settlement.Transaction
		event.Payer = settlement.Payer
	}
	t.emit(t.config.OnPaymentSuccess, event)

	return paidResp, nil
}

// SendNotification forwards a notification to the server.
func (t *Transport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return t.base.SendNotification(ctx, notif)
}

// SetNotificationHandler sets the notification handler.
func (t *Transport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {
	t.base.SetNotificationHandler(handler)
}

// Close closes the transport.
func (t *Transport) Close() error {
	return t.base.Close()
}

// GetSessionId returns the session ID.
func (t *Transport) GetSessionId() string {
	return t.base.GetSessionId()
}

func (t *Transport) emit(cb x402.PaymentCallback, event x402.PaymentEvent) {
	if cb != nil {
		cb(event)
	}
}

func (t *Transport) emitFailure(tool string, requirement *x402.PaymentRequirements, err error, duration time.Duration) {
	event := x402.PaymentEvent{
		Type:      x402.PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    "MCP",
		Tool:      tool,
		Error:     err,
		Duration:  duration,
	}
	if requirement != nil {
		event.Network = requirement.Network
		event.Scheme = requirement.Scheme
	}
	t.emit(t.config.OnPaymentFailure, event)
}

// parseRequirements decodes the data field of a 402 JSON-RPC error.
func (t *Transport) parseRequirements(data interface{}) ([]x402.PaymentRequirements, error) {
	if data == nil {
		return nil, mcp.ErrNoPaymentRequirements
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error data: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, mcp.ErrNoPaymentRequirements
	}

	var challenge mcp.PaymentRequiredData
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}
	if challenge.X402Version != x402.ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", x402.ErrUnsupportedVersion, challenge.X402Version)
	}
	if len(challenge.Accepts) == 0 {
		return nil, mcp.ErrNoPaymentRequirements
	}
	return challenge.Accepts, nil
}

// injectPaymentMeta returns a copy of req with the payment placed in
// params._meta["x402/payment"].
func injectPaymentMeta(req transport.JSONRPCRequest, payment *x402.PaymentPayload) (transport.JSONRPCRequest, error) {
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		params = make(map[string]interface{})
		if req.Params != nil {
			data, err := json.Marshal(req.Params)
			if err != nil {
				return req, fmt.Errorf("failed to marshal params: %w", err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return req, fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
	}

	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta[mcp.MetaKeyPayment] = payment
	params["_meta"] = meta

	paidReq := req
	paidReq.Params = params
	return paidReq, nil
}

// settlementFromResult reads the settlement receipt from a result's _meta,
// if the server included one.
func settlementFromResult(result json.RawMessage) *x402.SettleResponse {
	if len(result) == 0 {
		return nil
	}
	var envelope struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil
	}
	raw, ok := envelope.Meta[mcp.MetaKeyPaymentResponse]
	if !ok {
		return nil
	}
	var settlement x402.SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil
	}
	return &settlement
}
