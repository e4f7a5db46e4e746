package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/mcp"
)

// fakeTransport returns scripted responses and records every request it
// receives.
type fakeTransport struct {
	requests  []transport.JSONRPCRequest
	responses []*transport.JSONRPCResponse
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i >= len(f.responses) {
		return nil, fmt.Errorf("unexpected request %d", i)
	}
	return f.responses[i], nil
}

func (f *fakeTransport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return nil
}

func (f *fakeTransport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) GetSessionId() string { return "test-session" }

type stubSigner struct {
	network string
	signErr error
}

func (s *stubSigner) Network() string { return s.network }

func (s *stubSigner) Scheme() string { return "exact" }

func (s *stubSigner) CanSign(req *x402.PaymentRequirements) bool {
	return req.Network == s.network && req.Scheme == "exact"
}

func (s *stubSigner) Sign(req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      "exact",
		Network:     s.network,
		Payload:     json.RawMessage(`{"signature":"0xabc"}`),
	}, nil
}

func (s *stubSigner) Priority() int { return 0 }

func (s *stubSigner) Tokens() []x402.TokenConfig { return nil }

func (s *stubSigner) MaxAmount() *big.Int { return nil }

func rpcResponse(t *testing.T, body string) *transport.JSONRPCResponse {
	t.Helper()
	var resp transport.JSONRPCResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	return &resp
}

func challengeResponse(t *testing.T, version int, accepts []x402.PaymentRequirements) *transport.JSONRPCResponse {
	t.Helper()
	data, err := json.Marshal(mcp.PaymentRequiredData{
		X402Version: version,
		Error:       "payment required",
		Accepts:     accepts,
	})
	if err != nil {
		t.Fatalf("failed to marshal challenge: %v", err)
	}
	return rpcResponse(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"error":{"code":402,"message":"payment required","data":%s}}`, data))
}

func testRequirement() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x2222222222222222222222222222222222222222",
		Resource:          "mcp://tool/search",
		MaxTimeoutSeconds: 60,
	}
}

func toolCallRequest() transport.JSONRPCRequest {
	return transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcpproto.NewRequestId(int64(1)),
		Method:  "tools/call",
		Params: map[string]interface{}{
			"name":      "search",
			"arguments": map[string]interface{}{"query": "go"},
		},
	}
}

func newTestTransport(base transport.Interface, opts ...Option) *Transport {
	config := DefaultConfig("http://example.com/mcp")
	for _, opt := range opts {
		opt(config)
	}
	return &Transport{base: base, config: config}
}

func TestSendRequestPassthrough(t *testing.T) {
	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{
		rpcResponse(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`),
	}}
	tr := newTestTransport(fake, WithSigner(&stubSigner{network: "base-sepolia"}))

	resp, err := tr.SendRequest(context.Background(), toolCallRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error in response: %+v", resp.Error)
	}
	if len(fake.requests) != 1 {
		t.Errorf("expected 1 request, got %d", len(fake.requests))
	}
}

func TestSendRequestIgnoresOtherErrors(t *testing.T) {
	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{
		rpcResponse(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`),
	}}
	tr := newTestTransport(fake, WithSigner(&stubSigner{network: "base-sepolia"}))

	resp, err := tr.SendRequest(context.Background(), toolCallRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected original error to pass through, got %+v", resp.Error)
	}
	if len(fake.requests) != 1 {
		t.Errorf("expected 1 request, got %d", len(fake.requests))
	}
}

func TestSendRequestPaysChallenge(t *testing.T) {
	receipt := x402.SettleResponse{
		Success:     true,
		Transaction: "0xsettled",
		Network:     "base-sepolia",
		Payer:       "0x1111111111111111111111111111111111111111",
	}
	receiptJSON, _ := json.Marshal(receipt)

	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{
		challengeResponse(t, x402.ProtocolVersion, []x402.PaymentRequirements{testRequirement()}),
		rpcResponse(t, fmt.Sprintf(
			`{"jsonrpc":"2.0","id":1,"result":{"content":[],"_meta":{"x402/payment-response":%s}}}`, receiptJSON)),
	}}

	var events []x402.PaymentEvent
	tr := newTestTransport(fake,
		WithSigner(&stubSigner{network: "base-sepolia"}),
		WithPaymentCallback(func(event x402.PaymentEvent) {
			events = append(events, event)
		}),
	)

	resp, err := tr.SendRequest(context.Background(), toolCallRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error in response: %+v", resp.Error)
	}
	if len(fake.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(fake.requests))
	}

	// The retried request carries the payment in params._meta.
	params, ok := fake.requests[1].Params.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map params on retry, got %T", fake.requests[1].Params)
	}
	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		t.Fatal("expected _meta on retried request")
	}
	payment, ok := meta[mcp.MetaKeyPayment].(*x402.PaymentPayload)
	if !ok {
		t.Fatalf("expected payment in _meta, got %T", meta[mcp.MetaKeyPayment])
	}
	if payment.Network != "base-sepolia" {
		t.Errorf("expected payment network 'base-sepolia', got '%s'", payment.Network)
	}
	if params["name"] != "search" {
		t.Error("expected original params to be preserved on retry")
	}

	if len(events) != 2 {
		t.Fatalf("expected attempt and success events, got %d", len(events))
	}
	if events[0].Type != x402.PaymentEventAttempt {
		t.Errorf("expected attempt event first, got %s", events[0].Type)
	}
	if events[0].Tool != "tools/call" {
		t.Errorf("expected tool 'tools/call', got '%s'", events[0].Tool)
	}
	if events[1].Type != x402.PaymentEventSuccess {
		t.Errorf("expected success event, got %s", events[1].Type)
	}
	if events[1].Transaction != "0xsettled" {
		t.Errorf("expected transaction from receipt, got '%s'", events[1].Transaction)
	}
	if events[1].Payer != receipt.Payer {
		t.Errorf("expected payer from receipt, got '%s'", events[1].Payer)
	}
}

func TestSendRequestRetriesOnlyOnce(t *testing.T) {
	challenge := challengeResponse(t, x402.ProtocolVersion, []x402.PaymentRequirements{testRequirement()})
	secondChallenge := challengeResponse(t, x402.ProtocolVersion, []x402.PaymentRequirements{testRequirement()})

	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{challenge, secondChallenge}}

	var failures []x402.PaymentEvent
	tr := newTestTransport(fake,
		WithSigner(&stubSigner{network: "base-sepolia"}),
		WithPaymentCallbacks(nil, nil, func(event x402.PaymentEvent) {
			failures = append(failures, event)
		}),
	)

	resp, err := tr.SendRequest(context.Background(), toolCallRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.requests) != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", len(fake.requests))
	}
	if resp.Error == nil || resp.Error.Code != mcp.PaymentRequiredCode {
		t.Fatalf("expected second 402 to be returned as-is, got %+v", resp.Error)
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failure event, got %d", len(failures))
	}
}

func TestSendRequestMalformedChallenge(t *testing.T) {
	tests := []struct {
		name    string
		resp    *transport.JSONRPCResponse
		wantErr error
	}{
		{
			name:    "missing data",
			resp:    rpcResponse(t, `{"jsonrpc":"2.0","id":1,"error":{"code":402,"message":"payment required"}}`),
			wantErr: mcp.ErrNoPaymentRequirements,
		},
		{
			name:    "unsupported version",
			resp:    challengeResponse(t, 99, []x402.PaymentRequirements{testRequirement()}),
			wantErr: x402.ErrUnsupportedVersion,
		},
		{
			name:    "empty accepts",
			resp:    challengeResponse(t, x402.ProtocolVersion, nil),
			wantErr: mcp.ErrNoPaymentRequirements,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTransport{responses: []*transport.JSONRPCResponse{tt.resp}}
			tr := newTestTransport(fake, WithSigner(&stubSigner{network: "base-sepolia"}))

			resp, err := tr.SendRequest(context.Background(), toolCallRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}

			var paymentErr *mcp.PaymentError
			if !errors.As(err, &paymentErr) {
				t.Fatalf("expected PaymentError, got %T", err)
			}
			if paymentErr.Tool != "tools/call" {
				t.Errorf("expected tool 'tools/call', got '%s'", paymentErr.Tool)
			}

			// The original 402 response stays available to the caller.
			if resp == nil || resp.Error == nil || resp.Error.Code != mcp.PaymentRequiredCode {
				t.Error("expected original 402 response alongside the error")
			}
			if len(fake.requests) != 1 {
				t.Errorf("expected no retry, got %d requests", len(fake.requests))
			}
		})
	}
}

func TestSendRequestNoCapableSigner(t *testing.T) {
	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{
		challengeResponse(t, x402.ProtocolVersion, []x402.PaymentRequirements{testRequirement()}),
	}}

	var failures []x402.PaymentEvent
	tr := newTestTransport(fake,
		WithSigner(&stubSigner{network: "solana-devnet"}),
		WithPaymentCallbacks(nil, nil, func(event x402.PaymentEvent) {
			failures = append(failures, event)
		}),
	)

	_, err := tr.SendRequest(context.Background(), toolCallRequest())
	if err == nil {
		t.Fatal("expected error when no signer can pay")
	}
	if len(fake.requests) != 1 {
		t.Errorf("expected no retry, got %d requests", len(fake.requests))
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failure event, got %d", len(failures))
	}
}

func TestSendRequestSigningFailure(t *testing.T) {
	fake := &fakeTransport{responses: []*transport.JSONRPCResponse{
		challengeResponse(t, x402.ProtocolVersion, []x402.PaymentRequirements{testRequirement()}),
	}}

	signErr := errors.New("key unavailable")
	var failures []x402.PaymentEvent
	tr := newTestTransport(fake,
		WithSigner(&stubSigner{network: "base-sepolia", signErr: signErr}),
		WithPaymentCallbacks(nil, nil, func(event x402.PaymentEvent) {
			failures = append(failures, event)
		}),
	)

	_, err := tr.SendRequest(context.Background(), toolCallRequest())
	if !errors.Is(err, signErr) {
		t.Fatalf("expected signing error, got %v", err)
	}
	if len(failures) != 1 {
		t.Errorf("expected 1 failure event, got %d", len(failures))
	}
}
