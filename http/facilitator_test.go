package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/facilitator"
)

func testPayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: json.RawMessage(`{
			"signature": "0xsig",
			"authorization": {
				"from": "0x1111111111111111111111111111111111111111",
				"to": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"value": "10000",
				"validAfter": "0",
				"validBefore": "9999999999",
				"nonce": "0xabc"
			}
		}`),
	}
}

func testRequirement() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:          "https://api.example.com/premium",
		MaxTimeoutSeconds: 60,
	}
}

func TestFacilitatorClientVerify(t *testing.T) {
	var gotRequest facilitatorRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(x402.VerifyResponse{
			IsValid: true,
			Payer:   "0x1111111111111111111111111111111111111111",
		})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL}
	resp, err := client.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Error("Verify() IsValid = false")
	}
	if gotRequest.X402Version != x402.ProtocolVersion {
		t.Errorf("request x402Version = %d", gotRequest.X402Version)
	}
	if gotRequest.PaymentPayload.Network != "base-sepolia" {
		t.Errorf("request network = %s", gotRequest.PaymentPayload.Network)
	}
}

func TestFacilitatorClientVerifyBusinessRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "insufficient_funds",
		})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL}
	resp, err := client.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("rejection must not be an error, got %v", err)
	}
	if resp.IsValid || resp.InvalidReason != "insufficient_funds" {
		t.Errorf("Verify() = %+v", resp)
	}
}

func TestFacilitatorClientVerifyRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL, MaxRetries: 3, RetryDelay: 1}
	resp, err := client.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid || calls.Load() != 3 {
		t.Errorf("Verify() after %d calls = %+v", calls.Load(), resp)
	}
}

func TestFacilitatorClientVerifyFillsPayerFromPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL}
	resp, err := client.Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.Payer != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Payer = %q", resp.Payer)
	}
}

func TestFacilitatorClientSettleNeverRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL, MaxRetries: 5}
	_, err := client.Settle(context.Background(), testPayment(), testRequirement())
	if !errors.Is(err, x402.ErrSettlementUnknown) {
		t.Fatalf("Settle() error = %v, want ErrSettlementUnknown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Settle() made %d requests, want exactly 1", calls.Load())
	}
}

func TestFacilitatorClientSettleOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantErr     error
		wantSuccess bool
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(x402.SettleResponse{
					Success:     true,
					Transaction: "0xdeadbeef",
					Network:     "base-sepolia",
				})
			},
			wantSuccess: true,
		},
		{
			name: "business failure is a value",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(x402.SettleResponse{
					Success:     false,
					ErrorReason: "authorization expired",
				})
			},
			wantSuccess: false,
		},
		{
			name: "undecodable 200 body is indeterminate",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>gateway</html>"))
			},
			wantErr: x402.ErrSettlementUnknown,
		},
		{
			name: "5xx is indeterminate",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			wantErr: x402.ErrSettlementUnknown,
		},
		{
			name: "4xx is a definitive failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"errorReason":"malformed payload"}`, http.StatusBadRequest)
			},
			wantErr: x402.ErrSettlementFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := &FacilitatorClient{BaseURL: server.URL}
			resp, err := client.Settle(context.Background(), testPayment(), testRequirement())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Settle() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Settle() error = %v", err)
			}
			if resp.Success != tt.wantSuccess {
				t.Errorf("Settle() Success = %v, want %v", resp.Success, tt.wantSuccess)
			}
		})
	}
}

func TestFacilitatorClientSettleTransportError(t *testing.T) {
	client := &FacilitatorClient{BaseURL: "http://127.0.0.1:1"}
	_, err := client.Settle(context.Background(), testPayment(), testRequirement())
	if !errors.Is(err, x402.ErrSettlementUnknown) {
		t.Fatalf("Settle() error = %v, want ErrSettlementUnknown", err)
	}
}

func TestFacilitatorClientSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" || r.Method != http.MethodGet {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(facilitator.SupportedResponse{
			Kinds: []facilitator.SupportedKind{
				{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
				{X402Version: 1, Scheme: "exact", Network: "solana",
					Extra: map[string]interface{}{"feePayer": "FeePayerAddr"}},
			},
		})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL}
	resp, err := client.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if len(resp.Kinds) != 2 {
		t.Errorf("Kinds = %+v", resp.Kinds)
	}
}

func TestFacilitatorClientEnrichRequirements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(facilitator.SupportedResponse{
			Kinds: []facilitator.SupportedKind{
				{X402Version: 1, Scheme: "exact", Network: "solana",
					Extra: map[string]interface{}{"feePayer": "FacilitatorFeePayer"}},
			},
		})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL}
	requirements := []x402.PaymentRequirements{
		{Scheme: "exact", Network: "solana"},
		{Scheme: "exact", Network: "solana",
			Extra: map[string]interface{}{"feePayer": "UserOverride"}},
		{Scheme: "exact", Network: "base-sepolia"},
	}

	enriched, err := client.EnrichRequirements(context.Background(), requirements)
	if err != nil {
		t.Fatalf("EnrichRequirements() error = %v", err)
	}
	if enriched[0].Extra["feePayer"] != "FacilitatorFeePayer" {
		t.Errorf("enriched[0].Extra = %v", enriched[0].Extra)
	}
	if enriched[1].Extra["feePayer"] != "UserOverride" {
		t.Errorf("user-set value must win, got %v", enriched[1].Extra)
	}
	if enriched[2].Extra != nil {
		t.Errorf("unrelated network gained Extra: %v", enriched[2].Extra)
	}
}

func TestFacilitatorClientEnrichRequirementsUnreachable(t *testing.T) {
	client := &FacilitatorClient{BaseURL: "http://127.0.0.1:1"}
	requirements := []x402.PaymentRequirements{{Scheme: "exact", Network: "solana"}}

	got, err := client.EnrichRequirements(context.Background(), requirements)
	if err == nil {
		t.Fatal("EnrichRequirements() expected error")
	}
	if len(got) != 1 || got[0].Network != "solana" {
		t.Errorf("originals must come back on error, got %+v", got)
	}
}

func TestFacilitatorClientAuthorization(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := &FacilitatorClient{BaseURL: server.URL, Authorization: "Bearer static"}
	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer static" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	// The provider takes precedence over the static value.
	client.AuthorizationProvider = func(r *http.Request) string { return "Bearer dynamic" }
	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer dynamic" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestFacilitatorClientHooks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	var afterCalled bool
	client := &FacilitatorClient{
		BaseURL: server.URL,
		OnAfterVerify: func(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements, resp *x402.VerifyResponse, err error) {
			afterCalled = true
			if err != nil || !resp.IsValid {
				t.Errorf("after hook got resp=%+v err=%v", resp, err)
			}
		},
	}
	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); err != nil {
		t.Fatal(err)
	}
	if !afterCalled {
		t.Error("OnAfterVerify not called")
	}

	abort := errors.New("quota exceeded")
	client.OnBeforeVerify = func(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) error {
		return abort
	}
	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); !errors.Is(err, abort) {
		t.Errorf("Verify() error = %v, want hook abort", err)
	}
}
