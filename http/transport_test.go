package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/encoding"
)

// stubSigner signs anything matching its scheme and network.
type stubSigner struct {
	network string
	signErr error
}

func (s *stubSigner) Network() string { return s.network }

func (s *stubSigner) Scheme() string { return "exact" }
func (s *stubSigner) CanSign(req *x402.PaymentRequirements) bool {
	return req.Scheme == "exact" && req.Network == s.network
}
func (s *stubSigner) Sign(req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	payload := testPayment()
	payload.Network = s.network
	return &payload, nil
}
func (s *stubSigner) Priority() int { return 0 }

func (s *stubSigner) Tokens() []x402.TokenConfig { return nil }

func (s *stubSigner) MaxAmount() *big.Int { return nil }

// paymentRequired writes a valid 402 challenge.
func paymentRequired(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{testRequirement()},
	})
}

func TestTransportPassesThroughNon402(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("free content"))
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Signers: []x402.Signer{&stubSigner{network: "base-sepolia"}}}}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || calls.Load() != 1 {
		t.Errorf("status = %d after %d requests", resp.StatusCode, calls.Load())
	}
}

func TestTransportPaysChallenge(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		header := r.Header.Get(PaymentHeader)
		if n == 1 {
			if header != "" {
				t.Error("first request should carry no payment")
			}
			paymentRequired(w, "")
			return
		}

		payment, err := encoding.DecodePayment(header)
		if err != nil {
			t.Errorf("paid request header invalid: %v", err)
		}
		if payment.Network != "base-sepolia" {
			t.Errorf("payment network = %s", payment.Network)
		}

		settlement, _ := encoding.EncodeSettlement(x402.SettleResponse{
			Success:     true,
			Transaction: "0xsettled",
			Network:     "base-sepolia",
			Payer:       "0x1111111111111111111111111111111111111111",
		})
		w.Header().Set(PaymentResponseHeader, settlement)
		w.Write([]byte("premium content"))
	}))
	defer server.Close()

	var events []x402.PaymentEventType
	transport := &Transport{
		Signers:          []x402.Signer{&stubSigner{network: "base-sepolia"}},
		OnPaymentAttempt: func(e x402.PaymentEvent) { events = append(events, e.Type) },
		OnPaymentSuccess: func(e x402.PaymentEvent) {
			events = append(events, e.Type)
			if e.Transaction != "0xsettled" {
				t.Errorf("success event transaction = %s", e.Transaction)
			}
		},
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "premium content" {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}
	if calls.Load() != 2 {
		t.Errorf("made %d requests, want 2", calls.Load())
	}
	if len(events) != 2 || events[0] != x402.PaymentEventAttempt || events[1] != x402.PaymentEventSuccess {
		t.Errorf("events = %v", events)
	}

	settlement := GetSettlement(resp)
	if settlement == nil || !settlement.Success {
		t.Errorf("GetSettlement() = %+v", settlement)
	}
}

func TestTransportRetriesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		paymentRequired(w, "insufficient_funds")
	}))
	defer server.Close()

	var failure error
	transport := &Transport{
		Signers:          []x402.Signer{&stubSigner{network: "base-sepolia"}},
		OnPaymentFailure: func(e x402.PaymentEvent) { failure = e.Error },
	}
	client := &http.Client{Transport: transport}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	// The second 402 comes back as-is; no third payment attempt.
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("made %d requests, want exactly 2", calls.Load())
	}
	if failure == nil {
		t.Error("rejected payment did not fire the failure callback")
	}
}

func TestTransportSkipsUnknownNetworkOffers(t *testing.T) {
	// Servers may advertise networks this client has never heard of
	// alongside ones it can pay. The unknown offer is skipped by signer
	// selection, not treated as a malformed challenge.
	seiReq := testRequirement()
	seiReq.Network = "sei"
	seiReq.PayTo = "sei1qy352eufqy352eufqy352eufqy352eufqy352euf"
	seiReq.Asset = "sei1hafptm4zxy5nw8rd2pxyg83c5ls2v62tstzuv2"

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{
				X402Version: x402.ProtocolVersion,
				Accepts:     []x402.PaymentRequirements{seiReq, testRequirement()},
			})
			return
		}

		payment, err := encoding.DecodePayment(r.Header.Get(PaymentHeader))
		if err != nil {
			t.Errorf("paid request header invalid: %v", err)
		} else if payment.Network != "base-sepolia" {
			t.Errorf("payment network = %s, want base-sepolia", payment.Network)
		}
		w.Write([]byte("premium content"))
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Signers: []x402.Signer{&stubSigner{network: "base-sepolia"}}}}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("made %d requests, want 2", calls.Load())
	}
}

func TestTransportReplaysRequestBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if len(bodies) == 1 {
			paymentRequired(w, "")
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Signers: []x402.Signer{&stubSigner{network: "base-sepolia"}}}}
	resp, err := client.Post(server.URL, "application/json", strings.NewReader(`{"q":"data"}`))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"q":"data"}` {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestTransportRejectsMalformedChallenges(t *testing.T) {
	validReq := testRequirement()
	badAmount := validReq
	badAmount.MaxAmountRequired = "1.5"

	tests := []struct {
		name    string
		body    interface{}
		raw     string
		wantErr error
	}{
		{
			name:    "missing version",
			raw:     fmt.Sprintf(`{"accepts":[%s]}`, mustJSON(t, validReq)),
			wantErr: x402.ErrInvalidPaymentRequired,
		},
		{
			name: "unsupported version",
			body: x402.PaymentRequiredResponse{
				X402Version: 99,
				Accepts:     []x402.PaymentRequirements{validReq},
			},
			wantErr: x402.ErrUnsupportedVersion,
		},
		{
			name:    "empty accepts",
			body:    x402.PaymentRequiredResponse{X402Version: 1},
			wantErr: x402.ErrInvalidPaymentRequired,
		},
		{
			name: "one malformed element poisons the challenge",
			body: x402.PaymentRequiredResponse{
				X402Version: 1,
				Accepts:     []x402.PaymentRequirements{validReq, badAmount},
			},
			wantErr: x402.ErrInvalidPaymentRequired,
		},
		{
			name:    "non-JSON body",
			raw:     "<html>502 Bad Gateway</html>",
			wantErr: x402.ErrInvalidPaymentRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusPaymentRequired)
				if tt.raw != "" {
					w.Write([]byte(tt.raw))
					return
				}
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			client := &http.Client{Transport: &Transport{Signers: []x402.Signer{&stubSigner{network: "base-sepolia"}}}}
			_, err := client.Get(server.URL)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransportNoCapableSigner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paymentRequired(w, "")
	}))
	defer server.Close()

	var failure error
	transport := &Transport{
		Signers:          []x402.Signer{&stubSigner{network: "polygon"}},
		OnPaymentFailure: func(e x402.PaymentEvent) { failure = e.Error },
	}
	client := &http.Client{Transport: transport}

	_, err := client.Get(server.URL)
	if !errors.Is(err, x402.ErrNoValidSigner) {
		t.Fatalf("Get() error = %v, want ErrNoValidSigner", err)
	}
	if !errors.Is(failure, x402.ErrNoValidSigner) {
		t.Errorf("failure event error = %v", failure)
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
