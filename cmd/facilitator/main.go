// Command facilitator runs a local development facilitator. It verifies
// payments structurally and settles them with simulated transaction ids,
// which is enough to exercise the full payment flow without touching a
// chain. Configuration comes from the environment:
//
//	FACILITATOR_PORT      listen port (default 8402)
//	FACILITATOR_SCHEME    advertised scheme (default "exact")
//	FACILITATOR_NETWORKS  comma-separated networks (default "base-sepolia")
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/facilitator"
)

type settleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

type discoveryResponse struct {
	X402Version int           `json:"x402Version"`
	Items       []interface{} `json:"items"`
	Pagination  struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
		Total  int `json:"total"`
	} `json:"pagination"`
}

type server struct {
	logger    *slog.Logger
	supported facilitator.SupportedResponse
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	port := envOr("FACILITATOR_PORT", "8402")
	scheme := envOr("FACILITATOR_SCHEME", "exact")
	networks := envOr("FACILITATOR_NETWORKS", "base-sepolia")

	s := &server{logger: logger}
	for _, network := range strings.Split(networks, ",") {
		network = strings.TrimSpace(network)
		if network == "" {
			continue
		}
		s.supported.Kinds = append(s.supported.Kinds, facilitator.SupportedKind{
			X402Version: x402.ProtocolVersion,
			Scheme:      scheme,
			Network:     network,
		})
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Get("/supported", s.handleSupported)
	r.Post("/verify", s.handleVerify)
	r.Post("/settle", s.handleSettle)
	r.Get("/discovery/resources", s.handleDiscovery)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("facilitator listening",
		"port", port, "scheme", scheme, "networks", networks)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supported)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	if reason := s.check(&req); reason != "" {
		s.logger.Info("verify rejected", "reason", reason,
			"scheme", req.PaymentPayload.Scheme, "network", req.PaymentPayload.Network)
		writeJSON(w, http.StatusOK, x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: reason,
		})
		return
	}

	payer := x402.PayerOf(&req.PaymentPayload)
	s.logger.Info("verify accepted", "payer", payer, "network", req.PaymentPayload.Network)
	writeJSON(w, http.StatusOK, x402.VerifyResponse{
		IsValid: true,
		Payer:   payer,
	})
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	if reason := s.check(&req); reason != "" {
		s.logger.Info("settle rejected", "reason", reason)
		writeJSON(w, http.StatusOK, x402.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Network:     req.PaymentPayload.Network,
		})
		return
	}

	tx := simulatedTransaction(req.PaymentPayload.Network)
	payer := x402.PayerOf(&req.PaymentPayload)
	s.logger.Info("settled", "transaction", tx, "payer", payer)
	writeJSON(w, http.StatusOK, x402.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: tx,
		Network:     req.PaymentPayload.Network,
	})
}

func (s *server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := discoveryResponse{
		X402Version: x402.ProtocolVersion,
		Items:       []interface{}{},
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			resp.Pagination.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			resp.Pagination.Offset = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// check structurally validates a verify/settle request and returns a
// rejection reason, or "" when the payment passes.
func (s *server) check(req *settleRequest) string {
	if req.PaymentPayload.X402Version != x402.ProtocolVersion {
		return "unsupported_x402_version"
	}
	if req.PaymentPayload.Scheme != req.PaymentRequirements.Scheme ||
		req.PaymentPayload.Network != req.PaymentRequirements.Network {
		return "invalid_payment_requirements"
	}
	for _, kind := range s.supported.Kinds {
		if kind.Scheme == req.PaymentPayload.Scheme && kind.Network == req.PaymentPayload.Network {
			return ""
		}
	}
	return "unsupported_scheme_or_network"
}

// simulatedTransaction returns a random id shaped like a transaction hash
// for the network's family.
func simulatedTransaction(network string) string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	if typ, err := x402.NetworkTypeOf(network); err == nil && typ == x402.NetworkTypeSVM {
		return hex.EncodeToString(buf)
	}
	return "0x" + hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
