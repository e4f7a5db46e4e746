package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/facilitator"
	httpx402 "github.com/fluxlayer/x402-go/http"
	"github.com/fluxlayer/x402-go/mcp"
)

// Handler wraps an MCP HTTP handler and enforces payment on tools/call
// requests for tools registered in the config. All other requests pass
// through untouched.
type Handler struct {
	mcpHandler http.Handler
	config     *Config
	client     facilitator.Interface
	fallback   facilitator.Interface
	logger     *slog.Logger
}

// NewHandler wraps mcpHandler with payment gating.
func NewHandler(mcpHandler http.Handler, config *Config) *Handler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FacilitatorURL == "" {
		panic("x402: a facilitator URL must be provided")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := config.Timeouts
	if timeouts == (x402.TimeoutConfig{}) {
		timeouts = x402.DefaultTimeouts
	}

	h := &Handler{
		mcpHandler: mcpHandler,
		config:     config,
		logger:     logger,
		client: &httpx402.FacilitatorClient{
			BaseURL:               config.FacilitatorURL,
			Client:                &http.Client{},
			Timeouts:              timeouts,
			MaxRetries:            2,
			Authorization:         config.FacilitatorAuthorization,
			AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		},
	}
	if config.FallbackFacilitatorURL != "" {
		h.fallback = &httpx402.FacilitatorClient{
			BaseURL:  config.FallbackFacilitatorURL,
			Client:   &http.Client{},
			Timeouts: timeouts,
		}
	}
	return h
}

// ServeHTTP intercepts tools/call JSON-RPC requests for paid tools.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var rpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(body, &rpcReq); err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	if rpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var toolParams struct {
		Name string                 `json:"name"`
		Meta map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(rpcReq.Params, &toolParams); err != nil {
		h.writeError(w, rpcReq.ID, -32602, "Invalid params", nil)
		return
	}
	logger := h.logger.With("requestID", rpcReq.ID, "tool", toolParams.Name)

	requirements, paid := h.toolRequirements(toolParams.Name)
	if !paid {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	payment := paymentFromMeta(toolParams.Meta)
	if payment == nil {
		logger.Info("no payment provided for paid tool")
		h.writePaymentRequired(w, rpcReq.ID, "Payment required to call this tool", requirements)
		return
	}

	requirement, err := x402.MatchRequirement(payment, requirements)
	if err != nil {
		logger.Warn("no matching requirement",
			"scheme", payment.Scheme, "network", payment.Network)
		h.writePaymentRequired(w, rpcReq.ID, err.Error(), requirements)
		return
	}

	verifyResp, err := h.client.Verify(r.Context(), *payment, *requirement)
	if err != nil && h.fallback != nil {
		logger.Warn("primary facilitator unreachable, trying fallback", "error", err)
		verifyResp, err = h.fallback.Verify(r.Context(), *payment, *requirement)
	}
	if err != nil {
		logger.Error("payment verification unavailable", "error", err)
		h.writeError(w, rpcReq.ID, -32603, fmt.Sprintf("Verification failed: %v", err), nil)
		return
	}
	if !verifyResp.IsValid {
		logger.Warn("payment rejected", "reason", verifyResp.InvalidReason)
		h.writePaymentRequired(w, rpcReq.ID,
			fmt.Sprintf("Payment invalid: %s", verifyResp.InvalidReason), requirements)
		return
	}

	h.forwardAndSettle(w, r, body, rpcReq.ID, *payment, *requirement, verifyResp, logger)
}

// toolRequirements returns a copy of the tool's requirements with the
// resource field stamped.
func (h *Handler) toolRequirements(toolName string) ([]x402.PaymentRequirements, bool) {
	requirements := h.config.PaymentTools[toolName]
	if len(requirements) == 0 {
		return nil, false
	}
	stamped := make([]x402.PaymentRequirements, len(requirements))
	copy(stamped, requirements)
	for i := range stamped {
		if stamped[i].Resource == "" {
			stamped[i].Resource = ToolResource(toolName)
		}
	}
	return stamped, true
}

// forwardAndSettle runs the tool, settles the payment when execution
// succeeded, and injects the settlement receipt into result._meta.
func (h *Handler) forwardAndSettle(w http.ResponseWriter, r *http.Request, requestBody []byte, requestID interface{}, payment x402.PaymentPayload, requirement x402.PaymentRequirements, verifyResp *x402.VerifyResponse, logger *slog.Logger) {
	recorder := &responseRecorder{
		headerMap:  make(http.Header),
		statusCode: http.StatusOK,
	}
	r.Body = io.NopCloser(bytes.NewReader(requestBody))
	h.mcpHandler.ServeHTTP(recorder, r)

	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(recorder.body.Bytes(), &rpcResp); err != nil {
		// An unparseable response (e.g. an SSE stream) is forwarded
		// as-is; there is no success signal to settle on.
		logger.Warn("unparseable tool response, skipping settlement", "error", err)
		recorder.copyTo(w)
		return
	}
	if len(rpcResp.Error) > 0 {
		// The tool failed; the client does not pay for failures.
		logger.Info("tool execution failed, payment not settled")
		recorder.copyTo(w)
		return
	}

	receipt := &x402.SettleResponse{
		Success: false,
		Network: payment.Network,
		Payer:   verifyResp.Payer,
	}
	if !h.config.VerifyOnly {
		settlement, err := h.client.Settle(r.Context(), payment, requirement)
		if err != nil || !settlement.Success {
			var reason string
			if err != nil {
				reason = err.Error()
			} else {
				reason = settlement.ErrorReason
			}
			logger.Error("settlement failed", "reason", reason)
			receipt.ErrorReason = reason
			h.writeError(w, requestID, -32603,
				fmt.Sprintf("Settlement failed: %v", reason),
				map[string]interface{}{mcp.MetaKeyPaymentResponse: receipt})
			return
		}
		logger.Info("payment settled", "transaction", settlement.Transaction)
		receipt = settlement
	}

	rpcResp.Result = injectReceipt(rpcResp.Result, receipt)

	responseBytes, err := json.Marshal(rpcResp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for k, v := range recorder.headerMap {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(responseBytes)))
	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(responseBytes)
}

// injectReceipt places the settlement receipt in result._meta, leaving the
// result untouched when it is not a JSON object.
func injectReceipt(result json.RawMessage, receipt *x402.SettleResponse) json.RawMessage {
	if len(result) == 0 {
		return result
	}
	var resultMap map[string]interface{}
	if err := json.Unmarshal(result, &resultMap); err != nil {
		return result
	}
	meta, ok := resultMap["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta[mcp.MetaKeyPaymentResponse] = receipt
	resultMap["_meta"] = meta

	modified, err := json.Marshal(resultMap)
	if err != nil {
		return result
	}
	return modified
}

// paymentFromMeta extracts the client's payment from params._meta.
func paymentFromMeta(meta map[string]interface{}) *x402.PaymentPayload {
	if meta == nil {
		return nil
	}
	paymentData, ok := meta[mcp.MetaKeyPayment]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(paymentData)
	if err != nil {
		return nil
	}
	var payment x402.PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil
	}
	return &payment
}

// writePaymentRequired emits a JSON-RPC 402 error carrying the accepted
// payment methods.
func (h *Handler) writePaymentRequired(w http.ResponseWriter, id interface{}, reason string, requirements []x402.PaymentRequirements) {
	h.writeError(w, id, mcp.PaymentRequiredCode, "Payment required", mcp.PaymentRequiredData{
		X402Version: x402.ProtocolVersion,
		Error:       reason,
		Accepts:     requirements,
	})
}

// writeError writes a JSON-RPC error response. JSON-RPC errors travel with
// HTTP status 200.
func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// responseRecorder buffers the wrapped handler's response so the payment
// receipt can be injected before anything reaches the client.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

func (r *responseRecorder) copyTo(w http.ResponseWriter) {
	for k, v := range r.headerMap {
		w.Header()[k] = v
	}
	w.WriteHeader(r.statusCode)
	_, _ = w.Write(r.body.Bytes())
}
