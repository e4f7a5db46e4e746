package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/encoding"
	"github.com/fluxlayer/x402-go/http/internal/helpers"
)

// SettlementPolicy controls when middleware executes settlement relative to
// serving the protected resource.
type SettlementPolicy int

const (
	// SettleBeforeResponse settles at the moment the handler commits a
	// success response, before the client sees it. The client only
	// receives the resource if settlement succeeded, and the settlement
	// details travel in the X-PAYMENT-RESPONSE header.
	SettleBeforeResponse SettlementPolicy = iota

	// SettleAfterResponse serves the resource immediately and settles in
	// the background. Lower latency, but a settlement failure cannot be
	// reported to the client; it is logged and surfaced through the
	// facilitator hooks.
	SettleAfterResponse
)

// Config holds the configuration for the payment middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is an optional backup facilitator, consulted
	// only when the primary is unreachable for verification. Settlement
	// never fails over: a settle request whose outcome is unknown must
	// not be replayed against a second service.
	FallbackFacilitatorURL string

	// PaymentRequirements defines the accepted payment methods.
	PaymentRequirements []x402.PaymentRequirements

	// VerifyOnly skips settlement entirely. Useful for testing and for
	// deployments where settlement happens out of band.
	VerifyOnly bool

	// SettlementPolicy selects synchronous (default) or background
	// settlement. Ignored when VerifyOnly is set.
	SettlementPolicy SettlementPolicy

	// Timeouts configures verify and settle deadlines. Zero value uses
	// x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Logger receives middleware diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// FacilitatorAuthorization is a static Authorization header value for
	// the primary facilitator, e.g. "Bearer your-api-key".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns a per-request Authorization
	// value for the primary facilitator. Takes precedence over the static
	// value when set.
	FacilitatorAuthorizationProvider AuthorizationProvider

	// Facilitator hooks for custom logic around verify and settle.
	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns a per-request
	// Authorization value for the fallback facilitator.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider
}

// contextKey is a private type so middleware context values cannot collide.
type contextKey string

// PaymentContextKey stores the *x402.VerifyResponse of the verified payment
// in the request context, giving handlers access to the payer identity.
const PaymentContextKey = contextKey("x402_payment")

// PaymentFromContext returns the verified payment stored by the middleware,
// or nil when the request was not payment-gated.
func PaymentFromContext(ctx context.Context) *x402.VerifyResponse {
	v, _ := ctx.Value(PaymentContextKey).(*x402.VerifyResponse)
	return v
}

// NewMiddleware builds payment-gating middleware from config. Requests
// without a valid payment receive 402 Payment Required with the accepted
// payment methods; verified requests reach the wrapped handler with the
// payment details in the request context.
//
// At construction the middleware fetches network-specific configuration
// (like the SVM feePayer) from the facilitator's /supported endpoint. A
// failure there is logged and the requirements are served as given.
func NewMiddleware(config *Config) func(http.Handler) http.Handler {
	m := newMiddleware(config)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next)
		})
	}
}

func newMiddleware(config *Config) *middleware {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := config.Timeouts
	if timeouts == (x402.TimeoutConfig{}) {
		timeouts = x402.DefaultTimeouts
	}

	client := &FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              timeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	var fallback *FacilitatorClient
	if config.FallbackFacilitatorURL != "" {
		fallback = &FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{},
			Timeouts:              timeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
	defer cancel()
	requirements, err := client.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		requirements = config.PaymentRequirements
	}

	return &middleware{
		logger:       logger,
		client:       client,
		fallback:     fallback,
		requirements: requirements,
		verifyOnly:   config.VerifyOnly,
		policy:       config.SettlementPolicy,
	}
}

type middleware struct {
	logger       *slog.Logger
	client       *FacilitatorClient
	fallback     *FacilitatorClient
	requirements []x402.PaymentRequirements
	verifyOnly   bool
	policy       SettlementPolicy
}

// authorization is the outcome of a successful payment check.
type authorization struct {
	verify       *x402.VerifyResponse
	payment      x402.PaymentPayload
	requirement  x402.PaymentRequirements
	requirements []x402.PaymentRequirements
}

// authorize parses, matches, and verifies the request's payment. On failure
// it writes the refusal response and returns false.
func (m *middleware) authorize(w http.ResponseWriter, r *http.Request) (*authorization, bool) {
	requirements := m.requirementsFor(r)

	headerValue := helpers.PaymentHeaderValue(r)
	if headerValue == "" {
		// First visit: a plain challenge, no diagnostic.
		m.logger.Info("no payment header provided", "path", r.URL.Path)
		helpers.SendPaymentRequired(w, requirements, "", "")
		return nil, false
	}

	payment, err := encoding.DecodePayment(headerValue)
	if err != nil {
		// A malformed attempt gets the same 402 challenge with the parse
		// failure in the error field so the client can correct and retry.
		m.logger.Warn("invalid payment header", "path", r.URL.Path, "error", err)
		helpers.SendPaymentRequired(w, requirements, err.Error(), "")
		return nil, false
	}

	requirement, err := x402.MatchRequirement(&payment, requirements)
	if err != nil {
		m.logger.Warn("no matching requirement",
			"scheme", payment.Scheme, "network", payment.Network, "error", err)
		helpers.SendPaymentRequired(w, requirements, err.Error(), helpers.Payer(&payment))
		return nil, false
	}

	verifyResp, err := m.client.Verify(r.Context(), payment, *requirement)
	if err != nil && m.fallback != nil {
		m.logger.Warn("primary facilitator unreachable, trying fallback", "error", err)
		verifyResp, err = m.fallback.Verify(r.Context(), payment, *requirement)
	}
	if err != nil {
		// The payment could not be checked at all; this is the server's
		// failure, not the client's.
		m.logger.Error("payment verification unavailable", "error", err)
		http.Error(w, "Payment verification unavailable", http.StatusInternalServerError)
		return nil, false
	}

	if !verifyResp.IsValid {
		m.logger.Warn("payment rejected",
			"reason", verifyResp.InvalidReason, "payer", verifyResp.Payer)
		helpers.SendPaymentRequired(w, requirements, verifyResp.InvalidReason, verifyResp.Payer)
		return nil, false
	}

	m.logger.Info("payment verified", "payer", verifyResp.Payer, "network", payment.Network)
	return &authorization{
		verify:       verifyResp,
		payment:      payment,
		requirement:  *requirement,
		requirements: requirements,
	}, true
}

func (m *middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	auth, ok := m.authorize(w, r)
	if !ok {
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, auth.verify))

	if m.verifyOnly {
		next.ServeHTTP(w, r)
		return
	}

	switch m.policy {
	case SettleAfterResponse:
		next.ServeHTTP(w, r)
		// The request context dies when the handler returns, so the
		// background settle runs on a detached copy of it.
		go m.settleDetached(context.WithoutCancel(r.Context()), auth.payment, auth.requirement)
	default:
		interceptor := &settlementInterceptor{
			w: w,
			settleFunc: func() bool {
				return m.settleSync(w, r, auth.payment, auth.requirement, auth.requirements)
			},
			onSkip: func(statusCode int) {
				m.logger.Warn("handler returned non-success, skipping settlement",
					"status", statusCode)
			},
		}
		next.ServeHTTP(interceptor, r)
	}
}

// requirementsFor stamps the per-request resource URL onto the configured
// requirements.
func (m *middleware) requirementsFor(r *http.Request) []x402.PaymentRequirements {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	resourceURL := scheme + "://" + r.Host + r.RequestURI

	requirements := make([]x402.PaymentRequirements, len(m.requirements))
	for i, req := range m.requirements {
		requirements[i] = req
		requirements[i].Resource = resourceURL
		if requirements[i].Description == "" {
			requirements[i].Description = "Payment required for " + r.URL.Path
		}
	}
	return requirements
}

// settleSync executes settlement at response-commit time. It returns true
// when the handler's response may proceed; on false it has already written
// the error response.
func (m *middleware) settleSync(w http.ResponseWriter, r *http.Request, payment x402.PaymentPayload, requirement x402.PaymentRequirements, requirements []x402.PaymentRequirements) bool {
	// A client disconnect must not abort a settlement already in flight;
	// the facilitator client's own timeout still bounds the call.
	settlement, err := m.client.Settle(context.WithoutCancel(r.Context()), payment, requirement)
	if err != nil {
		if errors.Is(err, x402.ErrSettlementUnknown) {
			// The transfer may or may not have landed. Re-settling would
			// risk a double spend, so report the indeterminate state.
			m.logger.Error("settlement outcome unknown", "error", err)
			http.Error(w, "Payment settlement outcome unknown", http.StatusBadGateway)
			return false
		}
		m.logger.Error("settlement failed", "error", err)
		helpers.SendPaymentRequired(w, requirements, "settlement failed", helpers.Payer(&payment))
		return false
	}

	if !settlement.Success {
		m.logger.Warn("settlement unsuccessful", "reason", settlement.ErrorReason)
		helpers.SendPaymentRequired(w, requirements, settlement.ErrorReason, settlement.Payer)
		return false
	}

	m.logger.Info("payment settled",
		"transaction", settlement.Transaction, "network", settlement.Network)
	if err := helpers.AddPaymentResponseHeader(w, settlement); err != nil {
		// The payment went through; losing the receipt header is not
		// worth failing the response over.
		m.logger.Warn("failed to add payment response header", "error", err)
	}
	return true
}

// settleDetached performs background settlement for SettleAfterResponse.
// The response is already on the wire, so outcomes are only observable
// through logs and the facilitator hooks.
func (m *middleware) settleDetached(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) {
	settlement, err := m.client.Settle(ctx, payment, requirement)
	switch {
	case err != nil:
		m.logger.Error("background settlement failed", "error", err)
	case !settlement.Success:
		m.logger.Warn("background settlement unsuccessful", "reason", settlement.ErrorReason)
	default:
		m.logger.Info("payment settled",
			"transaction", settlement.Transaction, "network", settlement.Network)
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment the
// handler commits a response. Success responses pause while settlement runs;
// error responses pass through untouched and no settlement happens.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc runs settlement; false means it already wrote an error
	// response and the handler's output must be discarded.
	settleFunc func() bool
	// onSkip observes handler error statuses that bypass settlement.
	onSkip    func(statusCode int)
	committed bool
	discarded bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which must trigger
	// settlement before any body bytes escape.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.discarded {
		// Settlement failed and an error response was already sent;
		// swallow the handler's payload to avoid a mixed response.
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through unsettled: the client should not pay
	// for a 404 or 500.
	if statusCode >= 400 {
		if i.onSkip != nil {
			i.onSkip(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.discarded = true
		return
	}
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher for streaming handlers.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker for handlers that take over the
// connection.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher for HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
