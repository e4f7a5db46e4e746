package http

import (
	"net/http"

	"github.com/fluxlayer/x402-go"
)

// Gate exposes the payment check to framework adapters whose response
// writers cannot be wrapped by the stdlib middleware. A Gate verifies and,
// unless VerifyOnly is set, settles the payment before the handler runs;
// frameworks that buffer responses themselves cannot defer settlement to
// response-commit time.
type Gate struct {
	m *middleware
}

// NewGate builds a Gate from the same Config as NewMiddleware. The
// SettlementPolicy field is ignored: gates always settle up front.
func NewGate(config *Config) *Gate {
	return &Gate{m: newMiddleware(config)}
}

// Check runs the payment flow for a request. When ok is false a refusal
// response has already been written and the protected handler must not run.
// On success it returns the verification result; the settlement receipt
// header (if any) is already set on w.
func (g *Gate) Check(w http.ResponseWriter, r *http.Request) (*x402.VerifyResponse, bool) {
	auth, ok := g.m.authorize(w, r)
	if !ok {
		return nil, false
	}
	if !g.m.verifyOnly {
		if !g.m.settleSync(w, r, auth.payment, auth.requirement, auth.requirements) {
			return nil, false
		}
	}
	return auth.verify, true
}
