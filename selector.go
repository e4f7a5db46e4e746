package x402

import (
	"sort"
	"strings"
)

// SelectRequirement chooses one requirement from a server-offered list.
//
// The algorithm, in order:
//  1. If networks is empty, every requirement is a candidate; otherwise only
//     requirements whose network is in networks are kept.
//  2. Among the candidates, the first whose scheme equals preferredScheme wins.
//  3. With no scheme match, the first candidate wins; with no candidates at
//     all, the first element of the original list wins.
//
// Ties break first-match in list order, so callers that care about price
// ordering must sort before calling. The returned pointer addresses an
// element of reqs. The only failure is an empty input list.
func SelectRequirement(reqs []PaymentRequirements, networks []string, preferredScheme string) (*PaymentRequirements, error) {
	if len(reqs) == 0 {
		return nil, NewPaymentError(ErrCodeNoRequirements, "empty requirements list", ErrNoAcceptableRequirements)
	}

	candidates := make([]*PaymentRequirements, 0, len(reqs))
	for i := range reqs {
		if len(networks) == 0 || containsNetwork(networks, reqs[i].Network) {
			candidates = append(candidates, &reqs[i])
		}
	}

	for _, c := range candidates {
		if c.Scheme == preferredScheme {
			return c, nil
		}
	}

	if len(candidates) > 0 {
		return candidates[0], nil
	}

	// No network matched; fall back to the server's first offer so callers
	// still get a diagnosable signing failure instead of a silent nil.
	return &reqs[0], nil
}

// MatchRequirement finds the requirement whose scheme and network exactly
// match the supplied payment. This is the server-side counterpart of
// SelectRequirement: with multiple instruments offered and none matching,
// there is no fallback, only an error.
func MatchRequirement(payment *PaymentPayload, reqs []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range reqs {
		if reqs[i].Scheme == payment.Scheme && reqs[i].Network == payment.Network {
			return &reqs[i], nil
		}
	}
	return nil, NewPaymentError(
		ErrCodeUnsupportedScheme,
		"no requirement matches payment scheme and network",
		ErrUnsupportedScheme,
	).WithDetails("scheme", payment.Scheme).WithDetails("network", payment.Network)
}

// SignerNetworks returns the deduplicated networks the given signers can pay
// on, preserving signer order.
func SignerNetworks(signers []Signer) []string {
	seen := make(map[string]struct{}, len(signers))
	networks := make([]string, 0, len(signers))
	for _, s := range signers {
		n := s.Network()
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		networks = append(networks, n)
	}
	return networks
}

// SignForRequirement picks the best signer able to satisfy the requirement
// and produces a signed payment. Capable signers are ordered by signer
// priority, then token priority, then configuration order.
func SignForRequirement(req *PaymentRequirements, signers []Signer) (*PaymentPayload, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}

	var candidates []signerCandidate
	for i, signer := range signers {
		if !signer.CanSign(req) {
			continue
		}

		tokenPriority := 0
		for _, token := range signer.Tokens() {
			if strings.EqualFold(token.Address, req.Asset) {
				tokenPriority = token.Priority
				break
			}
		}

		candidates = append(candidates, signerCandidate{
			signer:         signer,
			signerPriority: signer.Priority(),
			tokenPriority:  tokenPriority,
			order:          i,
		})
	}

	if len(candidates) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy requirements", ErrNoValidSigner).
			WithDetails("network", req.Network).
			WithDetails("asset", req.Asset).
			WithDetails("amount", req.MaxAmountRequired)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].signerPriority != candidates[j].signerPriority {
			return candidates[i].signerPriority < candidates[j].signerPriority
		}
		if candidates[i].tokenPriority != candidates[j].tokenPriority {
			return candidates[i].tokenPriority < candidates[j].tokenPriority
		}
		return candidates[i].order < candidates[j].order
	})

	payment, err := candidates[0].signer.Sign(req)
	if err != nil {
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}
	return payment, nil
}

// signerCandidate is a signer able to satisfy a requirement, with the keys
// used to rank it.
type signerCandidate struct {
	signer         Signer
	signerPriority int
	tokenPriority  int
	order          int
}

func containsNetwork(networks []string, network string) bool {
	for _, n := range networks {
		if n == network {
			return true
		}
	}
	return false
}
