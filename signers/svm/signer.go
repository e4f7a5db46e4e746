// Package svm implements an x402 payment signer for Solana networks. It
// builds partially signed SPL token transfers: the client signs with its
// own key and the facilitator adds the fee payer signature before
// submitting.
//
// The signer needs a Solana RPC endpoint to fetch a recent blockhash.
// Configure it with WithRPCEndpoint, the SOLANA_RPC_ENDPOINT environment
// variable, or fall back to the public (rate-limited) endpoints.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/fluxlayer/x402-go"
	"github.com/fluxlayer/x402-go/validation"
)

// Signer implements x402.Signer for Solana (SVM) networks.
type Signer struct {
	privateKey  solana.PrivateKey
	publicKey   solana.PublicKey
	network     string
	rpcEndpoint string
	tokens      []x402.TokenConfig
	priority    int
	maxAmount   *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a Solana signer. A private key (or keygen file), a
// network, and at least one token mint are required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if len(s.privateKey) == 0 {
		return nil, x402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, x402.ErrInvalidNetwork
	}
	if netType, err := x402.NetworkTypeOf(s.network); err == nil && netType != x402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s is not an SVM network", x402.ErrInvalidNetwork, s.network)
	}
	if len(s.tokens) == 0 {
		return nil, x402.ErrNoTokens
	}
	for _, t := range s.tokens {
		if err := validation.ValidateAddress(t.Address, s.network); err != nil {
			return nil, err
		}
	}

	s.publicKey = s.privateKey.PublicKey()
	return s, nil
}

// WithPrivateKey sets the private key from a base58 string.
func WithPrivateKey(base58Key string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads the private key from a solana-keygen JSON file, the
// byte-array format written by `solana-keygen new`.
func WithKeygenFile(path string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
		}

		// solana-keygen writes the key as a JSON array of byte values.
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKeystore)
		}
		if len(ints) != 64 {
			return fmt.Errorf("%w: invalid key length", x402.ErrInvalidKeystore)
		}

		keyBytes := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("%w: byte value out of range", x402.ErrInvalidKeystore)
			}
			keyBytes[i] = byte(v)
		}
		s.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// WithNetwork sets the blockchain network.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithRPCEndpoint overrides the RPC endpoint used to fetch blockhashes.
func WithRPCEndpoint(endpoint string) SignerOption {
	return func(s *Signer) error {
		s.rpcEndpoint = endpoint
		return nil
	}
}

// WithToken adds a token mint the signer may spend.
func WithToken(mintAddress, symbol string, decimals int) SignerOption {
	return WithTokenPriority(mintAddress, symbol, decimals, 0)
}

// WithTokenPriority adds a token mint with an explicit selection priority.
// Lower priority tokens are preferred.
func WithTokenPriority(mintAddress, symbol string, decimals, priority int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  mintAddress,
			Symbol:   symbol,
			Decimals: decimals,
			Priority: priority,
		})
		return nil
	}
}

// WithPriority sets the signer's priority relative to other signers.
// Lower is preferred.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmountPerCall caps the amount the signer will authorize for a
// single payment, in atomic units.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return "exact"
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(requirement *x402.PaymentRequirements) bool {
	if requirement.Network != s.network || requirement.Scheme != "exact" {
		return false
	}
	for _, t := range s.tokens {
		if strings.EqualFold(t.Address, requirement.Asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. It builds an SPL TransferChecked transaction
// signed by the client key only; the fee payer slot is left for the
// facilitator, whose address must arrive in requirement.Extra["feePayer"].
func (s *Signer) Sign(requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, x402.ErrNoValidSigner
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirement.MaxAmountRequired, 10); !ok {
		return nil, x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	mintAddress, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	var decimals uint8
	for _, t := range s.tokens {
		if strings.EqualFold(t.Address, requirement.Asset) {
			decimals = uint8(t.Decimals)
			break
		}
	}

	feePayer, err := feePayerFromExtra(requirement)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer: %w", err)
	}

	rpcURL, err := s.rpcURL()
	if err != nil {
		return nil, err
	}
	client := rpc.New(rpcURL)
	recent, err := client.GetLatestBlockhash(context.Background(), rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash from %s: %w", rpcURL, err)
	}

	txBase64, err := BuildPartiallySignedTransfer(
		s.privateKey,
		s.publicKey,
		mintAddress,
		recipient,
		amount.Uint64(),
		decimals,
		feePayer,
		recent.Value.Blockhash,
	)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build transaction", err)
	}

	payload, err := json.Marshal(x402.ExactSVMPayload{Transaction: txBase64})
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to marshal payload", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      "exact",
		Network:     s.network,
		Payload:     payload,
	}, nil
}

// Priority implements x402.Signer.
func (s *Signer) Priority() int {
	return s.priority
}

// Tokens implements x402.Signer.
func (s *Signer) Tokens() []x402.TokenConfig {
	return s.tokens
}

// MaxAmount implements x402.Signer.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's public key as a base58 string.
func (s *Signer) Address() string {
	return s.publicKey.String()
}

func (s *Signer) rpcURL() (string, error) {
	if s.rpcEndpoint != "" {
		return s.rpcEndpoint, nil
	}
	if endpoint := os.Getenv("SOLANA_RPC_ENDPOINT"); endpoint != "" {
		return endpoint, nil
	}
	switch strings.ToLower(s.network) {
	case "solana", "mainnet-beta":
		return rpc.MainNetBeta_RPC, nil
	case "solana-devnet", "devnet":
		return rpc.DevNet_RPC, nil
	case "testnet":
		return rpc.TestNet_RPC, nil
	default:
		return "", fmt.Errorf("%w: no RPC endpoint for %s", x402.ErrInvalidNetwork, s.network)
	}
}

// feePayerFromExtra reads the facilitator's fee payer address from the
// requirement's extra data.
func feePayerFromExtra(requirement *x402.PaymentRequirements) (solana.PublicKey, error) {
	if requirement.Extra == nil {
		return solana.PublicKey{}, fmt.Errorf("missing extra field in requirements")
	}
	feePayerStr, ok := requirement.Extra["feePayer"].(string)
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("feePayer not found in extra field")
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}
	return feePayer, nil
}

// BuildPartiallySignedTransfer creates a partially signed SPL token
// transfer transaction, base64 encoded. Only the client signature is
// present; the facilitator adds the fee payer signature before broadcast.
func BuildPartiallySignedTransfer(
	clientPrivateKey solana.PrivateKey,
	clientPublicKey solana.PublicKey,
	mint solana.PublicKey,
	recipient solana.PublicKey,
	amount uint64,
	decimals uint8,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, _, err := solana.FindAssociatedTokenAddress(clientPublicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find source ATA: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find destination ATA: %w", err)
	}

	transferInst := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetDestinationAccount(destATA).
		SetMintAccount(mint).
		SetOwnerAccount(clientPublicKey).
		Build()

	instructions := []solana.Instruction{
		buildSetComputeUnitLimitInstruction(200_000),
		buildSetComputeUnitPriceInstruction(10_000),
		transferInst,
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	// Sign with the client key only; the fee payer slot stays empty for
	// the facilitator.
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(clientPublicKey) {
			return &clientPrivateKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// buildSetComputeUnitLimitInstruction encodes [2, units u32 LE].
func buildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// buildSetComputeUnitPriceInstruction encodes [3, microlamports u64 LE].
func buildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	for i := 0; i < 8; i++ {
		data[i+1] = byte(microlamports >> (8 * i))
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}
