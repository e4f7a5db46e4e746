package helpers

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/fluxlayer/x402-go"
)

// solanaPayer decodes the partially-signed transaction inside an SVM
// payment and walks its instructions for the funding account of the first
// system or token transfer.
func solanaPayer(payment *x402.PaymentPayload) (string, error) {
	var payload x402.ExactSVMPayload
	if err := json.Unmarshal(payment.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid svm payload: %w", err)
	}
	if payload.Transaction == "" {
		return "", fmt.Errorf("transaction not found in payload")
	}

	tx, err := solana.TransactionFromBase64(payload.Transaction)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		switch {
		case prog.Equals(solana.SystemProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := system.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			if transfer, ok := ix.Impl.(*system.Transfer); ok {
				return transfer.GetFundingAccount().PublicKey.String(), nil
			}
		case prog.Equals(solana.TokenProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			switch transfer := ix.Impl.(type) {
			case *token.Transfer:
				return transfer.GetOwnerAccount().PublicKey.String(), nil
			case *token.TransferChecked:
				return transfer.GetOwnerAccount().PublicKey.String(), nil
			}
		}
	}
	return "", nil
}
