package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentRequired indicates a tool call was refused pending payment.
	ErrPaymentRequired = errors.New("payment required")

	// ErrNoPaymentRequirements indicates a 402 error that carried no
	// usable accepts list.
	ErrNoPaymentRequirements = errors.New("no payment requirements in 402 error")
)

// PaymentError wraps a payment failure with the tool it happened for.
type PaymentError struct {
	Err  error
	Tool string
}

func (e *PaymentError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("payment error for tool %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("payment error: %v", e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WrapError attaches tool context to a payment failure. Nil errors pass
// through unchanged.
func WrapError(err error, tool string) error {
	if err == nil {
		return nil
	}
	return &PaymentError{Err: err, Tool: tool}
}
