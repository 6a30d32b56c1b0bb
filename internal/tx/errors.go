package tx

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReceiptNotFound is returned by fetchers for transactions that have
// not been mined yet. ethereum.NotFound is treated the same way.
var ErrReceiptNotFound = errors.New("receipt not found")

// ValidationError rejects an operation before anything is sent.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Op, e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(op, field, format string, args ...any) error {
	return &ValidationError{Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SubmissionError means the transaction never reached the chain: the
// wallet refused to sign, the nonce was wrong, or the node was
// unreachable.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// DecodeError means the transaction succeeded on chain but its receipt
// could not be interpreted locally. It is not an execution failure.
type DecodeError struct {
	Op   string
	Hash common.Hash
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: tx %s succeeded but receipt could not be decoded: %v", e.Op, e.Hash.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
