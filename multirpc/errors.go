package multirpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/umbracle/ethgo"

	"github.com/solvernet/multirpc/fanout"
	"github.com/solvernet/multirpc/registry"
)

var (
	// ErrAllRPCsFailed is returned when every sub-bracket of the
	// required role was tried and none produced an answer.
	ErrAllRPCsFailed = errors.New("all of RPCs raise exception")

	// ErrViewCallFailed wraps a view call that exhausted every
	// sub-bracket.
	ErrViewCallFailed = errors.New("view call failed")

	// ErrGetBlockFailed is the terminal identity of the raw block
	// queries.
	ErrGetBlockFailed = errors.New("get block failed")

	// ErrBlockNotFound reports an identifier no endpoint knows.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptNotFound reports a transaction hash no endpoint has a
	// receipt for.
	ErrReceiptNotFound = errors.New("transaction receipt not found")

	// ErrReceiptTimeout reports a confirmation worker running out of
	// its wait window.
	ErrReceiptTimeout = errors.New("transaction was not mined within the wait window")

	// ErrInvalidViewPolicy rejects an unknown view policy value.
	ErrInvalidViewPolicy = errors.New("not a valid view policy")

	// ErrNotSetup is returned for calls issued before Setup finished.
	ErrNotSetup = errors.New("client is not set up")

	// ErrUnknownFunction is returned for names absent from the ABI.
	ErrUnknownFunction = errors.New("unknown contract function")

	// ErrNoAccount is returned for transactions without a sender key,
	// neither per call nor via SetAccount.
	ErrNoAccount = errors.New("no sender account configured")

	// ErrInvalidGasParams rejects caller-supplied fee params carrying
	// neither a legacy gas price nor a complete dynamic-fee pair.
	ErrInvalidGasParams = errors.New("gas params carry no usable fee")
)

// TxFailedStatusError reports a mined transaction whose receipt
// status is not 1. It is fatal: no other sub-bracket is tried.
type TxFailedStatusError struct {
	Hash     ethgo.Hash
	Function string
	Args     []interface{}
	Trace    string
}

func (e *TxFailedStatusError) Error() string {
	return fmt.Sprintf("transaction %s failed with status 0 (function %s)", e.Hash, e.Function)
}

// TxValueError reports a broadcast rejected by every endpoint with a
// non-benign node answer. It is fatal.
type TxValueError struct {
	Err error
}

func (e *TxValueError) Error() string {
	return fmt.Sprintf("transaction rejected: %v", e.Err)
}

func (e *TxValueError) Unwrap() error {
	return e.Err
}

// benignBroadcast lists node rejections that mean the payload is
// already taken care of, usually because another endpoint of the same
// race accepted it first.
var benignBroadcast = []string{
	"nonce too low",
	"already known",
	"transaction underpriced",
	"account suspended",
	"exceeds the configured cap",
}

// overdraftChainID is the one chain where "transaction would cause
// overdraft" is a known transient answer.
const overdraftChainID = 97

func isBenignBroadcast(err error, chainID uint64) bool {
	msg := strings.ToLower(err.Error())

	for _, s := range benignBroadcast {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return chainID == overdraftChainID && strings.Contains(msg, "transaction would cause overdraft")
}

// escalatable reports whether a sub-bracket failure should move the
// call to the next sub-bracket instead of aborting it.
func escalatable(err error) bool {
	allFailed := &fanout.AllFailedError{}
	if errors.As(err, &allFailed) {
		return true
	}

	if errors.Is(err, ErrReceiptTimeout) || errors.Is(err, ErrReceiptNotFound) || errors.Is(err, ErrBlockNotFound) {
		return true
	}

	return registry.IsConnError(err)
}

// fatal reports call-aborting identities that skip escalation even
// where escalatable errors would move on.
func fatal(err error) bool {
	statusErr := &TxFailedStatusError{}
	if errors.As(err, &statusErr) {
		return true
	}

	valueErr := &TxValueError{}

	return errors.As(err, &valueErr)
}
