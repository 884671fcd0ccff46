// Package telemetry defines the observer hook the client reports its
// call lifecycle through. The default observer drops everything; the
// prometheus implementation turns the events into metrics.
package telemetry

import (
	"time"
)

// CallInfo identifies one logical contract call.
type CallInfo struct {
	// ID is a correlation id, unique per invocation.
	ID string

	// Function is the contract function name, or the raw query name
	// for block/receipt/nonce lookups.
	Function string

	// Kind is "view", "transaction" or "query".
	Kind string
}

// Outcome closes a CallInfo.
type Outcome struct {
	Err      error
	Duration time.Duration
	TxHash   string
}

// Observer receives lifecycle events from the client. Implementations
// must be safe for concurrent use; events from parallel calls
// interleave.
type Observer interface {
	CallStarted(info CallInfo)
	CallFinished(info CallInfo, outcome Outcome)

	// EndpointFault reports one endpoint failing one operation. Soft
	// failures absorbed by the reconcilers still show up here.
	EndpointFault(op, url string, err error)

	// RaceWon reports which endpoint answered a first-success race.
	RaceWon(op, url string)

	// GasQuoted reports the fee the estimator settled on, in GWei.
	GasQuoted(method, priority string, feeGwei float64)
}

type nop struct{}

func (nop) CallStarted(CallInfo)           {}
func (nop) CallFinished(CallInfo, Outcome) {}
func (nop) EndpointFault(string, string, error) {
}
func (nop) RaceWon(string, string)            {}
func (nop) GasQuoted(string, string, float64) {}

// Nop returns an observer that ignores every event.
func Nop() Observer {
	return nop{}
}
