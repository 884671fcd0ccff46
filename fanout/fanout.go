// Package fanout provides concurrent reductions over homogeneous RPC
// attempts: run the same operation against a set of endpoints and fold
// the outcomes into a single result.
package fanout

import (
	"context"
	"fmt"
	"sync"
)

// Task is a single endpoint attempt. Implementations must honor ctx
// cancellation, otherwise losing attempts outlive the race they lost.
type Task[T any] func(ctx context.Context) (T, error)

// Result pairs a successful task value with the index of the task that
// produced it. Index follows submission order.
type Result[T any] struct {
	Index int
	Value T
}

// AllFailedError reports that every attempt in a fan-out failed. First
// preserves the error of the lowest-index task.
type AllFailedError struct {
	Attempts int
	First    error
}

func (e *AllFailedError) Error() string {
	if e.First == nil {
		return fmt.Sprintf("failed on all RPCs (%d attempts)", e.Attempts)
	}

	return fmt.Sprintf("failed on all RPCs (%d attempts), first error: %v", e.Attempts, e.First)
}

func (e *AllFailedError) Unwrap() error {
	return e.First
}

// Gather runs every task to completion and hands the successes, in
// submission order, to pick. Tasks are never cancelled early: slow
// endpoints still contribute their answer before selection happens.
// If no task succeeds, Gather returns an AllFailedError.
func Gather[T any](ctx context.Context, tasks []Task[T], pick func(ok []Result[T]) T) (T, error) {
	var zero T

	if len(tasks) == 0 {
		return zero, &AllFailedError{}
	}

	vals := make([]T, len(tasks))
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup

	wg.Add(len(tasks))

	for i := range tasks {
		go func(idx int) {
			defer wg.Done()

			vals[idx], errs[idx] = tasks[idx](ctx)
		}(i)
	}

	wg.Wait()

	ok := make([]Result[T], 0, len(tasks))

	var first error

	for i := range tasks {
		if errs[i] != nil {
			if first == nil {
				first = errs[i]
			}

			continue
		}

		ok = append(ok, Result[T]{Index: i, Value: vals[i]})
	}

	if len(ok) == 0 {
		return zero, &AllFailedError{Attempts: len(tasks), First: first}
	}

	return pick(ok), nil
}

// Race runs every task at once and returns the value of the first one
// to succeed. Errors matched by soft keep the race alive; any other
// error is terminal: it cancels the outstanding tasks and is returned
// as is. When no task succeeds the precedence is terminal error, then
// the last soft error observed, then final.
//
// Race returns only after every task has finished, so callers never
// leak attempts into later calls.
func Race[T any](ctx context.Context, tasks []Task[T], soft func(error) bool, final error) (T, error) {
	var zero T

	if len(tasks) == 0 {
		if final != nil {
			return zero, final
		}

		return zero, &AllFailedError{}
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		idx int
		val T
		err error
	}

	done := make(chan outcome, len(tasks))

	for i := range tasks {
		go func(idx int) {
			val, err := tasks[idx](rctx)
			done <- outcome{idx: idx, val: val, err: err}
		}(i)
	}

	var (
		won      T
		winner   = -1
		terminal error
		lastSoft error
	)

	for range tasks {
		oc := <-done

		if oc.err == nil {
			// A success that slipped past the cancellation of a
			// terminal error still wins, same as one arriving in
			// the same batch as the terminal failure.
			if winner < 0 {
				winner = oc.idx
				won = oc.val

				cancel()
			}

			continue
		}

		if winner >= 0 || terminal != nil {
			continue
		}

		if soft != nil && soft(oc.err) {
			lastSoft = oc.err

			continue
		}

		terminal = oc.err

		cancel()
	}

	switch {
	case winner >= 0:
		return won, nil
	case terminal != nil:
		return zero, terminal
	case lastSoft != nil:
		return zero, lastSoft
	case final != nil:
		return zero, final
	}

	return zero, &AllFailedError{Attempts: len(tasks)}
}
