// Package executor runs remediation operations through a delegated signer and
// falls back to preparing an unsigned transaction when that path is unavailable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trove-guardian/internal/remediation"
	"trove-guardian/internal/snapshot"
	"trove-guardian/internal/txbuilder"
)

var (
	// ErrNoSigner means no delegated signer is configured for this deployment.
	ErrNoSigner = errors.New("no delegated signer configured")
	// ErrNotAuthorized means the owner has not authorized the delegated signer.
	ErrNotAuthorized = errors.New("delegated signer not authorized by owner")
	// ErrNoBuilder means no transaction builder is configured.
	ErrNoBuilder = errors.New("no transaction builder configured")
)

// SimulationError wraps a failed pre-submission simulation.
type SimulationError struct{ Err error }

func (e *SimulationError) Error() string { return "simulation failed: " + e.Err.Error() }
func (e *SimulationError) Unwrap() error { return e.Err }

// SubmissionError wraps a failure to submit or track a transaction.
type SubmissionError struct{ Err error }

func (e *SubmissionError) Error() string { return "submission failed: " + e.Err.Error() }
func (e *SubmissionError) Unwrap() error { return e.Err }

// Operation is one remediation to carry out for an owner's trove.
type Operation struct {
	Kind             remediation.ActionKind
	Owner            string
	BranchIndex      int
	TroveID          string
	CollateralSymbol string
	CollateralDelta  *big.Int
	CollateralAmount decimal.Decimal
	NewRate          decimal.Decimal
}

// NewOperation binds a selected action to the position it was selected for.
func NewOperation(owner string, pos snapshot.PositionSnapshot, action remediation.Action) Operation {
	return Operation{
		Kind:             action.Kind,
		Owner:            owner,
		BranchIndex:      pos.BranchIndex,
		TroveID:          pos.TroveID,
		CollateralSymbol: pos.CollateralSymbol,
		CollateralDelta:  action.CollateralDelta,
		CollateralAmount: action.CollateralAmount,
		NewRate:          action.NewRate,
	}
}

// Params renders the operation as the builder's parameter bag.
func (op Operation) Params() map[string]string {
	params := map[string]string{
		"owner":       op.Owner,
		"branchIndex": strconv.Itoa(op.BranchIndex),
		"troveId":     op.TroveID,
	}
	switch op.Kind {
	case remediation.ActionAdjustCollateral:
		if op.CollateralDelta != nil {
			params["collAmount"] = op.CollateralDelta.String()
		}
	case remediation.ActionAdjustRate:
		params["newRate"] = op.NewRate.StringFixed(2)
		params["newRateWad"] = rateToWad(op.NewRate).String()
	}
	return params
}

// Describe is a short human-readable label used in outcome strings.
func (op Operation) Describe() string {
	switch op.Kind {
	case remediation.ActionAdjustCollateral:
		symbol := op.CollateralSymbol
		if symbol == "" {
			symbol = "collateral"
		}
		return fmt.Sprintf("add %s %s to trove %s", op.CollateralAmount.StringFixed(4), symbol, op.TroveID)
	case remediation.ActionAdjustRate:
		return fmt.Sprintf("set trove %s interest rate to %s%%", op.TroveID, op.NewRate.StringFixed(2))
	default:
		return string(op.Kind)
	}
}

// Kind classifies how an execution attempt ended.
type Kind string

const (
	KindDirectSuccess    Kind = "direct_success"
	KindDirectReverted   Kind = "direct_reverted"
	KindDirectPending    Kind = "direct_pending"
	KindFallbackPrepared Kind = "fallback_prepared"
	KindBothFailed       Kind = "both_failed"
)

// Result is the outcome of one Execute call.
type Result struct {
	Kind        Kind
	Operation   Operation
	TxHash      string
	Unsigned    *txbuilder.UnsignedTx
	DirectErr   error
	FallbackErr error
}

// Summary is the outcome string attached to risk events.
func (r Result) Summary() string {
	what := r.Operation.Describe()
	switch r.Kind {
	case KindDirectSuccess:
		return fmt.Sprintf("Executed %s via delegated signer (tx %s)", what, r.TxHash)
	case KindDirectReverted:
		return fmt.Sprintf("Submitted %s via delegated signer but it reverted (tx %s)", what, r.TxHash)
	case KindDirectPending:
		return fmt.Sprintf("Submitted %s via delegated signer, finality not yet observed (tx %s)", what, r.TxHash)
	case KindFallbackPrepared:
		to := ""
		if r.Unsigned != nil {
			to = r.Unsigned.To
		}
		return fmt.Sprintf("Prepared unsigned transaction to %s (target %s); direct path: %v", what, to, r.DirectErr)
	case KindBothFailed:
		return fmt.Sprintf("Failed to %s: direct path: %v; fallback: %v", what, r.DirectErr, r.FallbackErr)
	default:
		return what
	}
}

// Signer executes calls on behalf of owners who delegated to it.
type Signer interface {
	Authorized(ctx context.Context, owner string) error
	Simulate(ctx context.Context, call Call) error
	Submit(ctx context.Context, call Call) (Receipt, error)
}

// Encoder turns an operation into a contract call.
type Encoder interface {
	Encode(op Operation) (Call, error)
}

// Executor implements the direct-then-fallback state machine.
type Executor struct {
	signer  Signer
	encoder Encoder
	builder txbuilder.Builder
	logger  zerolog.Logger
}

// New constructs an executor. signer and builder may be nil.
func New(signer Signer, encoder Encoder, builder txbuilder.Builder, logger zerolog.Logger) *Executor {
	return &Executor{
		signer:  signer,
		encoder: encoder,
		builder: builder,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Execute attempts op at most once on each path. It never panics or returns an error;
// the outcome is always expressed through the Result.
func (e *Executor) Execute(ctx context.Context, op Operation) Result {
	result := Result{Operation: op}

	receipt, err := e.direct(ctx, op)
	if err == nil {
		result.TxHash = receipt.TxHash
		switch {
		case !receipt.Finalized:
			result.Kind = KindDirectPending
		case receipt.Success:
			result.Kind = KindDirectSuccess
		default:
			result.Kind = KindDirectReverted
		}
		e.logger.Info().Str("owner", op.Owner).Str("trove", op.TroveID).
			Str("operation", string(op.Kind)).Str("tx", receipt.TxHash).Str("result", string(result.Kind)).
			Msg("direct remediation submitted")
		return result
	}

	result.DirectErr = err
	e.logDirectFailure(op, err)

	tx, err := e.fallback(ctx, op)
	if err != nil {
		result.Kind = KindBothFailed
		result.FallbackErr = err
		e.logger.Error().Err(err).Str("owner", op.Owner).Str("trove", op.TroveID).
			Str("operation", string(op.Kind)).Msg("fallback transaction build failed")
		return result
	}

	result.Kind = KindFallbackPrepared
	result.Unsigned = &tx
	e.logger.Info().Str("owner", op.Owner).Str("trove", op.TroveID).
		Str("operation", string(op.Kind)).Str("to", tx.To).Msg("unsigned remediation transaction prepared")
	return result
}

func (e *Executor) direct(ctx context.Context, op Operation) (receipt Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("direct path panic: %v", r)
		}
	}()

	if e.signer == nil {
		return Receipt{}, ErrNoSigner
	}
	if err := e.signer.Authorized(ctx, op.Owner); err != nil {
		return Receipt{}, err
	}
	if e.encoder == nil {
		return Receipt{}, errors.New("no call encoder configured")
	}

	call, err := e.encoder.Encode(op)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode call: %w", err)
	}
	if err := e.signer.Simulate(ctx, call); err != nil {
		return Receipt{}, &SimulationError{Err: err}
	}

	receipt, err = e.signer.Submit(ctx, call)
	if err != nil {
		return Receipt{}, &SubmissionError{Err: err}
	}
	return receipt, nil
}

func (e *Executor) fallback(ctx context.Context, op Operation) (txbuilder.UnsignedTx, error) {
	if e.builder == nil {
		return txbuilder.UnsignedTx{}, ErrNoBuilder
	}
	return e.builder.Build(ctx, string(op.Kind), op.Params())
}

func (e *Executor) logDirectFailure(op Operation, err error) {
	var simErr *SimulationError
	var subErr *SubmissionError
	switch {
	case errors.As(err, &subErr):
		e.logger.Warn().Err(err).Str("owner", op.Owner).Str("trove", op.TroveID).Msg("direct submission failed, falling back")
	case errors.As(err, &simErr):
		e.logger.Debug().Err(err).Str("owner", op.Owner).Str("trove", op.TroveID).Msg("simulation rejected call, falling back")
	default:
		e.logger.Debug().Err(err).Str("owner", op.Owner).Str("trove", op.TroveID).Msg("direct path unavailable, falling back")
	}
}

// rateToWad converts a percentage into the 1e18-scaled annual rate used on-chain.
func rateToWad(rate decimal.Decimal) *big.Int {
	return rate.Shift(16).Floor().BigInt()
}
